package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"query-rpc/server"
)

// DefaultExpiry is how long a worker may stay silent before it is moved to
// the inactive set.
const DefaultExpiry = 30 * time.Second

// Worker is the tracker's view of one worker.
type Worker struct {
	ID       int32
	Conn     ConnectionInfo
	Status   ServerStatus
	LastPing time.Time
}

// Tracker holds the worker table. It is safe for concurrent use; every
// heartbeat is answered with a response built for that call alone.
type Tracker struct {
	expiry time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastID   int32
	workers  map[int32]*Worker
	inactive map[int32]*Worker
}

type Option func(*Tracker)

func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// WithExpiry sets the silence after which a worker turns inactive.
func WithExpiry(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.expiry = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		expiry:   DefaultExpiry,
		log:      zap.NewNop(),
		now:      time.Now,
		workers:  make(map[int32]*Worker),
		inactive: make(map[int32]*Worker),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("tracker")
	return t
}

// ServiceDesc returns the ResourceTracker contract served by t.
func (t *Tracker) ServiceDesc() server.ServiceDesc {
	return server.ServiceDesc{
		Name: ServiceName,
		Methods: []server.MethodDesc{
			{Name: MethodHeartbeat, Handler: server.Unary(t.Heartbeat)},
		},
	}
}

// Heartbeat records hb. A worker without an ID gets a fresh one; a known
// worker has its status and ping refreshed; an inactive worker is revived;
// an ID the tracker has never seen, as after a tracker restart, is
// registered as reported.
func (t *Tracker) Heartbeat(ctx context.Context, hb *NodeHeartbeat) (*HeartbeatResponse, error) {
	status := DefaultResources
	if hb.Status != nil {
		status = *hb.Status
	}
	resp := &HeartbeatResponse{Result: true}

	t.mu.Lock()
	id := hb.Conn.ID
	now := t.now()
	switch w, active := t.workers[id]; {
	case id == UnallocatedWorkerID:
		id = t.nextID()
		t.add(id, hb.Conn, status, now)
		resp.GeneratedWorkerID = id
		t.log.Info("worker joined", zap.Int32("worker", id), zap.String("host", hb.Conn.Host))
	case active:
		w.Status = status
		w.LastPing = now
	case t.inactive[id] != nil:
		delete(t.inactive, id)
		t.add(id, hb.Conn, status, now)
		t.log.Info("worker revived", zap.Int32("worker", id), zap.String("host", hb.Conn.Host))
	default:
		t.add(id, hb.Conn, status, now)
		if id > t.lastID {
			t.lastID = id
		}
		t.log.Info("worker re-registered", zap.Int32("worker", id), zap.String("host", hb.Conn.Host))
	}
	resp.Cluster = t.summaryLocked()
	t.mu.Unlock()

	prom.heartbeats.Inc()
	return resp, nil
}

// nextID returns an ID not held by any known worker. Callers hold t.mu.
func (t *Tracker) nextID() int32 {
	for {
		t.lastID++
		if t.lastID <= 0 {
			t.lastID = 1
		}
		if t.workers[t.lastID] == nil && t.inactive[t.lastID] == nil {
			return t.lastID
		}
	}
}

func (t *Tracker) add(id int32, info ConnectionInfo, status ServerStatus, now time.Time) {
	info.ID = id
	t.workers[id] = &Worker{ID: id, Conn: info, Status: status, LastPing: now}
	t.updateGauges()
}

func (t *Tracker) updateGauges() {
	prom.active.Set(float64(len(t.workers)))
	prom.inactive.Set(float64(len(t.inactive)))
}

// Expire moves workers silent for longer than the expiry to the inactive
// set and returns their IDs in ascending order.
func (t *Tracker) Expire() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := t.now().Add(-t.expiry)
	var expired []int32
	for id, w := range t.workers {
		if w.LastPing.Before(deadline) {
			delete(t.workers, id)
			t.inactive[id] = w
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	t.updateGauges()
	t.log.Warn("workers expired", zap.Int32s("workers", expired), zap.Duration("expiry", t.expiry))
	return expired
}

// Run expires silent workers until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	tick := time.NewTicker(t.expiry / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			t.Expire()
		}
	}
}

// Summary totals the resources of the active workers.
func (t *Tracker) Summary() ClusterSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summaryLocked()
}

func (t *Tracker) summaryLocked() ClusterSummary {
	s := ClusterSummary{NumWorkers: len(t.workers)}
	for _, w := range t.workers {
		s.TotalMemoryMB += w.Status.MemoryMB
		s.TotalCPUCores += w.Status.CPUCores
		s.TotalDiskSlots += w.Status.DiskSlots
		s.RunningTasks += w.Status.RunningTasks
	}
	return s
}

// Workers returns copies of the active workers ordered by ID.
func (t *Tracker) Workers() []Worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sorted(t.workers)
}

// Inactive returns copies of the expired workers ordered by ID.
func (t *Tracker) Inactive() []Worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sorted(t.inactive)
}

func sorted(m map[int32]*Worker) []Worker {
	out := make([]Worker, 0, len(m))
	for _, w := range m {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
