package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"query-rpc/loadbalance"
)

// DefaultInterval is the heartbeat period used when none is given.
const DefaultInterval = 3 * time.Second

// Heartbeater is the worker side of the contract: it reports the worker's
// status once per interval and adopts the ID the tracker assigns.
type Heartbeater struct {
	client   *Client
	interval time.Duration
	status   func() *ServerStatus
	log      *zap.Logger

	mu      sync.Mutex
	info    ConnectionInfo
	cluster ClusterSummary
}

// NewHeartbeater returns a heartbeater for the worker described by info.
// status is called before every heartbeat and may be nil. A non-positive
// interval selects DefaultInterval.
func NewHeartbeater(c *Client, info ConnectionInfo, interval time.Duration, status func() *ServerStatus, log *zap.Logger) *Heartbeater {
	if log == nil {
		log = zap.NewNop()
	}
	if status == nil {
		status = func() *ServerStatus { return nil }
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if info.ID == 0 {
		info.ID = UnallocatedWorkerID
	}
	return &Heartbeater{
		client:   c,
		interval: interval,
		status:   status,
		log:      log.Named("heartbeat").With(zap.String("host", info.Host)),
		info:     info,
	}
}

// WorkerID returns the current ID, UnallocatedWorkerID until assigned.
func (h *Heartbeater) WorkerID() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info.ID
}

// Cluster returns the summary from the latest successful heartbeat.
func (h *Heartbeater) Cluster() ClusterSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cluster
}

// Beat sends one heartbeat. The worker's host is the balancer affinity key,
// so a worker keeps reporting to the same tracker replica.
func (h *Heartbeater) Beat(ctx context.Context) error {
	h.mu.Lock()
	hb := &NodeHeartbeat{Conn: h.info, Status: h.status()}
	h.mu.Unlock()

	resp, err := h.client.Heartbeat(loadbalance.WithKey(ctx, hb.Conn.Host), hb)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if resp.GeneratedWorkerID != 0 && h.info.ID == UnallocatedWorkerID {
		h.info.ID = resp.GeneratedWorkerID
		h.log.Info("assigned worker id", zap.Int32("worker", h.info.ID))
	}
	h.cluster = resp.Cluster
	return nil
}

// Run beats immediately and then once per interval until ctx is done.
// Failed heartbeats are logged and retried on the next tick.
func (h *Heartbeater) Run(ctx context.Context) error {
	tick := time.NewTicker(h.interval)
	defer tick.Stop()
	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.log.Warn("heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}
