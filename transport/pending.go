package transport

import (
	"sync"
)

// pendingCalls maps call IDs of one connection to their outstanding calls.
//
// Once fail has run the registry is closed for good: register rejects new
// calls with the failure and take finds nothing. Marking the registry
// closed and sweeping it happen under one lock, so no call can slip in
// between and be left waiting forever.
type pendingCalls struct {
	mu     sync.Mutex
	calls  map[uint32]*Call
	nextID uint32
	err    error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[uint32]*Call)}
}

// register assigns c the next free call ID and records it.
// IDs still outstanding after a wraparound are skipped.
func (p *pendingCalls) register(c *Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for {
		p.nextID++
		if _, busy := p.calls[p.nextID]; !busy {
			break
		}
	}
	c.ID = p.nextID
	c.pending = p
	p.calls[c.ID] = c
	return nil
}

// take removes and returns the call with the given ID, or nil.
func (p *pendingCalls) take(id uint32) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return c
}

// remove withdraws c. It reports false when c was already taken.
func (p *pendingCalls) remove(c *Call) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls[c.ID] != c {
		return false
	}
	delete(p.calls, c.ID)
	return true
}

// fail closes the registry and resolves every outstanding call with err.
// Calls are resolved outside the lock since their callbacks may issue
// new calls.
func (p *pendingCalls) fail(err error) {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	calls := p.calls
	p.calls = make(map[uint32]*Call)
	p.mu.Unlock()

	for _, c := range calls {
		c.finish(err)
	}
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
