package orchestrator

import (
	"sync"

	"github.com/google/uuid"

	"github.com/datawarden/datawarden/internal/models"
)

// rendezvous collapses concurrent arrivals sharing a request ID: the first
// caller claims the ID and processes; later callers block on the claim and
// receive the same outcome.
type rendezvous struct {
	mu       sync.Mutex
	inflight map[uuid.UUID]*inflight
}

type inflight struct {
	done chan struct{}
	resp *models.InvokeResponse
	err  error
}

// claim is held by the processing caller. Closing it releases every waiter
// and removes the entry.
type claim struct {
	r  *rendezvous
	id uuid.UUID
	in *inflight
}

func newRendezvous() *rendezvous {
	return &rendezvous{inflight: make(map[uuid.UUID]*inflight)}
}

// claim returns either a claim (first arrival; waiter is nil) or the
// in-flight entry to wait on (duplicate arrival; claim is nil).
func (r *rendezvous) claim(id uuid.UUID) (*claim, *inflight) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.inflight[id]; ok {
		return nil, existing
	}
	in := &inflight{done: make(chan struct{})}
	r.inflight[id] = in
	return &claim{r: r, id: id, in: in}, nil
}

// settle records the outcome for waiters. Safe to call once per claim.
func (c *claim) settle(resp *models.InvokeResponse, err error) {
	c.in.resp = resp
	c.in.err = err
}

// close releases waiters and removes the entry.
func (c *claim) close() {
	close(c.in.done)
	c.r.mu.Lock()
	delete(c.r.inflight, c.id)
	c.r.mu.Unlock()
}
