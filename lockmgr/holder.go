package lockmgr

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Holder is the per-transaction lock owner (§4.8): the resources it
// currently holds a ticket on, and at most one it is waiting for.
type Holder struct {
	ID uint64

	mu      sync.Mutex
	tickets map[*Resource]*ticket
	waiting *Resource
}

var holderSeq atomic.Uint64

// NewHolder allocates a fresh holder with a unique id, used both as a
// diagnostic label and to break ties when ordering isn't otherwise
// meaningful.
func NewHolder() *Holder {
	return &Holder{ID: holderSeq.Inc(), tickets: make(map[*Resource]*ticket)}
}

func (h *Holder) setWaiting(r *Resource) {
	h.mu.Lock()
	h.waiting = r
	h.mu.Unlock()
}

func (h *Holder) clearWaiting() {
	h.mu.Lock()
	h.waiting = nil
	h.mu.Unlock()
}

// WaitingOn returns the resource h is currently blocked on, or nil.
func (h *Holder) WaitingOn() *Resource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiting
}

func (h *Holder) track(r *Resource, t *ticket) {
	h.mu.Lock()
	h.tickets[r] = t
	h.mu.Unlock()
}

func (h *Holder) untrack(r *Resource) {
	h.mu.Lock()
	delete(h.tickets, r)
	h.mu.Unlock()
}

// ReleaseAll aborts any pending wait and releases every resource h
// holds or is waiting on (§4.8's releaseAll).
func (h *Holder) ReleaseAll() {
	h.mu.Lock()
	resources := make(map[*Resource]*ticket, len(h.tickets))
	for r, t := range h.tickets {
		resources[r] = t
	}
	h.tickets = make(map[*Resource]*ticket)
	h.waiting = nil
	h.mu.Unlock()

	for r, t := range resources {
		r.mu.Lock()
		r.removeTicket(t)
		r.mu.Unlock()
	}
}

// acquire drives the generic wait protocol (§4.8): reentrant no-op if
// already held, atomic upgrade if sole shared holder, otherwise FIFO
// wait until the ticket reaches the front and the resource state
// permits mode. ctx cancellation removes the ticket and returns the
// context's error.
func (h *Holder) acquire(ctx context.Context, r *Resource, mode Mode) error {
	r.mu.Lock()

	if existing := r.ticketFor(h); existing != nil {
		if existing.mode == mode || (existing.mode == Exclusive && mode == Shared) {
			r.mu.Unlock()
			return nil
		}
		// existing.mode == Shared, mode == Exclusive: upgrade.
		if r.soleGrantedHolder(h) {
			existing.mode = Exclusive
			r.mu.Unlock()
			return nil
		}
		existing.mode = Exclusive
		existing.granted = false
		return h.waitFor(ctx, r, existing)
	}

	t := &ticket{holder: h, mode: mode, seq: nextTicketSeq()}
	r.requests = append(r.requests, t)
	h.track(r, t)
	if r.isFront(t) && r.stateAllows(mode) {
		t.granted = true
		r.mu.Unlock()
		return nil
	}
	return h.waitFor(ctx, r, t)
}

// waitFor blocks (r.mu held on entry) until t can be granted or ctx is
// done, releasing r.mu only while parked in r.cond.Wait.
func (h *Holder) waitFor(ctx context.Context, r *Resource, t *ticket) error {
	h.setWaiting(r)
	defer h.clearWaiting()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-stop:
		}
	}()

	for {
		if ctx.Err() != nil {
			r.removeTicket(t)
			h.untrack(r)
			r.mu.Unlock()
			return ctx.Err()
		}
		if r.isFront(t) && r.stateAllows(t.mode) {
			t.granted = true
			r.mu.Unlock()
			return nil
		}
		r.cond.Wait()
	}
}
