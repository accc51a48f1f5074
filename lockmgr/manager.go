package lockmgr

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

var ticketSeq atomic.Uint64

func nextTicketSeq() uint64 { return ticketSeq.Inc() }

// Manager is the SS2PL lock manager (§4.8): content[key] and fences[key]
// resources created lazily, plus the singleton firstFence guarding the
// range below the smallest key.
type Manager struct {
	mu         sync.Mutex
	content    map[string]*Resource
	fences     map[string]*Resource
	firstFence *Resource
}

// New builds an empty lock manager.
func New() *Manager {
	m := &Manager{
		content: make(map[string]*Resource),
		fences:  make(map[string]*Resource),
	}
	m.firstFence = newResource("firstFence", nil)
	return m
}

func (m *Manager) contentResource(key string) *Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.content[key]; ok {
		return r
	}
	r := newResource("content:"+key, func() {
		m.mu.Lock()
		delete(m.content, key)
		m.mu.Unlock()
	})
	m.content[key] = r
	return r
}

func (m *Manager) fenceResource(key string) *Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.fences[key]; ok {
		return r
	}
	r := newResource("fence:"+key, func() {
		m.mu.Lock()
		delete(m.fences, key)
		m.mu.Unlock()
	})
	m.fences[key] = r
	return r
}

// AcquireContent locks content[key] in mode.
func (m *Manager) AcquireContent(ctx context.Context, h *Holder, key string, mode Mode) error {
	return h.acquire(ctx, m.contentResource(key), mode)
}

// AcquireFence locks the fence for key (the gap strictly after key) in
// mode.
func (m *Manager) AcquireFence(ctx context.Context, h *Holder, key string, mode Mode) error {
	return h.acquire(ctx, m.fenceResource(key), mode)
}

// AcquireFirstFence locks the singleton fence guarding keys below the
// smallest existing key.
func (m *Manager) AcquireFirstFence(ctx context.Context, h *Holder, mode Mode) error {
	return h.acquire(ctx, m.firstFence, mode)
}

// ReleaseFence drops h's ticket on key's fence without waiting,
// used by the moving-neighbour retry loop in §4.8 to shed a
// fence lock taken for a candidate that turned out to be stale.
func (m *Manager) ReleaseFence(h *Holder, key string) {
	r := m.fenceResource(key)
	r.mu.Lock()
	if t := r.ticketFor(h); t != nil {
		r.removeTicket(t)
		h.untrack(r)
	}
	r.mu.Unlock()
}

// ReleaseFirstFence drops h's ticket on the singleton firstFence without
// waiting, the firstFence counterpart to ReleaseFence.
func (m *Manager) ReleaseFirstFence(h *Holder) {
	r := m.firstFence
	r.mu.Lock()
	if t := r.ticketFor(h); t != nil {
		r.removeTicket(t)
		h.untrack(r)
	}
	r.mu.Unlock()
}

// AcquireGet acquires a shared content lock for a point read.
func (m *Manager) AcquireGet(ctx context.Context, h *Holder, key string) error {
	return m.AcquireContent(ctx, h, key, Shared)
}

// AcquireSet acquires exclusive content[key], plus an exclusive fence for
// prevKey if key does not currently exist (prevKey == "" denotes the
// singleton firstFence, i.e. key would become the new smallest key).
func (m *Manager) AcquireSet(ctx context.Context, h *Holder, key string, keyExists bool, prevKey string, hasPrev bool) error {
	if err := m.AcquireContent(ctx, h, key, Exclusive); err != nil {
		return err
	}
	if keyExists {
		return nil
	}
	if !hasPrev {
		return m.AcquireFirstFence(ctx, h, Exclusive)
	}
	return m.AcquireFence(ctx, h, prevKey, Exclusive)
}

// AcquireDelete acquires exclusive content[key], plus an exclusive fence
// for prevKey if key currently exists (a successful delete opens a gap).
func (m *Manager) AcquireDelete(ctx context.Context, h *Holder, key string, keyExists bool, prevKey string, hasPrev bool) error {
	if err := m.AcquireContent(ctx, h, key, Exclusive); err != nil {
		return err
	}
	if !keyExists {
		return nil
	}
	if !hasPrev {
		return m.AcquireFirstFence(ctx, h, Exclusive)
	}
	return m.AcquireFence(ctx, h, prevKey, Exclusive)
}

// AcquireNext acquires the locks §4.8 names for "find the smallest key
// >= the search point": if nextKey is present, its shared content lock
// suffices; otherwise a shared fence for prevKey (or the singleton
// firstFence) stands in for the (absent) next key.
func (m *Manager) AcquireNext(ctx context.Context, h *Holder, nextKeyExists bool, nextKey string, prevKey string, hasPrev bool) error {
	if nextKeyExists {
		return m.AcquireContent(ctx, h, nextKey, Shared)
	}
	if !hasPrev {
		return m.AcquireFirstFence(ctx, h, Shared)
	}
	return m.AcquireFence(ctx, h, prevKey, Shared)
}

// AcquirePrev is AcquireNext's mirror for "find the largest key <= the
// search point".
func (m *Manager) AcquirePrev(ctx context.Context, h *Holder, prevKeyExists bool, prevKey string) error {
	if prevKeyExists {
		return m.AcquireContent(ctx, h, prevKey, Shared)
	}
	return m.AcquireFirstFence(ctx, h, Shared)
}

func (m *Manager) forEachResource(f func(*Resource)) {
	m.mu.Lock()
	resources := make([]*Resource, 0, len(m.content)+len(m.fences)+1)
	for _, r := range m.content {
		resources = append(resources, r)
	}
	for _, r := range m.fences {
		resources = append(resources, r)
	}
	resources = append(resources, m.firstFence)
	m.mu.Unlock()

	for _, r := range resources {
		f(r)
	}
}
