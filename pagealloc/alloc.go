// Package pagealloc implements the page allocator (C5): per-namespace
// reuse of pages whose stored object has gone empty, falling back to
// appending a fresh page when none are free. Grounded on the teacher's
// server/innodb/buffer_pool's free-list idea (a managed namespace's pages
// are either live or free, and a free one is handed back out before the
// file grows), reworked around this spec's "object-is-empty ⇒ free"
// definition of free rather than an explicit free list, since page content
// already carries that information through txpage.Object.IsEmpty.
package pagealloc

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/kvstore/kvstore/diskspace"
	"github.com/kvstore/kvstore/logging"
	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/txpage"
)

// Allocator hands out and reclaims pages within managed namespaces. It
// keeps no durable state of its own: numPages is an in-memory cursor,
// reconstructed on first use per namespace by scanning the page store, and
// "free" is entirely defined by a page's object reporting IsEmpty — losing
// the cursor on restart only costs a rescan, never correctness.
type Allocator struct {
	mu        sync.Mutex
	store     pagestore.Store
	numPages  map[pagestore.Namespace]uint64
	spacePath string
}

// New builds an allocator over store, used to bootstrap numPages per
// namespace the first time that namespace is touched.
func New(store pagestore.Store) *Allocator {
	return &Allocator{
		store:    store,
		numPages: make(map[pagestore.Namespace]uint64),
	}
}

// SetSpacePath tells Alloc to probe free space on the filesystem backing
// path before growing a namespace by appending a fresh page, logging a
// warning once usage crosses diskspace.LowWaterMark. Unset by default:
// stores without a meaningful filesystem path (an in-memory store in a
// test, say) simply skip the check.
func (a *Allocator) SetSpacePath(path string) {
	a.mu.Lock()
	a.spacePath = path
	a.mu.Unlock()
}

func (a *Allocator) numPagesLocked(ns pagestore.Namespace) (uint64, error) {
	if n, ok := a.numPages[ns]; ok {
		return n, nil
	}
	pages, err := a.store.ListPages(ns)
	if err != nil {
		return 0, errors.Wrap(err, "pagealloc: list pages")
	}
	var max uint64
	seen := false
	for p := range pages {
		if !seen || p >= max {
			max = p
			seen = true
		}
	}
	n := uint64(0)
	if seen {
		n = max + 1
	}
	a.numPages[ns] = n
	return n, nil
}

// Alloc implements §4.3's alloc: try a random existing page first, reusing
// it if its object reports empty; otherwise append a fresh page at the
// current tail and grow numPages. act is used only to inspect emptiness
// (via act.Get, which pins the page for the caller's in-progress act) —
// the caller is responsible for the act.DoEvent that actually writes
// content into the returned page.
func (a *Allocator) Alloc(act *txpage.Act, ns pagestore.Namespace) (pagestore.PageNum, error) {
	a.mu.Lock()
	n, err := a.numPagesLocked(ns)
	if err != nil {
		a.mu.Unlock()
		return 0, err
	}
	a.mu.Unlock()

	if n > 0 {
		candidate := pagestore.PageNum(rand.Int63n(int64(n)))
		tp, err := act.Get(txpage.PageKey{NS: ns, Page: candidate})
		if err != nil {
			return 0, errors.Wrap(err, "pagealloc: inspect candidate page")
		}
		if tp.Obj.IsEmpty() {
			return candidate, nil
		}
	}

	a.checkSpace()

	a.mu.Lock()
	page := pagestore.PageNum(n)
	a.numPages[ns] = n + 1
	a.mu.Unlock()
	return page, nil
}

// checkSpace warns ahead of an out-of-space write failure, when a
// filesystem path has been configured via SetSpacePath.
func (a *Allocator) checkSpace() {
	a.mu.Lock()
	path := a.spacePath
	a.mu.Unlock()
	if path == "" {
		return
	}
	report, err := diskspace.Check(path)
	if err != nil {
		return
	}
	if report.Low() {
		logging.Warnf("pagealloc: %s is at %.1f%% disk usage, nearing out of space", path, report.UsedPercent)
	}
}

// FreeUnusedPages implements §4.3's freeUnusedPages: shrinks numPages
// while the tail page(s) have gone empty, checking at most hint pages so a
// long run of emptied pages doesn't turn a mutation into an unbounded scan.
func (a *Allocator) FreeUnusedPages(act *txpage.Act, ns pagestore.Namespace, hint int) error {
	for i := 0; i < hint; i++ {
		a.mu.Lock()
		n, err := a.numPagesLocked(ns)
		if err != nil {
			a.mu.Unlock()
			return err
		}
		if n == 0 {
			a.mu.Unlock()
			return nil
		}
		tail := n - 1
		a.mu.Unlock()

		tp, err := act.Get(txpage.PageKey{NS: ns, Page: tail})
		if err != nil {
			return errors.Wrap(err, "pagealloc: inspect tail page")
		}
		if !tp.Obj.IsEmpty() {
			return nil
		}

		a.mu.Lock()
		a.numPages[ns] = tail
		a.mu.Unlock()
	}
	return nil
}
