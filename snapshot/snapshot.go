// Package snapshot is a copy-on-write pagestore.Store wrapper (§6.2):
// Begin starts capturing the pre-mutation bytes of every page touched
// from that point on, and Restore writes those captured pages back,
// undoing everything written since. Sketched per §14: enough to compile
// and be exercised by a smoke test, not full multi-generation or quota
// enforcement.
package snapshot

import (
	"sync"

	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"github.com/kvstore/kvstore/pagestore"
)

type key struct {
	ns   pagestore.Namespace
	page pagestore.PageNum
}

// refEntry is one captured page: existed records whether the page had
// any content before the snapshot (vs. being newly created after it),
// and data is its lz4-compressed pre-mutation bytes (cold by
// construction, hence the compression).
type refEntry struct {
	existed bool
	data    []byte
}

// Store wraps a live pagestore.Store so Begin can start copy-on-write
// generations over it.
type Store struct {
	live pagestore.Store
}

// Wrap returns a Store fronting live.
func Wrap(live pagestore.Store) *Store {
	return &Store{live: live}
}

// Begin starts a new generation: a pagestore.Store that behaves exactly
// like live, except the first mutation to any given page captures that
// page's previous bytes so Restore can undo it later.
func (s *Store) Begin() *Generation {
	return &Generation{live: s.live, ref: make(map[key]refEntry)}
}

// Generation is one copy-on-write snapshot lifetime. It implements
// pagestore.Store and should be used in place of the live store for the
// duration the snapshot needs to be restorable.
type Generation struct {
	live pagestore.Store

	mu  sync.Mutex
	ref map[key]refEntry
}

func (g *Generation) capture(ns pagestore.Namespace, page pagestore.PageNum) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := key{ns: ns, page: page}
	if _, captured := g.ref[k]; captured {
		return nil
	}
	raw, exists, err := g.live.Read(ns, page)
	if err != nil {
		return errors.Annotate(err, "snapshot: capture read")
	}
	if !exists {
		g.ref[k] = refEntry{existed: false}
		return nil
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, compressed)
	if err != nil {
		return errors.Annotate(err, "snapshot: compress reference page")
	}
	g.ref[k] = refEntry{existed: true, data: compressed[:n]}
	return nil
}

// Restore writes every captured page's pre-mutation bytes back to the
// live store (or deletes it, if the page did not exist before this
// generation began), undoing every mutation made through g since Begin.
// The generation is spent after Restore; Begin a new one to continue.
func (g *Generation) Restore() error {
	g.mu.Lock()
	ref := g.ref
	g.ref = make(map[key]refEntry)
	g.mu.Unlock()

	for k, e := range ref {
		if !e.existed {
			if err := g.live.Delete(k.ns, k.page); err != nil {
				return errors.Annotate(err, "snapshot: restore delete")
			}
			continue
		}
		raw := make([]byte, pageSizeHint(len(e.data)))
		n, err := lz4.UncompressBlock(e.data, raw)
		if err != nil {
			return errors.Annotate(err, "snapshot: decompress reference page")
		}
		if err := g.live.Write(k.ns, k.page, raw[:n]); err != nil {
			return errors.Annotate(err, "snapshot: restore write")
		}
	}
	return nil
}

// pageSizeHint over-allocates a decompression buffer; lz4 blocks here
// never exceed a few page sizes, so a generous multiple avoids a resize
// loop without needing to have stored the original length out of band.
func pageSizeHint(compressedLen int) int {
	return compressedLen*8 + 256
}

func (g *Generation) Exists(ns pagestore.Namespace, page pagestore.PageNum) (bool, error) {
	return g.live.Exists(ns, page)
}

func (g *Generation) Read(ns pagestore.Namespace, page pagestore.PageNum) ([]byte, bool, error) {
	return g.live.Read(ns, page)
}

func (g *Generation) Create(ns pagestore.Namespace, page pagestore.PageNum, initial []byte) error {
	if err := g.capture(ns, page); err != nil {
		return err
	}
	return g.live.Create(ns, page, initial)
}

func (g *Generation) CreateOpen(ns pagestore.Namespace, page pagestore.PageNum) error {
	if err := g.capture(ns, page); err != nil {
		return err
	}
	return g.live.CreateOpen(ns, page)
}

func (g *Generation) Delete(ns pagestore.Namespace, page pagestore.PageNum) error {
	if err := g.capture(ns, page); err != nil {
		return err
	}
	return g.live.Delete(ns, page)
}

func (g *Generation) Write(ns pagestore.Namespace, page pagestore.PageNum, data []byte) error {
	if err := g.capture(ns, page); err != nil {
		return err
	}
	return g.live.Write(ns, page, data)
}

func (g *Generation) Append(ns pagestore.Namespace, page pagestore.PageNum, data []byte) error {
	if err := g.capture(ns, page); err != nil {
		return err
	}
	return g.live.Append(ns, page, data)
}

func (g *Generation) OpenAppend(ns pagestore.Namespace, page pagestore.PageNum) error {
	return g.live.OpenAppend(ns, page)
}

func (g *Generation) CloseAppend(ns pagestore.Namespace, page pagestore.PageNum) error {
	return g.live.CloseAppend(ns, page)
}

func (g *Generation) CanAppend(ns pagestore.Namespace, page pagestore.PageNum) bool {
	return g.live.CanAppend(ns, page)
}

func (g *Generation) ListPages(ns pagestore.Namespace) (map[pagestore.PageNum]bool, error) {
	return g.live.ListPages(ns)
}

func (g *Generation) ListStores() (map[pagestore.Namespace]bool, error) {
	return g.live.ListStores()
}

func (g *Generation) Close() error {
	return g.live.Close()
}
