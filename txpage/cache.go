package txpage

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"

	"github.com/kvstore/kvstore/logging"
	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/recordlog"
	"github.com/kvstore/kvstore/wire"
)

// DirtyPageTable is the subset of the transaction engine's dirty page table
// that the cache's eviction path needs. The engine (C4) owns the real
// table; the cache only ever checks membership and removes entries.
type DirtyPageTable interface {
	Lookup(key PageKey) (recLsn uint64, ok bool)
	Remove(key PageKey)
}

type noopDPT struct{}

func (noopDPT) Lookup(PageKey) (uint64, bool) { return 0, false }
func (noopDPT) Remove(PageKey)                {}

// TxPage wraps one namespace's deserialized page object (§4.5).
type TxPage struct {
	Key        PageKey
	PageLsn    uint64
	PageExists bool
	Obj        Object
	pinCount   int
}

type entry struct {
	page *TxPage
	elem *list.Element
}

type stats struct {
	hits      uint64
	misses    uint64
	evictions uint64
}

// Cache is the bounded, namespace-spanning page object cache.
type Cache struct {
	mu       sync.Mutex
	store    pagestore.Store
	log      *recordlog.Log
	codecs   map[pagestore.Namespace]Codec
	capacity int
	entries  map[PageKey]*entry
	lru      *list.List // front = most recently used
	dpt      DirtyPageTable
	stats    stats
}

// NewCache builds a cache bounded to capacity page objects.
func NewCache(store pagestore.Store, log *recordlog.Log, capacity int) *Cache {
	return &Cache{
		store:    store,
		log:      log,
		codecs:   make(map[pagestore.Namespace]Codec),
		capacity: capacity,
		entries:  make(map[PageKey]*entry),
		lru:      list.New(),
		dpt:      noopDPT{},
	}
}

// RegisterCodec associates a namespace with the codec used to decode and
// construct its page objects.
func (c *Cache) RegisterCodec(ns pagestore.Namespace, codec Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codecs[ns] = codec
}

// SetDirtyPageTable wires the engine's DPT into the cache's eviction path.
func (c *Cache) SetDirtyPageTable(dpt DirtyPageTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dpt = dpt
}

func (c *Cache) codecFor(ns pagestore.Namespace) (Codec, error) {
	codec, ok := c.codecs[ns]
	if !ok {
		return nil, errors.Errorf("txpage: no codec registered for namespace %d", ns)
	}
	return codec, nil
}

// loadOrCreate returns the cached TxPage for key, loading it from the page
// store (or producing a fresh empty object) on a miss.
func (c *Cache) loadOrCreate(key PageKey) (*TxPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.stats.hits++
		c.lru.MoveToFront(e.elem)
		return e.page, nil
	}
	c.stats.misses++
	codec, err := c.codecFor(key.NS)
	if err != nil {
		return nil, err
	}
	raw, ok, err := c.store.Read(key.NS, key.Page)
	if err != nil {
		return nil, errors.Wrap(err, "txpage: read page")
	}
	tp := &TxPage{Key: key}
	if !ok {
		tp.Obj = codec.Empty()
		tp.PageExists = false
	} else {
		if len(raw) < 6 {
			return nil, errors.Errorf("txpage: short persisted page at (%d,%d)", key.NS, key.Page)
		}
		lsn, _ := wire.ReadUint48(raw, 0)
		obj, err := codec.Decode(raw[6:])
		if err != nil {
			return nil, errors.Wrap(err, "txpage: decode page")
		}
		tp.PageLsn = lsn
		tp.Obj = obj
		tp.PageExists = true
	}
	e := &entry{page: tp}
	e.elem = c.lru.PushFront(key)
	c.entries[key] = e
	c.evictIfNeededLocked()
	return tp, nil
}

// evictIfNeededLocked is called with c.mu held.
func (c *Cache) evictIfNeededLocked() {
	for len(c.entries) > c.capacity {
		victimElem := c.lru.Back()
		evictedAny := false
		for victimElem != nil {
			key := victimElem.Value.(PageKey)
			e := c.entries[key]
			if e.page.pinCount == 0 {
				c.lru.Remove(victimElem)
				delete(c.entries, key)
				if err := c.evictPage(e.page); err != nil {
					logging.Warnf("txpage: evict (%d,%d) failed: %v", key.NS, key.Page, err)
				}
				c.stats.evictions++
				evictedAny = true
				break
			}
			victimElem = victimElem.Prev()
		}
		if !evictedAny {
			// Every cached page is pinned; caller must shrink pressure
			// itself (shorter acts, smaller transactions). Stop trying.
			return
		}
	}
}

// evictPage implements §4.5's eviction procedure.
func (c *Cache) evictPage(tp *TxPage) error {
	if _, dirty := c.dpt.Lookup(tp.Key); !dirty {
		return nil
	}
	if err := c.log.FlushToPoint(tp.PageLsn); err != nil {
		return errors.Wrap(err, "txpage: flush before evict")
	}
	if tp.Obj.IsEmpty() {
		if err := c.store.Delete(tp.Key.NS, tp.Key.Page); err != nil {
			return errors.Wrap(err, "txpage: delete empty page on evict")
		}
	} else {
		persisted := persistedBytes(tp.PageLsn, tp.Obj)
		exists, err := c.store.Exists(tp.Key.NS, tp.Key.Page)
		if err != nil {
			return errors.Wrap(err, "txpage: exists check on evict")
		}
		if exists {
			if err := c.store.Write(tp.Key.NS, tp.Key.Page, persisted); err != nil {
				return errors.Wrap(err, "txpage: write on evict")
			}
		} else {
			if err := c.store.Create(tp.Key.NS, tp.Key.Page, persisted); err != nil {
				return errors.Wrap(err, "txpage: create on evict")
			}
		}
	}
	c.dpt.Remove(tp.Key)
	return nil
}

func persistedBytes(lsn uint64, obj Object) []byte {
	buf := wire.PutUint48(nil, lsn)
	return append(buf, obj.Bytes()...)
}

// FlushPage forces a page's current in-memory object to disk immediately,
// independent of eviction; used by checkpointing and by tests.
func (c *Cache) FlushPage(key PageKey) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.evictPage(e.page)
}

func (c *Cache) pin(key PageKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.page.pinCount++
	}
}

func (c *Cache) unpin(key PageKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.page.pinCount > 0 {
		e.page.pinCount--
	}
}

// SetPageLsn stamps the LSN of the ACT/CLR that last touched a page; called
// by the transaction engine once an act commits to the log.
func (c *Cache) SetPageLsn(key PageKey, lsn uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && lsn > e.page.PageLsn {
		e.page.PageLsn = lsn
	}
}

// PageLsn returns the page's current pageLsn (0 if uncached).
func (c *Cache) PageLsn(key PageKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.page.PageLsn
	}
	return 0
}

// Peek returns the cached object for key without pinning it, for read-only
// callers (B+ tree search) that don't need to participate in an act.
func (c *Cache) Peek(ns pagestore.Namespace, page pagestore.PageNum) (*TxPage, error) {
	return c.loadOrCreate(PageKey{NS: ns, Page: page})
}
