package kv

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/atomic"

	"github.com/kvstore/kvstore/btree"
	"github.com/kvstore/kvstore/lockmgr"
	"github.com/kvstore/kvstore/pagealloc"
	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/recordalloc"
	"github.com/kvstore/kvstore/recordlog"
	"github.com/kvstore/kvstore/txengine"
	"github.com/kvstore/kvstore/txpage"
)

// Namespaces assigns a fixed page namespace to each on-disk structure a
// DB owns. The log itself lives in namespace 0 (recordlog.Open's
// convention); everything else is free to pick any distinct values.
type Namespaces struct {
	Log      pagestore.Namespace
	KVPages  pagestore.Namespace
	KVHeader pagestore.Namespace
	Leaf     pagestore.Namespace
	Branch   pagestore.Namespace
	Root     pagestore.Namespace
}

// DefaultNamespaces is a reasonable assignment for a fresh store.
func DefaultNamespaces() Namespaces {
	return Namespaces{
		Log:      0,
		KVPages:  1,
		KVHeader: 2,
		Leaf:     3,
		Branch:   4,
		Root:     5,
	}
}

// Options configures a DB's page sizing and checkpoint cadence.
type Options struct {
	PageSize          int
	MaxVidLen         int
	ChunkSize         int
	MaxLeafEntries    int
	MaxBranchChildren int
	CacheCapacity     int
	LogPageSize       uint32
	Engine            txengine.Options

	// SpacePath, when set, is passed to the page allocator so it can warn
	// ahead of an out-of-space write failure (see pagealloc.SetSpacePath).
	// Leave empty for stores with no meaningful filesystem path, such as
	// an in-memory store in a test.
	SpacePath string
}

// DefaultOptions mirrors the sizes exercised by this package's tests.
func DefaultOptions() Options {
	return Options{
		PageSize:          4096,
		MaxVidLen:         512,
		ChunkSize:         256,
		MaxLeafEntries:    64,
		MaxBranchChildren: 64,
		CacheCapacity:     4096,
		LogPageSize:       4096,
		Engine:            txengine.Options{AutoCheckpointLimit: 1 << 20},
	}
}

// DB is the whole store: the ordered index (C7), serialized by the lock
// manager (C8), durable and recoverable through the transaction engine
// (C4), fronted by the per-transaction façade (C9).
type DB struct {
	cache  *txpage.Cache
	tree   *btree.Tree
	engine *txengine.Engine
	locks  *lockmgr.Manager

	mu       sync.Mutex
	nextTxID atomic.Uint32
	active   map[uint32]*Tx
	byHolder map[*lockmgr.Holder]*Tx
}

// Open wires every layer together and runs crash recovery (§4.6's "on
// open") before returning.
func Open(store pagestore.Store, ns Namespaces, opts Options) (*DB, error) {
	log, err := recordlog.Open(store, ns.Log, opts.LogPageSize)
	if err != nil {
		return nil, errors.Annotate(err, "kv: open log")
	}
	cache := txpage.NewCache(store, log, opts.CacheCapacity)
	alloc := pagealloc.New(store)
	if opts.SpacePath != "" {
		alloc.SetSpacePath(opts.SpacePath)
	}
	kvStore := recordalloc.NewStore(cache, alloc, ns.KVPages, ns.KVHeader, opts.PageSize, opts.MaxVidLen, opts.ChunkSize)
	tree := btree.New(cache, kvStore, alloc, ns.Leaf, ns.Branch, ns.Root, opts.PageSize, opts.MaxLeafEntries, opts.MaxBranchChildren)

	engine, err := txengine.Open(log, cache, SetEntryConfig{Tree: tree}, opts.Engine)
	if err != nil {
		return nil, errors.Annotate(err, "kv: open engine")
	}

	return &DB{
		cache:    cache,
		tree:     tree,
		engine:   engine,
		locks:    lockmgr.New(),
		active:   make(map[uint32]*Tx),
		byHolder: make(map[*lockmgr.Holder]*Tx),
	}, nil
}

// Begin starts a new active transaction. Tx.state is left at its zero
// value, which is Active.
func (db *DB) Begin() *Tx {
	tx := &Tx{
		db:     db,
		id:     db.nextTxID.Inc(),
		holder: lockmgr.NewHolder(),
		began:  time.Now(),
	}
	db.mu.Lock()
	db.active[tx.id] = tx
	db.byHolder[tx.holder] = tx
	db.mu.Unlock()
	return tx
}

func (db *DB) forget(id uint32) {
	db.mu.Lock()
	if tx, ok := db.active[id]; ok {
		delete(db.byHolder, tx.holder)
	}
	delete(db.active, id)
	db.mu.Unlock()
}

// BreakDeadlocks runs one round of deadlock detection (§4.8) and rolls
// back every victim transaction it finds, returning their IDs.
func (db *DB) BreakDeadlocks() []uint32 {
	victims := db.locks.BreakDeadlocks()

	db.mu.Lock()
	txs := make([]*Tx, 0, len(victims))
	for _, h := range victims {
		if tx, ok := db.byHolder[h]; ok {
			txs = append(txs, tx)
		}
	}
	db.mu.Unlock()

	ids := make([]uint32, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.id)
		_ = tx.abort("deadlock victim")
	}
	return ids
}

// ReapIdle aborts every active transaction that has been open longer
// than timeout without committing (§5's "idle transactions whose client
// connection is lost are aborted likewise"), returning their IDs. The
// actual rollback runs through txengine.Engine.ReapIdle, which
// re-validates each candidate is still genuinely open before touching
// it; this just picks the candidates by age and reconciles the façade's
// own bookkeeping (lock release, abort reason, tx-table removal)
// afterward, rather than going through Tx.Rollback and risking a second
// engine-level rollback of the same transaction.
func (db *DB) ReapIdle(timeout time.Duration) []uint32 {
	now := time.Now()

	db.mu.Lock()
	txByID := make(map[uint32]*Tx, len(db.active))
	candidates := make([]uint32, 0, len(db.active))
	for id, tx := range db.active {
		txByID[id] = tx
		if now.Sub(tx.began) >= timeout {
			candidates = append(candidates, id)
		}
	}
	db.mu.Unlock()

	reaped := db.engine.ReapIdle(candidates)
	for _, id := range reaped {
		tx, ok := txByID[id]
		if !ok {
			continue
		}
		tx.abortReason.Store("idle timeout")
		tx.state.CAS(int32(Active), int32(RolledBack))
		tx.holder.ReleaseAll()
		db.forget(id)
	}
	return reaped
}

// Checkpoint forces a checkpoint (§4.6's Checkpoint), for callers that
// want to bound recovery time ahead of a planned shutdown.
func (db *DB) Checkpoint() error {
	return db.engine.Checkpoint()
}
