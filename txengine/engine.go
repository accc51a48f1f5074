package txengine

import (
	"sync"

	"github.com/juju/errors"

	"github.com/kvstore/kvstore/logging"
	"github.com/kvstore/kvstore/recordlog"
	"github.com/kvstore/kvstore/txpage"
)

// ActConfig is the single logical operation this engine knows how to do
// and undo — the spec's "collection config" generalizes over many
// collection types, but this store has exactly one kind of act (the KV
// façade's set/delete), so the engine is parameterized over one ActConfig
// rather than a registry of them.
type ActConfig interface {
	// DoAct applies params to the cache via act.DoEvent calls, returning
	// undo info sufficient to reverse the operation and a result for the
	// caller.
	DoAct(act *txpage.Act, params interface{}) (undoInfo []byte, result interface{}, err error)
	// UndoAct reverses a previously-applied act using its undo info.
	UndoAct(act *txpage.Act, undoInfo []byte) error
}

type txState struct {
	FirstLsn   uint64
	LastLsn    uint64
	UndoNxtLsn uint64
}

// Engine owns the transaction table, dirty page table, and orchestrates
// act/CLR/commit/checkpoint logging plus crash recovery (§4.6).
type Engine struct {
	mu     sync.Mutex
	log    *recordlog.Log
	cache  *txpage.Cache
	cfg    ActConfig
	tt     map[uint32]*txState
	dpt    map[txpage.PageKey]uint64 // recLsn
	lastCp uint64

	autoCpLimit     uint64
	flushLimitSize  uint64
}

// Options configures checkpoint behavior.
type Options struct {
	AutoCheckpointLimit uint64
	FlushLimitSize      uint64
}

func newEngine(log *recordlog.Log, cache *txpage.Cache, cfg ActConfig, opts Options) *Engine {
	e := &Engine{
		log:            log,
		cache:          cache,
		cfg:            cfg,
		tt:             make(map[uint32]*txState),
		dpt:            make(map[txpage.PageKey]uint64),
		autoCpLimit:    opts.AutoCheckpointLimit,
		flushLimitSize: opts.FlushLimitSize,
	}
	cache.SetDirtyPageTable((*dptView)(e))
	return e
}

// Open builds an engine over log/cache and runs crash recovery (§4.6 step
// "Recovery. On open").
func Open(log *recordlog.Log, cache *txpage.Cache, cfg ActConfig, opts Options) (*Engine, error) {
	e := newEngine(log, cache, cfg, opts)
	if err := e.recover(); err != nil {
		return nil, errors.Annotate(err, "txengine: recovery")
	}
	return e, nil
}

// dptView adapts Engine to txpage.DirtyPageTable without exposing Engine's
// full surface to the cache.
type dptView Engine

func (d *dptView) Lookup(key txpage.PageKey) (uint64, bool) {
	e := (*Engine)(d)
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.dpt[key]
	return v, ok
}

func (d *dptView) Remove(key txpage.PageKey) {
	e := (*Engine)(d)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dpt, key)
}

// DoAct runs one logical operation for txID (§4.6's doAct).
func (e *Engine) DoAct(txID uint32, params interface{}) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doActLocked(txID, params)
}

func (e *Engine) doActLocked(txID uint32, params interface{}) (interface{}, error) {
	act := e.cache.BeginAct()
	undoInfo, result, err := e.cfg.DoAct(act, params)
	if err != nil {
		act.Close()
		return nil, errors.Annotate(err, "txengine: doAct")
	}

	ts := e.tt[txID]
	prevLsn := uint64(0)
	if ts != nil {
		prevLsn = ts.LastLsn
	}
	rec := ActRecord{TxID: txID, PrevLsn: prevLsn, UndoInfo: undoInfo, Events: act.Events}
	actLsn, err := e.log.AppendRecord(encodeAct(rec))
	if err != nil {
		act.Close()
		return nil, errors.Annotate(err, "txengine: append ACT")
	}

	if ts == nil {
		ts = &txState{FirstLsn: actLsn}
		e.tt[txID] = ts
	}
	ts.LastLsn = actLsn
	ts.UndoNxtLsn = actLsn

	for _, key := range act.TouchedKeys() {
		e.cache.SetPageLsn(key, actLsn)
		if _, ok := e.dpt[key]; !ok {
			e.dpt[key] = actLsn
		}
	}
	act.Close()

	if e.autoCpLimit > 0 && e.log.GetEnd()-e.lastCp >= e.autoCpLimit {
		if err := e.checkpointLocked(e.flushLimitSize); err != nil {
			logging.Warnf("txengine: auto-checkpoint failed: %v", err)
		}
	}
	return result, nil
}

// Commit durably commits txID (§4.6's commit).
func (e *Engine) Commit(txID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tt[txID]; !ok {
		return errors.Errorf("txengine: commit of unknown tx %d", txID)
	}
	lsn, err := e.log.AppendRecord(encodeCommit(CommitRecord{TxID: txID}))
	if err != nil {
		return errors.Annotate(err, "txengine: append COMMIT")
	}
	if err := e.log.FlushToPoint(lsn); err != nil {
		return errors.Annotate(err, "txengine: flush on commit")
	}
	delete(e.tt, txID)
	return nil
}

// Rollback undoes every act of txID in reverse order (§4.6's rollback).
func (e *Engine) Rollback(txID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.tt[txID]
	if !ok {
		return nil
	}
	for ts.UndoNxtLsn != 0 {
		if err := e.undoOneLocked(txID, ts); err != nil {
			return err
		}
	}
	delete(e.tt, txID)
	return nil
}

// undoOneLocked processes a single step of txID's undo chain, mutating ts
// in place.
func (e *Engine) undoOneLocked(txID uint32, ts *txState) error {
	raw, _, err := e.log.GetRecord(ts.UndoNxtLsn)
	if err != nil {
		return errors.Annotate(err, "txengine: read undo record")
	}
	rt, rec, err := decodeRecord(raw)
	if err != nil {
		return errors.Annotate(err, "txengine: decode undo record")
	}
	switch rt {
	case RecordAct:
		act := rec.(ActRecord)
		undoAct := e.cache.BeginAct()
		if err := e.cfg.UndoAct(undoAct, act.UndoInfo); err != nil {
			undoAct.Close()
			return errors.Annotate(err, "txengine: undoAct")
		}
		clr := CLRRecord{TxID: txID, PrevLsn: ts.LastLsn, UndoNxtLsn: act.PrevLsn, Events: undoAct.Events}
		clrLsn, err := e.log.AppendRecord(encodeCLR(clr))
		if err != nil {
			undoAct.Close()
			return errors.Annotate(err, "txengine: append CLR")
		}
		for _, key := range undoAct.TouchedKeys() {
			e.cache.SetPageLsn(key, clrLsn)
			if _, ok := e.dpt[key]; !ok {
				e.dpt[key] = clrLsn
			}
		}
		undoAct.Close()
		ts.LastLsn = clrLsn
		ts.UndoNxtLsn = act.PrevLsn
	case RecordCLR:
		clr := rec.(CLRRecord)
		ts.UndoNxtLsn = clr.UndoNxtLsn
	default:
		return errors.Errorf("txengine: unexpected record type %d on undo chain", rt)
	}
	return nil
}

// Checkpoint snapshots TT/DPT into a CHECKPOINT record and trims the log
// (§4.6's Checkpoint).
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked(e.flushLimitSize)
}

func (e *Engine) checkpointLocked(flushLimitSize uint64) error {
	if flushLimitSize > 0 {
		end := e.log.GetEnd()
		for key, recLsn := range e.dpt {
			if end >= flushLimitSize && recLsn < end-flushLimitSize {
				if err := e.cache.FlushPage(key); err != nil {
					return errors.Annotate(err, "txengine: checkpoint flush")
				}
				delete(e.dpt, key)
			}
		}
	}

	trim := e.log.GetEnd()
	ttSnap := make([]ttSnapshot, 0, len(e.tt))
	for txID, ts := range e.tt {
		ttSnap = append(ttSnap, ttSnapshot{TxID: txID, FirstLsn: ts.FirstLsn, LastLsn: ts.LastLsn, UndoNxtLsn: ts.UndoNxtLsn})
		if ts.FirstLsn != 0 && ts.FirstLsn < trim {
			trim = ts.FirstLsn
		}
	}
	dptSnap := make([]dptSnapshot, 0, len(e.dpt))
	for key, recLsn := range e.dpt {
		dptSnap = append(dptSnap, dptSnapshot{Key: key, RecLsn: recLsn})
		if recLsn < trim {
			trim = recLsn
		}
	}

	cpLsn, err := e.log.AppendRecord(encodeCheckpoint(CheckpointRecord{TT: ttSnap, DPT: dptSnap}))
	if err != nil {
		return errors.Annotate(err, "txengine: append CHECKPOINT")
	}
	if err := e.log.FlushToPoint(cpLsn); err != nil {
		return errors.Annotate(err, "txengine: flush checkpoint")
	}
	if err := e.log.TrimToPoint(trim); err != nil {
		return errors.Annotate(err, "txengine: trim after checkpoint")
	}
	e.lastCp = cpLsn
	return nil
}

// ReapIdle rolls back every transaction in txIDs that is still in the
// transaction table and returns those IDs; choosing idle candidates by age
// is left to kv.DB.ReapIdle. A supplement over the teacher's Cleanup() idle-scan
// in transaction_manager.go, adapted to this engine's undo machinery (no
// exact equivalent exists in the distilled spec; see DESIGN.md).
func (e *Engine) ReapIdle(txIDs []uint32) []uint32 {
	e.mu.Lock()
	var reaped []uint32
	for _, id := range txIDs {
		if _, ok := e.tt[id]; ok {
			reaped = append(reaped, id)
		}
	}
	e.mu.Unlock()
	for _, id := range reaped {
		if err := e.Rollback(id); err != nil {
			logging.Warnf("txengine: idle reap rollback of tx %d failed: %v", id, err)
		}
	}
	return reaped
}
