package txengine

import (
	"runtime"
	"time"

	gxsync "github.com/dubbogo/gost/sync"
	"github.com/juju/errors"

	"github.com/kvstore/kvstore/kverrors"
	"github.com/kvstore/kvstore/txpage"
)

const defaultYieldInterval = 100 * time.Millisecond

// recover implements §4.6's "Recovery. On open." procedure.
func (e *Engine) recover() error {
	start := e.log.GetStart()
	end := e.log.GetEnd()

	var (
		checkpointLsn uint64
		checkpoint    CheckpointRecord
		haveCp        bool
	)
	for lsn := start; lsn < end; {
		raw, next, err := e.log.GetRecord(lsn)
		if err != nil {
			return kverrors.DatabaseCorrupt("txengine: scan for checkpoint", err)
		}
		rt, rec, err := decodeRecord(raw)
		if err != nil {
			return kverrors.DatabaseCorrupt("txengine: decode during checkpoint scan", err)
		}
		if rt == RecordCheckpoint {
			checkpointLsn = lsn
			checkpoint = rec.(CheckpointRecord)
			haveCp = true
		}
		lsn = next
	}

	analysisLsn := start
	if haveCp {
		analysisLsn = checkpointLsn
		for _, s := range checkpoint.TT {
			e.tt[s.TxID] = &txState{FirstLsn: s.FirstLsn, LastLsn: s.LastLsn, UndoNxtLsn: s.UndoNxtLsn}
		}
		for _, d := range checkpoint.DPT {
			e.dpt[d.Key] = d.RecLsn
			if d.RecLsn < analysisLsn {
				analysisLsn = d.RecLsn
			}
		}
	}

	if err := e.analysisRedoPass(analysisLsn, end); err != nil {
		return kverrors.DatabaseCorrupt("txengine: analysis/redo pass", err)
	}
	if err := e.undoPass(); err != nil {
		return kverrors.DatabaseCorrupt("txengine: undo pass", err)
	}
	return e.checkpointLocked(0)
}

// decodedRecord is one pipeline stage's worth of work: a log record read
// and decoded off the critical path, ready for sequential apply.
type decodedRecord struct {
	lsn uint64
	rt  RecordType
	rec interface{}
	err error
}

// analysisRedoPass applies every ACT/CLR between from and to in LSN
// order, rebuilding TT/DPT as it goes. Record reads and decodes (I/O plus
// parsing, the part safe to run ahead of the apply step) are handed to a
// small gost task pool that streams decodedRecord values back over a
// channel in order, while this goroutine applies them one at a time —
// redo itself must stay strictly sequential (a later act's RedoEvent
// guard depends on exactly which acts already landed on each page), so
// the pool buys pipeline overlap between decode and apply rather than
// parallel apply.
func (e *Engine) analysisRedoPass(from, to uint64) error {
	pool := gxsync.NewTaskPoolSimple(1)
	defer pool.Close()

	ch := make(chan decodedRecord, 32)
	pool.AddTask(func() {
		defer close(ch)
		for lsn := from; lsn < to; {
			raw, next, err := e.log.GetRecord(lsn)
			if err != nil {
				ch <- decodedRecord{err: kverrors.DatabaseCorrupt("txengine: read during redo", err)}
				return
			}
			rt, rec, err := decodeRecord(raw)
			if err != nil {
				ch <- decodedRecord{err: kverrors.DatabaseCorrupt("txengine: decode during redo", err)}
				return
			}
			ch <- decodedRecord{lsn: lsn, rt: rt, rec: rec}
			lsn = next
		}
	})

	lastYield := time.Now()
	for d := range ch {
		if d.err != nil {
			return d.err
		}
		switch d.rt {
		case RecordAct:
			act := d.rec.(ActRecord)
			if err := e.redoAct(d.lsn, act.Events); err != nil {
				return err
			}
			ts := e.tt[act.TxID]
			if ts == nil {
				ts = &txState{FirstLsn: d.lsn}
				e.tt[act.TxID] = ts
			}
			ts.LastLsn = d.lsn
			ts.UndoNxtLsn = d.lsn
		case RecordCLR:
			clr := d.rec.(CLRRecord)
			if err := e.redoAct(d.lsn, clr.Events); err != nil {
				return err
			}
			ts := e.tt[clr.TxID]
			if ts == nil {
				ts = &txState{FirstLsn: d.lsn}
				e.tt[clr.TxID] = ts
			}
			ts.LastLsn = d.lsn
			ts.UndoNxtLsn = clr.UndoNxtLsn
		case RecordCommit:
			delete(e.tt, d.rec.(CommitRecord).TxID)
		case RecordCheckpoint:
			// Already folded into the seed state; nothing further to do.
		}

		if time.Since(lastYield) >= defaultYieldInterval {
			runtime.Gosched()
			lastYield = time.Now()
		}
	}
	return nil
}

func (e *Engine) redoAct(actLsn uint64, events []txpage.LoggedEvent) error {
	act := e.cache.BeginAct()
	for _, le := range events {
		if err := act.RedoEvent(le, actLsn); err != nil {
			act.Close()
			return errors.Annotate(err, "txengine: redo event")
		}
	}
	for _, key := range act.TouchedKeys() {
		e.cache.SetPageLsn(key, actLsn)
		if recLsn, ok := e.dpt[key]; !ok || actLsn < recLsn {
			e.dpt[key] = actLsn
		}
	}
	act.Close()
	return nil
}

func (e *Engine) undoPass() error {
	for {
		var victimID uint32
		var victim *txState
		for id, ts := range e.tt {
			if ts.UndoNxtLsn == 0 {
				continue
			}
			if victim == nil || ts.UndoNxtLsn > victim.UndoNxtLsn {
				victimID, victim = id, ts
			}
		}
		if victim == nil {
			break
		}
		if err := e.undoOneLocked(victimID, victim); err != nil {
			return err
		}
	}
	e.tt = make(map[uint32]*txState)
	return nil
}
