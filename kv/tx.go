package kv

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.uber.org/atomic"

	"github.com/kvstore/kvstore/btree"
	"github.com/kvstore/kvstore/kverrors"
	"github.com/kvstore/kvstore/lockmgr"
)

// State is a transaction's lifecycle stage (§4.9).
type State int32

const (
	Active State = iota
	Committed
	RolledBack
)

// Tx is one client transaction: a lock holder plus a logical tx ID the
// engine logs acts/commit/rollback under. state is atomic rather than
// mutex-guarded on purpose: a Get/Set/Delete call can sit blocked inside
// the lock manager for an arbitrary time, and db.BreakDeadlocks must be
// able to roll a victim transaction back from another goroutine while
// that call is still blocked, without contending on the same lock the
// blocked call is holding.
type Tx struct {
	db     *DB
	id     uint32
	holder *lockmgr.Holder
	state  atomic.Int32
	began  time.Time

	// abortReason is set only when db forcibly aborts this transaction
	// (deadlock victim selection or idle reaping, §5/§7) rather than the
	// client calling Rollback itself, so later calls on the Tx report a
	// kverrors.Aborted identifying why instead of a generic state error.
	abortReason atomic.String
}

func (tx *Tx) requireActive() error {
	switch State(tx.state.Load()) {
	case Active:
		return nil
	case RolledBack:
		if reason := tx.abortReason.Load(); reason != "" {
			return kverrors.Aborted(tx.id, reason)
		}
	}
	return errors.Errorf("kv: transaction %d is no longer active", tx.id)
}

// abort rolls tx back as the victim of deadlock detection or idle
// reaping, recording reason so requireActive reports kverrors.Aborted
// rather than a generic "no longer active" error.
func (tx *Tx) abort(reason string) error {
	tx.abortReason.Store(reason)
	return tx.Rollback()
}

// neighbour reports the key immediately before key and whether key itself
// already exists, without acquiring any lock — used to decide which fence
// a mutation must lock (§4.8) and to detect if the neighbourhood moved
// between the snapshot and the eventual lock acquisition.
func (tx *Tx) neighbour(key []byte) (existed bool, prevKey []byte, hasPrev bool, err error) {
	act := tx.db.cache.BeginAct()
	defer act.Close()

	_, existed, err = tx.db.tree.Get(act, key)
	if err != nil {
		return false, nil, false, errors.Annotate(err, "kv: read for neighbour lookup")
	}
	prevKey, hasPrev, err = tx.db.tree.Predecessor(act, key)
	if err != nil {
		return false, nil, false, errors.Annotate(err, "kv: predecessor lookup")
	}
	return existed, prevKey, hasPrev, nil
}

// releaseFenceFor drops the fence lock taken for a candidate neighbour
// that turned out to be stale (§4.8's moving-neighbour retry).
func (tx *Tx) releaseFenceFor(prevKey []byte, hasPrev bool) {
	if hasPrev {
		tx.db.locks.ReleaseFence(tx.holder, string(prevKey))
	} else {
		tx.db.locks.ReleaseFirstFence(tx.holder)
	}
}

// Get reads key's current value under a shared content lock (§4.9's get).
func (tx *Tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := tx.requireActive(); err != nil {
		return nil, false, err
	}

	if err := tx.db.locks.AcquireGet(ctx, tx.holder, string(key)); err != nil {
		return nil, false, errors.Annotate(err, "kv: acquire get lock")
	}

	act := tx.db.cache.BeginAct()
	defer act.Close()
	value, found, err := tx.db.tree.Get(act, key)
	if err != nil {
		return nil, false, errors.Annotate(err, "kv: get")
	}
	return value, found, nil
}

// Next returns the smallest key >= from (or the smallest key in the tree,
// if from is nil), locking either that key's content or the fence before
// it so no concurrent transaction can insert a new smallest-matching key
// underneath this read (§4.8's next/acquireNext).
//
// Unlike Set/Delete this does not retry if the neighbourhood moves
// between the snapshot read and the lock grant: a simplification of
// §4.8's moving-neighbour handling, acceptable because a stale Next
// result is only ever one step behind what a retry would also have
// raced against by the time the caller observes it.
func (tx *Tx) Next(ctx context.Context, from []byte) ([]byte, []byte, bool, error) {
	if err := tx.requireActive(); err != nil {
		return nil, nil, false, err
	}
	if from == nil {
		from = []byte{}
	}

	act := tx.db.cache.BeginAct()
	nk, nv, found, err := tx.db.tree.Next(act, from)
	if err != nil {
		act.Close()
		return nil, nil, false, errors.Annotate(err, "kv: next lookup")
	}
	var prevKey []byte
	hasPrev := false
	if !found {
		prevKey, _, hasPrev, err = tx.db.tree.Last(act)
		if err != nil {
			act.Close()
			return nil, nil, false, errors.Annotate(err, "kv: last-key lookup")
		}
	}
	act.Close()

	if found {
		if err := tx.db.locks.AcquireNext(ctx, tx.holder, true, string(nk), "", false); err != nil {
			return nil, nil, false, errors.Annotate(err, "kv: acquire next lock")
		}
	} else {
		if err := tx.db.locks.AcquireNext(ctx, tx.holder, false, "", string(prevKey), hasPrev); err != nil {
			return nil, nil, false, errors.Annotate(err, "kv: acquire next lock")
		}
	}
	return nk, nv, found, nil
}

// Find is Get restricted to the spec's point-lookup-with-fence wording:
// functionally identical to Get, since a point read only ever needs the
// one key's content lock. Kept as a distinct method to mirror §4.9's
// named operation.
func (tx *Tx) Find(ctx context.Context, key []byte) ([]byte, bool, error) {
	return tx.Get(ctx, key)
}

// Set installs value for key, retrying its fence-lock acquisition if a
// concurrent transaction changes key's neighbourhood before the lock is
// granted (§4.8's moving-neighbour retry).
func (tx *Tx) Set(ctx context.Context, key, value []byte) error {
	if err := tx.requireActive(); err != nil {
		return err
	}

	for {
		existed, prevKey, hasPrev, err := tx.neighbour(key)
		if err != nil {
			return err
		}
		if err := tx.db.locks.AcquireSet(ctx, tx.holder, string(key), existed, string(prevKey), hasPrev); err != nil {
			return errors.Annotate(err, "kv: acquire set lock")
		}

		existed2, prevKey2, hasPrev2, err := tx.neighbour(key)
		if err != nil {
			return err
		}
		if existed2 == existed && hasPrev2 == hasPrev && string(prevKey2) == string(prevKey) {
			break
		}
		if !existed {
			tx.releaseFenceFor(prevKey, hasPrev)
		}
	}

	_, err := tx.db.engine.DoAct(tx.id, SetEntryParams{Key: key, Value: value, HasValue: true})
	return errors.Annotate(err, "kv: set")
}

// Delete removes key, with the same moving-neighbour retry as Set.
func (tx *Tx) Delete(ctx context.Context, key []byte) error {
	if err := tx.requireActive(); err != nil {
		return err
	}

	for {
		existed, prevKey, hasPrev, err := tx.neighbour(key)
		if err != nil {
			return err
		}
		if !existed {
			return errors.Annotate(btree.ErrNotFound, "kv: delete")
		}
		if err := tx.db.locks.AcquireDelete(ctx, tx.holder, string(key), existed, string(prevKey), hasPrev); err != nil {
			return errors.Annotate(err, "kv: acquire delete lock")
		}

		existed2, prevKey2, hasPrev2, err := tx.neighbour(key)
		if err != nil {
			return err
		}
		if existed2 == existed && hasPrev2 == hasPrev && string(prevKey2) == string(prevKey) {
			break
		}
		tx.releaseFenceFor(prevKey, hasPrev)
	}

	_, err := tx.db.engine.DoAct(tx.id, SetEntryParams{HasValue: false, Key: key})
	return errors.Annotate(err, "kv: delete")
}

// Commit durably commits every act this transaction performed and
// releases its locks (§4.9's commit).
func (tx *Tx) Commit() error {
	if !tx.state.CAS(int32(Active), int32(Committed)) {
		return errors.Errorf("kv: transaction %d is no longer active", tx.id)
	}
	if err := tx.db.engine.Commit(tx.id); err != nil {
		return errors.Annotate(err, "kv: commit")
	}
	tx.holder.ReleaseAll()
	tx.db.forget(tx.id)
	return nil
}

// Rollback undoes every act this transaction performed and releases its
// locks (§4.9's rollback). Safe to call on a transaction that has not
// performed any act yet, and safe to call concurrently with an in-flight
// Get/Set/Delete/Next call on the same Tx from another goroutine — this
// is exactly what db.BreakDeadlocks relies on to abort a victim that is
// currently blocked inside the lock manager.
func (tx *Tx) Rollback() error {
	if !tx.state.CAS(int32(Active), int32(RolledBack)) {
		return nil
	}
	if err := tx.db.engine.Rollback(tx.id); err != nil {
		return errors.Annotate(err, "kv: rollback")
	}
	tx.holder.ReleaseAll()
	tx.db.forget(tx.id)
	return nil
}
