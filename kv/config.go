// Package kv implements the per-transaction façade (C9): get/next/find/
// set/delete/commit/rollback over the B+ tree (C7), serialized by the
// lock manager (C8) and made durable/recoverable through the
// transaction engine (C4).
package kv

import (
	"github.com/juju/errors"

	"github.com/kvstore/kvstore/btree"
	"github.com/kvstore/kvstore/txpage"
	"github.com/kvstore/kvstore/wire"
)

// SetEntryParams is the one kind of logical operation this store
// performs (§4.9): set key to value, or (HasValue false) delete key.
type SetEntryParams struct {
	Key      []byte
	Value    []byte
	HasValue bool
}

// SetEntryConfig adapts B+ tree inserts/deletes to txengine.ActConfig.
// Undo info only ever needs the key plus the value it held immediately
// before this act (if any) — "set" and "delete" share one undo shape
// because reversing either just means restoring that prior state
// (§4.9: "undo re-inserts or re-deletes").
type SetEntryConfig struct {
	Tree *btree.Tree
}

// DoAct implements txengine.ActConfig.
func (c SetEntryConfig) DoAct(act *txpage.Act, params interface{}) ([]byte, interface{}, error) {
	p, ok := params.(SetEntryParams)
	if !ok {
		return nil, nil, errors.Errorf("kv: unexpected act params %T", params)
	}

	oldValue, existed, err := c.Tree.Get(act, p.Key)
	if err != nil {
		return nil, nil, errors.Annotate(err, "kv: read old value")
	}

	if p.HasValue {
		if err := c.Tree.Set(act, p.Key, p.Value); err != nil {
			return nil, nil, errors.Annotate(err, "kv: set")
		}
	} else {
		if !existed {
			return nil, nil, errors.Annotate(btree.ErrNotFound, "kv: delete")
		}
		if err := c.Tree.Delete(act, p.Key); err != nil {
			return nil, nil, errors.Annotate(err, "kv: delete")
		}
	}

	return encodeUndo(p.Key, oldValue, existed), nil, nil
}

// UndoAct implements txengine.ActConfig.
func (c SetEntryConfig) UndoAct(act *txpage.Act, undoInfo []byte) error {
	key, oldValue, hadOld, err := decodeUndo(undoInfo)
	if err != nil {
		return errors.Annotate(err, "kv: decode undo info")
	}
	if hadOld {
		return c.Tree.Set(act, key, oldValue)
	}
	return c.Tree.Delete(act, key)
}

// encodeUndo produces "length-prefixed key, optionally followed by
// length-prefixed old value" per §4.9's undo info wire format.
func encodeUndo(key, oldValue []byte, hadOld bool) []byte {
	buf := wire.PutBytesWithLen16(nil, key)
	if hadOld {
		buf = wire.PutBytesWithLen16(buf, oldValue)
	}
	return buf
}

func decodeUndo(data []byte) (key, oldValue []byte, hadOld bool, err error) {
	if len(data) < 2 {
		return nil, nil, false, errors.Errorf("kv: short undo info (%d bytes)", len(data))
	}
	key, off := wire.ReadBytesWithLen16(data, 0)
	if off == len(data) {
		return key, nil, false, nil
	}
	oldValue, _ = wire.ReadBytesWithLen16(data, off)
	return key, oldValue, true, nil
}
