package txengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/recordlog"
	"github.com/kvstore/kvstore/txpage"
)

// counterObj/addEvent/counterCodec mirror txpage's own test fixtures: a
// single integer per page, empty when zero.
type counterObj struct{ n int }

func (c *counterObj) IsEmpty() bool { return c.n == 0 }
func (c *counterObj) Bytes() []byte { return []byte{byte(int8(c.n))} }

type addEvent struct{ delta int }

func (e addEvent) Bytes() []byte { return []byte{byte(int8(e.delta))} }
func (e addEvent) Apply(obj txpage.Object) (txpage.Object, error) {
	c, _ := obj.(*counterObj)
	if c == nil {
		c = &counterObj{}
	}
	return &counterObj{n: c.n + e.delta}, nil
}

type counterCodec struct{}

func (counterCodec) Decode(data []byte) (txpage.Object, error) {
	if len(data) == 0 {
		return &counterObj{}, nil
	}
	return &counterObj{n: int(int8(data[0]))}, nil
}
func (counterCodec) Empty() txpage.Object { return &counterObj{} }
func (counterCodec) DecodeEvent(kind byte, data []byte) (txpage.Event, error) {
	return addEvent{delta: int(int8(data[0]))}, nil
}

// addParams names the single page an addConfig mutates and by how much.
type addParams struct {
	key   txpage.PageKey
	delta int
}

// addUndo is the wire format of addConfig's undo info: the page key plus
// the delta to reverse.
type addConfig struct{}

func (addConfig) DoAct(act *txpage.Act, params interface{}) ([]byte, interface{}, error) {
	p := params.(addParams)
	if err := act.DoEvent(p.key, 1, addEvent{delta: p.delta}); err != nil {
		return nil, nil, err
	}
	undo := encodeAddUndo(p.key, p.delta)
	return undo, nil, nil
}

func (addConfig) UndoAct(act *txpage.Act, undoInfo []byte) error {
	key, delta := decodeAddUndo(undoInfo)
	return act.DoEvent(key, 1, addEvent{delta: -delta})
}

func encodeAddUndo(key txpage.PageKey, delta int) []byte {
	return []byte{key.NS, byte(key.Page), byte(int8(delta))}
}

func decodeAddUndo(buf []byte) (txpage.PageKey, int) {
	return txpage.PageKey{NS: buf[0], Page: uint64(buf[1])}, int(int8(buf[2]))
}

func newTestEngine(t *testing.T) (*Engine, pagestore.Store, *recordlog.Log) {
	store := pagestore.NewMemStore()
	log, err := recordlog.Open(store, 0, 256)
	require.NoError(t, err)
	cache := txpage.NewCache(store, log, 16)
	cache.RegisterCodec(1, counterCodec{})
	e, err := Open(log, cache, addConfig{}, Options{AutoCheckpointLimit: 0})
	require.NoError(t, err)
	return e, store, log
}

func TestDoActThenCommitPersistsValue(t *testing.T) {
	e, _, _ := newTestEngine(t)
	key := txpage.PageKey{NS: 1, Page: 0}

	_, err := e.DoAct(1, addParams{key: key, delta: 5})
	require.NoError(t, err)
	require.NoError(t, e.Commit(1))

	require.NoError(t, e.cache.FlushPage(key))
	tp, err := e.cache.Peek(1, 0)
	require.NoError(t, err)
	require.Equal(t, 5, tp.Obj.(*counterObj).n)
}

func TestRollbackReversesUncommittedAct(t *testing.T) {
	e, _, _ := newTestEngine(t)
	key := txpage.PageKey{NS: 1, Page: 0}

	_, err := e.DoAct(2, addParams{key: key, delta: 9})
	require.NoError(t, err)

	tp, err := e.cache.Peek(1, 0)
	require.NoError(t, err)
	require.Equal(t, 9, tp.Obj.(*counterObj).n)

	require.NoError(t, e.Rollback(2))

	tp, err = e.cache.Peek(1, 0)
	require.NoError(t, err)
	require.Equal(t, 0, tp.Obj.(*counterObj).n)
}

func TestCheckpointTrimsLog(t *testing.T) {
	e, _, log := newTestEngine(t)
	key := txpage.PageKey{NS: 1, Page: 0}

	for i := 0; i < 5; i++ {
		_, err := e.DoAct(uint32(i+1), addParams{key: key, delta: 1})
		require.NoError(t, err)
		require.NoError(t, e.Commit(uint32(i+1)))
	}

	startBefore := log.GetStart()
	require.NoError(t, e.Checkpoint())
	require.GreaterOrEqual(t, log.GetStart(), startBefore)
}

func TestRecoveryRedoesCommittedActsAndRollsBackOpenOnes(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := recordlog.Open(store, 0, 256)
	require.NoError(t, err)
	cache := txpage.NewCache(store, log, 16)
	cache.RegisterCodec(1, counterCodec{})
	e, err := Open(log, cache, addConfig{}, Options{})
	require.NoError(t, err)

	keyA := txpage.PageKey{NS: 1, Page: 0}
	keyB := txpage.PageKey{NS: 1, Page: 1}

	_, err = e.DoAct(1, addParams{key: keyA, delta: 3})
	require.NoError(t, err)
	require.NoError(t, e.Commit(1))

	_, err = e.DoAct(2, addParams{key: keyB, delta: 7})
	require.NoError(t, err)
	// Transaction 2 never commits or rolls back — simulates a crash.

	require.NoError(t, e.cache.FlushPage(keyA))
	require.NoError(t, e.cache.FlushPage(keyB))
	require.NoError(t, log.FlushToPoint(log.GetEnd()))

	// Reopen against the same store/log, as a fresh process would after a
	// crash: a new cache, forcing recovery to reconstruct state from the log.
	cache2 := txpage.NewCache(store, log, 16)
	cache2.RegisterCodec(1, counterCodec{})
	e2, err := Open(log, cache2, addConfig{}, Options{})
	require.NoError(t, err)

	tpA, err := e2.cache.Peek(1, 0)
	require.NoError(t, err)
	require.Equal(t, 3, tpA.Obj.(*counterObj).n, "committed act must survive recovery")

	tpB, err := e2.cache.Peek(1, 1)
	require.NoError(t, err)
	require.Equal(t, 0, tpB.Obj.(*counterObj).n, "uncommitted act must be undone by recovery")

	_, stillOpen := e2.tt[2]
	require.False(t, stillOpen, "recovery must clear the transaction table once undo completes")
}
