package txpage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/recordlog"
)

// counterObj is a minimal test Object: a single integer, empty when zero.
type counterObj struct{ n int }

func (c *counterObj) IsEmpty() bool { return c.n == 0 }
func (c *counterObj) Bytes() []byte {
	if c.n < 0 || c.n > 255 {
		panic("counterObj: out of range for test codec")
	}
	return []byte{byte(c.n)}
}

type addEvent struct{ delta int }

func (e addEvent) Bytes() []byte { return []byte{byte(int8(e.delta))} }
func (e addEvent) Apply(obj Object) (Object, error) {
	c, _ := obj.(*counterObj)
	if c == nil {
		c = &counterObj{}
	}
	return &counterObj{n: c.n + e.delta}, nil
}

type counterCodec struct{}

func (counterCodec) Decode(data []byte) (Object, error) {
	if len(data) == 0 {
		return &counterObj{}, nil
	}
	return &counterObj{n: int(data[0])}, nil
}
func (counterCodec) Empty() Object { return &counterObj{} }
func (counterCodec) DecodeEvent(kind byte, data []byte) (Event, error) {
	return addEvent{delta: int(int8(data[0]))}, nil
}

func newTestCache(t *testing.T, capacity int) (*Cache, *recordlog.Log) {
	store := pagestore.NewMemStore()
	log, err := recordlog.Open(store, 0, 256)
	require.NoError(t, err)
	c := NewCache(store, log, capacity)
	c.RegisterCodec(1, counterCodec{})
	return c, log
}

func TestActDoEventClassifiesUpdateType(t *testing.T) {
	c, _ := newTestCache(t, 10)
	act := c.BeginAct()
	key := PageKey{NS: 1, Page: 0}

	require.NoError(t, act.DoEvent(key, 1, addEvent{delta: 5}))
	require.Len(t, act.Events, 1)
	require.Equal(t, UpdateCreated, act.Events[0].Update)

	require.NoError(t, act.DoEvent(key, 1, addEvent{delta: 3}))
	require.Equal(t, UpdateAltered, act.Events[1].Update)

	require.NoError(t, act.DoEvent(key, 1, addEvent{delta: -8}))
	require.Equal(t, UpdateDeleted, act.Events[2].Update)

	act.Close()
}

func TestRedoEventGuardsOnEmptiness(t *testing.T) {
	c, _ := newTestCache(t, 10)
	key := PageKey{NS: 1, Page: 0}

	act := c.BeginAct()
	le := LoggedEvent{Update: UpdateCreated, NS: 1, Page: 0, Kind: 1, Data: addEvent{delta: 7}.Bytes()}
	require.NoError(t, act.RedoEvent(le, 10))
	act.Close()
	c.SetPageLsn(key, 10)

	tp, err := c.Peek(1, 0)
	require.NoError(t, err)
	require.Equal(t, 7, tp.Obj.(*counterObj).n)

	// Redoing the same CREATED event again at a later LSN should be a
	// no-op: the page is no longer empty, so the emptiness guard fails.
	act2 := c.BeginAct()
	require.NoError(t, act2.RedoEvent(le, 20))
	act2.Close()
	tp2, err := c.Peek(1, 0)
	require.NoError(t, err)
	require.Equal(t, 7, tp2.Obj.(*counterObj).n)
}

func TestEvictionFlushesAndPersistsDirtyPages(t *testing.T) {
	c, log := newTestCache(t, 2)
	dpt := newFakeDPT()
	c.SetDirtyPageTable(dpt)

	for i := 0; i < 5; i++ {
		key := PageKey{NS: 1, Page: pagestore.PageNum(i)}
		act := c.BeginAct()
		require.NoError(t, act.DoEvent(key, 1, addEvent{delta: i + 1}))
		lsn, err := log.AppendRecord([]byte{byte(i)})
		require.NoError(t, err)
		c.SetPageLsn(key, lsn)
		dpt.mark(key, lsn)
		act.Close()
	}
	require.NoError(t, log.FlushToPoint(log.GetEnd()))

	// With capacity 2, earlier pages must have been evicted and persisted.
	tp, err := c.Peek(1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, tp.Obj.(*counterObj).n)
}

type fakeDPT struct {
	entries map[PageKey]uint64
}

func newFakeDPT() *fakeDPT { return &fakeDPT{entries: make(map[PageKey]uint64)} }

func (f *fakeDPT) mark(key PageKey, lsn uint64) {
	if _, ok := f.entries[key]; !ok {
		f.entries[key] = lsn
	}
}

func (f *fakeDPT) Lookup(key PageKey) (uint64, bool) {
	v, ok := f.entries[key]
	return v, ok
}

func (f *fakeDPT) Remove(key PageKey) { delete(f.entries, key) }
