package pagealloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/recordlog"
	"github.com/kvstore/kvstore/txpage"
)

type counterObj struct{ n int }

func (c *counterObj) IsEmpty() bool { return c.n == 0 }
func (c *counterObj) Bytes() []byte { return []byte{byte(int8(c.n))} }

type setEvent struct{ n int }

func (e setEvent) Bytes() []byte { return []byte{byte(int8(e.n))} }
func (e setEvent) Apply(txpage.Object) (txpage.Object, error) { return &counterObj{n: e.n}, nil }

type counterCodec struct{}

func (counterCodec) Decode(data []byte) (txpage.Object, error) {
	if len(data) == 0 {
		return &counterObj{}, nil
	}
	return &counterObj{n: int(int8(data[0]))}, nil
}
func (counterCodec) Empty() txpage.Object { return &counterObj{} }
func (counterCodec) DecodeEvent(kind byte, data []byte) (txpage.Event, error) {
	return setEvent{n: int(int8(data[0]))}, nil
}

const testNS pagestore.Namespace = 3

func newTestFixture(t *testing.T) (*Allocator, *txpage.Cache) {
	store := pagestore.NewMemStore()
	log, err := recordlog.Open(store, 0, 256)
	require.NoError(t, err)
	cache := txpage.NewCache(store, log, 16)
	cache.RegisterCodec(testNS, counterCodec{})
	return New(store), cache
}

func setPage(t *testing.T, cache *txpage.Cache, page pagestore.PageNum, n int) {
	act := cache.BeginAct()
	key := txpage.PageKey{NS: testNS, Page: page}
	require.NoError(t, act.DoEvent(key, 1, setEvent{n: n}))
	act.Close()
}

func TestAllocAppendsWhenNothingFree(t *testing.T) {
	a, cache := newTestFixture(t)
	act := cache.BeginAct()
	defer act.Close()

	page, err := a.Alloc(act, testNS)
	require.NoError(t, err)
	require.EqualValues(t, 0, page)
}

func TestAllocReusesEmptyPage(t *testing.T) {
	a, cache := newTestFixture(t)

	setPage(t, cache, 0, 5)
	setPage(t, cache, 1, 7)
	setPage(t, cache, 2, 0) // page 2 is empty, should be reused

	seen := make(map[pagestore.PageNum]bool)
	for i := 0; i < 50; i++ {
		act := cache.BeginAct()
		page, err := a.Alloc(act, testNS)
		require.NoError(t, err)
		act.Close()
		seen[page] = true
	}
	require.Contains(t, seen, pagestore.PageNum(2))
	// numPages never grows past 3 while page 2 stays free.
	for p := range seen {
		require.Less(t, p, pagestore.PageNum(3))
	}
}

func TestFreeUnusedPagesShrinksTail(t *testing.T) {
	a, cache := newTestFixture(t)

	setPage(t, cache, 0, 1)
	setPage(t, cache, 1, 2)
	setPage(t, cache, 2, 0)
	setPage(t, cache, 3, 0)

	act := cache.BeginAct()
	require.NoError(t, a.FreeUnusedPages(act, testNS, 10))
	act.Close()

	require.EqualValues(t, 2, a.numPages[testNS])

	act = cache.BeginAct()
	page, err := a.Alloc(act, testNS)
	require.NoError(t, err)
	act.Close()
	require.EqualValues(t, 2, page)
}

func TestAllocWithSpacePathStillAppendsNormally(t *testing.T) {
	a, cache := newTestFixture(t)
	a.SetSpacePath(t.TempDir())

	act := cache.BeginAct()
	defer act.Close()

	page, err := a.Alloc(act, testNS)
	require.NoError(t, err)
	require.EqualValues(t, 0, page)
}
