package recordalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvstore/kvstore/pagealloc"
	"github.com/kvstore/kvstore/pagestore"
	"github.com/kvstore/kvstore/recordlog"
	"github.com/kvstore/kvstore/txpage"
	"github.com/kvstore/kvstore/wire"
)

const (
	testPagesNS  pagestore.Namespace = 10
	testHeaderNS pagestore.Namespace = 11
	testPageSize                     = 256
	testMaxVidLen                    = 24
	testChunkSize                    = 32
)

func newTestStore(t *testing.T) (*Store, *txpage.Cache) {
	store := pagestore.NewMemStore()
	log, err := recordlog.Open(store, 0, 4096)
	require.NoError(t, err)
	cache := txpage.NewCache(store, log, 64)
	alloc := pagealloc.New(store)
	ra := NewStore(cache, alloc, testPagesNS, testHeaderNS, testPageSize, testMaxVidLen, testChunkSize)
	return ra, cache
}

func TestAllocWriteReadFree(t *testing.T) {
	ra, cache := newTestStore(t)
	act := cache.BeginAct()

	rid, err := ra.Alloc(act, []byte("hello"))
	require.NoError(t, err)

	data, ok, err := ra.Read(act, rid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	require.NoError(t, ra.Write(act, rid, []byte("goodbye")))
	data, ok, err = ra.Read(act, rid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("goodbye"), data)

	require.NoError(t, ra.Free(act, rid))
	_, ok, err = ra.Read(act, rid)
	require.NoError(t, err)
	require.False(t, ok)
	act.Close()
}

func TestAllocReusesFreedPageAcrossManyRecords(t *testing.T) {
	ra, cache := newTestStore(t)

	var rids []wire.RID
	for i := 0; i < 10; i++ {
		act := cache.BeginAct()
		rid, err := ra.Alloc(act, []byte{byte(i)})
		require.NoError(t, err)
		act.Close()
		rids = append(rids, rid)
	}
	maxPageSeen := rids[0].Page
	for _, r := range rids {
		if r.Page > maxPageSeen {
			maxPageSeen = r.Page
		}
		act := cache.BeginAct()
		require.NoError(t, ra.Free(act, r))
		act.Close()
	}

	act := cache.BeginAct()
	rid, err := ra.Alloc(act, []byte("reused"))
	require.NoError(t, err)
	act.Close()
	// Freeing every entry surrenders every touched page back to the
	// allocator, so the next alloc must land on one of them rather than
	// growing the namespace further.
	require.LessOrEqual(t, rid.Page, maxPageSeen)
}

func TestVIDRoundTripInline(t *testing.T) {
	ra, cache := newTestStore(t)
	act := cache.BeginAct()

	vid, err := ra.PutVID(act, []byte("short"))
	require.NoError(t, err)
	require.Zero(t, vid[0]&1)

	out, err := ra.ReadVID(act, vid)
	require.NoError(t, err)
	require.Equal(t, []byte("short"), out)

	c, err := ra.CompareVID(act, []byte("short"), vid)
	require.NoError(t, err)
	require.Zero(t, c)

	c, err = ra.CompareVID(act, []byte("aaaaa"), vid)
	require.NoError(t, err)
	require.Negative(t, c)

	act.Close()
}

func TestVIDRoundTripChained(t *testing.T) {
	ra, cache := newTestStore(t)
	act := cache.BeginAct()

	long := make([]byte, 100)
	for i := range long {
		long[i] = byte(i)
	}

	vid, err := ra.PutVID(act, long)
	require.NoError(t, err)
	require.EqualValues(t, 1, vid[0]&1)

	out, err := ra.ReadVID(act, vid)
	require.NoError(t, err)
	require.Equal(t, long, out)

	c, err := ra.CompareVID(act, long, vid)
	require.NoError(t, err)
	require.Zero(t, c)

	shorter := long[:50]
	c, err = ra.CompareVID(act, shorter, vid)
	require.NoError(t, err)
	require.Negative(t, c)

	require.NoError(t, ra.FreeVID(act, vid))
	act.Close()
}

// TestVIDRoundTripAtDefaultMaxVidLen exercises the store's default-sized
// maxVidLen (512, per kv.DefaultOptions) rather than this file's tiny
// testMaxVidLen, with a value past the 255-byte point where a 1-byte
// length would wrap and a value past inlineCapacity that forces chaining.
func TestVIDRoundTripAtDefaultMaxVidLen(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := recordlog.Open(store, 0, 4096)
	require.NoError(t, err)
	cache := txpage.NewCache(store, log, 64)
	alloc := pagealloc.New(store)
	ra := NewStore(cache, alloc, testPagesNS, testHeaderNS, 4096, 512, 256)

	mkVal := func(n int) []byte {
		v := make([]byte, n)
		for i := range v {
			v[i] = byte(i)
		}
		return v
	}

	act := cache.BeginAct()
	inlineLarge := mkVal(300)
	vid, err := ra.PutVID(act, inlineLarge)
	require.NoError(t, err)
	require.Zero(t, vid[0]&1, "300 bytes is still within inlineCapacity (510) at MaxVidLen 512")
	out, err := ra.ReadVID(act, vid)
	require.NoError(t, err)
	require.Equal(t, inlineLarge, out, "a 1-byte length prefix would have wrapped 300 mod 256")

	chainedVal := mkVal(600)
	vid2, err := ra.PutVID(act, chainedVal)
	require.NoError(t, err)
	require.EqualValues(t, 1, vid2[0]&1)
	out2, err := ra.ReadVID(act, vid2)
	require.NoError(t, err)
	require.Equal(t, chainedVal, out2)
	require.NoError(t, ra.FreeVID(act, vid2))
	act.Close()
}
