package recordlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvstore/kvstore/pagestore"
)

const testPageSize = 64 // small page size to exercise page-spanning records

func TestAppendAndGetRecordRoundTrip(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := Open(store, 0, testPageSize)
	require.NoError(t, err)

	lsn1, err := log.AppendRecord([]byte("hello"))
	require.NoError(t, err)
	lsn2, err := log.AppendRecord([]byte("world, a slightly longer record here"))
	require.NoError(t, err)
	lsn3, err := log.AppendRecord([]byte("third"))
	require.NoError(t, err)

	require.NoError(t, log.FlushToPoint(log.GetEnd()))

	got1, next1, err := log.GetRecord(lsn1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got1)
	require.Equal(t, lsn2, next1)

	got2, next2, err := log.GetRecord(lsn2)
	require.NoError(t, err)
	require.Equal(t, []byte("world, a slightly longer record here"), got2)
	require.Equal(t, lsn3, next2)

	got3, _, err := log.GetRecord(lsn3)
	require.NoError(t, err)
	require.Equal(t, []byte("third"), got3)
}

func TestAppendRecordSpanningManyPages(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := Open(store, 0, testPageSize)
	require.NoError(t, err)

	big := make([]byte, testPageSize*5+7)
	for i := range big {
		big[i] = byte(i)
	}
	lsn, err := log.AppendRecord(big)
	require.NoError(t, err)
	require.NoError(t, log.FlushToPoint(log.GetEnd()))

	got, _, err := log.GetRecord(lsn)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestAppendManySmallRecordsAcrossPageBoundaries(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := Open(store, 0, testPageSize)
	require.NoError(t, err)

	var lsns []LSN
	var want [][]byte
	for i := 0; i < 40; i++ {
		rec := []byte(fmt.Sprintf("record-number-%02d", i))
		lsn, err := log.AppendRecord(rec)
		require.NoError(t, err)
		lsns = append(lsns, lsn)
		want = append(want, rec)
	}
	require.NoError(t, log.FlushToPoint(log.GetEnd()))

	for i, lsn := range lsns {
		got, _, err := log.GetRecord(lsn)
		require.NoError(t, err)
		require.Equal(t, want[i], got, "record %d", i)
	}
}

func TestTrimToPointDeletesEarlierPages(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := Open(store, 0, testPageSize)
	require.NoError(t, err)

	var lsns []LSN
	for i := 0; i < 20; i++ {
		lsn, err := log.AppendRecord([]byte(fmt.Sprintf("rec-%d", i)))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, log.FlushToPoint(log.GetEnd()))

	trimAt := lsns[10]
	require.NoError(t, log.TrimToPoint(trimAt))
	require.Equal(t, trimAt, log.GetStart())

	got, _, err := log.GetRecord(trimAt)
	require.NoError(t, err)
	require.Equal(t, []byte("rec-10"), got)
}

func TestRecoverOnOpenFreshLog(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := Open(store, 0, testPageSize)
	require.NoError(t, err)
	require.True(t, log.IsEmpty())
	require.Equal(t, LSN(log.lenBytes), log.GetStart())
}

func TestRecoverOnOpenAfterCleanClose(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := Open(store, 0, testPageSize)
	require.NoError(t, err)

	var lsns []LSN
	for i := 0; i < 15; i++ {
		lsn, err := log.AppendRecord([]byte(fmt.Sprintf("persisted-%d", i)))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, log.Close())

	reopened, err := Open(store, 0, testPageSize)
	require.NoError(t, err)
	for i, lsn := range lsns {
		got, _, err := reopened.GetRecord(lsn)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("persisted-%d", i)), got)
	}
}

func TestRecoverOnOpenDropsTornLastEntry(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := Open(store, 0, testPageSize)
	require.NoError(t, err)

	lsn1, err := log.AppendRecord([]byte("complete-one"))
	require.NoError(t, err)
	_, err = log.AppendRecord([]byte("complete-two"))
	require.NoError(t, err)
	require.NoError(t, log.FlushToPoint(log.GetEnd()))
	require.NoError(t, log.Close())

	// Simulate a crash mid-append: corrupt the tail page so its last entry's
	// length header claims more data than was actually written.
	raw, ok, err := store.Read(0, log.tailPage)
	require.NoError(t, err)
	require.True(t, ok)
	corrupted := append([]byte{}, raw...)
	corrupted = append(corrupted, 0xFF, 0xFF) // a one-byte length prefix promising 255 bytes, with only one present
	require.NoError(t, store.Write(0, log.tailPage, corrupted))

	reopened, err := Open(store, 0, testPageSize)
	require.NoError(t, err)
	got, _, err := reopened.GetRecord(lsn1)
	require.NoError(t, err)
	require.Equal(t, []byte("complete-one"), got)
}

func TestIsEmptyAfterAppendAndTrim(t *testing.T) {
	store := pagestore.NewMemStore()
	log, err := Open(store, 0, testPageSize)
	require.NoError(t, err)
	require.True(t, log.IsEmpty())

	lsn, err := log.AppendRecord([]byte("x"))
	require.NoError(t, err)
	require.False(t, log.IsEmpty())

	end := log.GetEnd()
	require.NoError(t, log.FlushToPoint(end))
	require.NoError(t, log.TrimToPoint(end))
	_ = lsn
	require.True(t, log.IsEmpty())
}
