package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvstore/kvstore/kverrors"
	"github.com/kvstore/kvstore/pagestore"
)

func newTestDB(t *testing.T) *DB {
	store := pagestore.NewMemStore()
	db, err := Open(store, DefaultNamespaces(), DefaultOptions())
	require.NoError(t, err)
	return db
}

func TestSetGetCommitRoundTrips(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	tx2 := db.Begin()
	v, found, err := tx2.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)
	require.NoError(t, tx2.Commit())
}

func TestDeleteRemovesKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	tx2 := db.Begin()
	require.NoError(t, tx2.Delete(ctx, []byte("a")))
	require.NoError(t, tx2.Commit())

	tx3 := db.Begin()
	_, found, err := tx3.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx3.Commit())
}

func TestRollbackUndoesSet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Rollback())

	tx2 := db.Begin()
	_, found, err := tx2.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx2.Commit())
}

func TestOperationsAfterCommitOrRollbackFail(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Commit())
	_, _, err := tx.Get(ctx, []byte("a"))
	require.Error(t, err)

	tx2 := db.Begin()
	require.NoError(t, tx2.Rollback())
	err = tx2.Set(ctx, []byte("a"), []byte("1"))
	require.Error(t, err)
}

func TestNextWalksKeysInOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	for _, k := range []string{"b", "d", "a", "c"} {
		require.NoError(t, tx.Set(ctx, []byte(k), []byte(k+k)))
	}
	require.NoError(t, tx.Commit())

	tx2 := db.Begin()
	var seen []string
	from := []byte(nil)
	for {
		k, v, found, err := tx2.Next(ctx, from)
		require.NoError(t, err)
		if !found {
			break
		}
		require.Equal(t, string(k)+string(k), string(v))
		seen = append(seen, string(k))
		from = append(append([]byte{}, k...), 0)
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, seen)
	require.NoError(t, tx2.Commit())
}

func TestFindReturnsSameResultAsGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Set(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())

	tx2 := db.Begin()
	v, found, err := tx2.Find(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, tx2.Commit())
}

func TestConcurrentSetsOnDisjointKeysDoNotBlock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	const n = 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			tx := db.Begin()
			err := tx.Set(ctx, []byte(fmt.Sprintf("key-%03d", i)), []byte("v"))
			if err != nil {
				done <- err
				return
			}
			done <- tx.Commit()
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}

	tx := db.Begin()
	for i := 0; i < n; i++ {
		_, found, err := tx.Get(ctx, []byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.True(t, found)
	}
	require.NoError(t, tx.Commit())
}

// TestDeadlockIsBrokenByBreakDeadlocks reproduces the spec's canonical
// deadlock: tx1 holds "a" and blocks wanting "b"; tx2 holds "b" and
// blocks wanting "a". A round of BreakDeadlocks must abort one of them so
// the other can proceed.
func TestDeadlockIsBrokenByBreakDeadlocks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx1 := db.Begin()
	tx2 := db.Begin()

	require.NoError(t, tx1.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx2.Set(ctx, []byte("b"), []byte("1")))

	blocked1 := make(chan error, 1)
	blocked2 := make(chan error, 1)
	go func() { blocked1 <- tx1.Set(ctx, []byte("b"), []byte("2")) }()
	go func() { blocked2 <- tx2.Set(ctx, []byte("a"), []byte("2")) }()

	time.Sleep(30 * time.Millisecond)

	victims := db.BreakDeadlocks()
	require.NotEmpty(t, victims)

	select {
	case err := <-blocked1:
		require.NoError(t, err)
		require.NoError(t, tx1.Commit())
	case err := <-blocked2:
		require.NoError(t, err)
		require.NoError(t, tx2.Commit())
	case <-time.After(time.Second):
		t.Fatal("neither transaction completed after breaking the deadlock")
	}
}

func TestAbortedTransactionReportsKverrorsAborted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Set(ctx, []byte("a"), []byte("1")))

	// Exercises the same path db.BreakDeadlocks takes for a real victim,
	// without needing to engineer actual lock contention here.
	require.NoError(t, tx.abort("deadlock victim"))

	_, _, err := tx.Get(ctx, []byte("a"))
	require.Error(t, err)
	require.True(t, kverrors.IsAborted(err))
}

// TestSetGetRoundTripsLargeValuesAtDefaultVidLen exercises the default
// MaxVidLen:512 config (rather than the tiny lengths most tests use) with
// values that land past the inline/chained boundary: one past 255 bytes
// (where a 1-byte length would have wrapped) and one past the inline
// capacity entirely, forcing a chained VID.
func TestSetGetRoundTripsLargeValuesAtDefaultVidLen(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mkVal := func(n int, seed byte) []byte {
		v := make([]byte, n)
		for i := range v {
			v[i] = byte(i) + seed
		}
		return v
	}

	inlineLarge := mkVal(300, 1)  // past a 1-byte length's 255-byte wrap point
	chained := mkVal(600, 2)      // past inlineCapacity (maxVidLen-2 = 510)

	tx := db.Begin()
	require.NoError(t, tx.Set(ctx, []byte("inline-large"), inlineLarge))
	require.NoError(t, tx.Set(ctx, []byte("chained"), chained))
	require.NoError(t, tx.Commit())

	tx2 := db.Begin()
	v, found, err := tx2.Get(ctx, []byte("inline-large"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, inlineLarge, v)

	v, found, err = tx2.Get(ctx, []byte("chained"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, chained, v)
	require.NoError(t, tx2.Commit())

	// Delete must unwind the chained VID's record chain cleanly too.
	tx3 := db.Begin()
	require.NoError(t, tx3.Delete(ctx, []byte("chained")))
	require.NoError(t, tx3.Commit())

	tx4 := db.Begin()
	_, found, err = tx4.Get(ctx, []byte("chained"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx4.Commit())
}

func TestReapIdleAbortsTransactionsOlderThanTimeout(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	tx.began = time.Now().Add(-time.Hour)
	require.NoError(t, tx.Set(ctx, []byte("a"), []byte("1")))

	fresh := db.Begin()
	require.NoError(t, fresh.Set(ctx, []byte("b"), []byte("1")))

	reaped := db.ReapIdle(time.Minute)
	require.ElementsMatch(t, []uint32{tx.id}, reaped)

	_, _, err := tx.Get(ctx, []byte("a"))
	require.Error(t, err)
	require.True(t, kverrors.IsAborted(err))

	require.NoError(t, fresh.Commit())
}
