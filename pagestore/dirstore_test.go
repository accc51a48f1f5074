package pagestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirStoreCreateReadWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDirStore(dir)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Exists(1, 5)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Create(1, 5, []byte("hello")))
	data, ok, err := s.Read(1, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	require.NoError(t, s.Write(1, 5, []byte("world!!")))
	data, ok, err = s.Read(1, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("world!!"), data)

	require.NoError(t, s.Delete(1, 5))
	_, ok, err = s.Read(1, 5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDirStoreAppend(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDirStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateOpen(0, 0))
	require.True(t, s.CanAppend(0, 0))
	require.NoError(t, s.Append(0, 0, []byte("abc")))
	require.NoError(t, s.Append(0, 0, []byte("def")))
	require.NoError(t, s.CloseAppend(0, 0))
	require.False(t, s.CanAppend(0, 0))

	data, ok, err := s.Read(0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("abcdef"), data)
}

func TestDirStoreCrashRecoveryDiscardsStaleNew(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDirStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Create(2, 1, []byte("orig")))
	require.NoError(t, s.Close())

	// Simulate a crash mid-write: a "_NEW" side file exists but the
	// rename over main never happened, and main still holds "orig".
	auxPath := filepath.Join(dir, "_", "2_1_NEW")
	require.NoError(t, os.WriteFile(auxPath, withChecksum([]byte("newer")), 0o644))

	s2, err := OpenDirStore(dir)
	require.NoError(t, err)
	defer s2.Close()
	// main already existed, so the stale _NEW must be discarded, not
	// promoted (§4.1).
	data, ok, err := s2.Read(2, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("orig"), data)
	_, err = os.Stat(auxPath)
	require.True(t, os.IsNotExist(err))
}

func TestDirStoreCrashRecoveryPromotesWhenMainMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "_"), 0o755))
	auxPath := filepath.Join(dir, "_", "3_7_NEW")
	require.NoError(t, os.WriteFile(auxPath, withChecksum([]byte("promoted")), 0o644))

	s, err := OpenDirStore(dir)
	require.NoError(t, err)
	defer s.Close()

	data, ok, err := s.Read(3, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("promoted"), data)
}

func TestDirStoreListPagesAndStores(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDirStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Create(1, 0, []byte("a")))
	require.NoError(t, s.Create(1, 3, []byte("b")))
	require.NoError(t, s.Create(2, 0, []byte("c")))

	pages, err := s.ListPages(1)
	require.NoError(t, err)
	require.Equal(t, map[PageNum]bool{0: true, 3: true}, pages)

	stores, err := s.ListStores()
	require.NoError(t, err)
	require.True(t, stores[1])
	require.True(t, stores[2])
}
