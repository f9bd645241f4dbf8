package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lsmkv/internal/common"
	"lsmkv/internal/sstable"
)

func writeGeneration(t *testing.T, dir string, gen common.Generation, keys ...string) {
	t.Helper()
	entries := make([]*common.Entry, len(keys))
	for i, k := range keys {
		entries[i] = common.NewPut([]byte(k), []byte(fmt.Sprintf("%s@%d", k, gen)))
	}
	_, err := sstable.Write(dir, gen, common.NewSliceIterator(entries), sstable.WriteOptions{})
	require.NoError(t, err)
}

func openGeneration(t *testing.T, dir string, gen common.Generation, keys ...string) *sstable.Table {
	t.Helper()
	writeGeneration(t, dir, gen, keys...)
	table, err := sstable.Open(dir, gen, sstable.OpenOptions{})
	require.NoError(t, err)
	return table
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNewManifest(t *testing.T) {
	m := New(1, nil)
	v := m.Current()
	require.NotNil(t, v)
	require.Empty(t, v.Tables)
	require.Equal(t, common.Generation(1), v.NextGeneration)
}

func TestNewGeneration(t *testing.T) {
	m := New(5, nil)
	before := m.Current()

	require.Equal(t, common.Generation(5), m.NewGeneration())
	require.Equal(t, common.Generation(6), m.NewGeneration())
	require.Equal(t, common.Generation(7), m.Current().NextGeneration)

	// Published versions are never mutated.
	require.Equal(t, common.Generation(5), before.NextGeneration)
}

func TestApplyEdit(t *testing.T) {
	dir := t.TempDir()
	m := New(1, nil)

	require.NoError(t, m.Apply(&Edit{AddTables: []*sstable.Table{
		openGeneration(t, dir, 1, "a"),
		openGeneration(t, dir, 3, "c"),
		openGeneration(t, dir, 2, "b"),
	}}))

	v := m.Current()
	require.Equal(t, []common.Generation{3, 2, 1}, v.Generations())
	require.Equal(t, common.Generation(4), v.NextGeneration)

	require.NoError(t, m.Apply(&Edit{
		AddTables:    []*sstable.Table{openGeneration(t, dir, 4, "a", "b", "c")},
		DeleteTables: map[common.Generation]struct{}{1: {}, 3: {}},
	}))

	require.Equal(t, []common.Generation{4, 2}, m.Current().Generations())
	require.Equal(t, []common.Generation{3, 2, 1}, v.Generations(), "old snapshot unchanged")

	// Nobody else held the deleted tables, so their files are gone.
	require.False(t, fileExists(common.DataPath(dir, 1)))
	require.False(t, fileExists(common.DataPath(dir, 3)))
	require.True(t, fileExists(common.DataPath(dir, 2)))

	require.NoError(t, m.Close())
	require.Empty(t, m.Current().Tables)
	require.True(t, fileExists(common.DataPath(dir, 4)), "close must not delete live tables")
}

func TestAcquireDefersDeletion(t *testing.T) {
	dir := t.TempDir()
	m := New(1, nil)
	require.NoError(t, m.Apply(&Edit{AddTables: []*sstable.Table{openGeneration(t, dir, 1, "k")}}))

	snapshot := m.Acquire()
	require.NoError(t, m.Apply(&Edit{DeleteTables: map[common.Generation]struct{}{1: {}}}))
	require.Empty(t, m.Current().Tables)

	// The snapshot can still read the table.
	entry, found, err := snapshot.Tables[0].Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("k@1"), entry.Value)
	require.True(t, fileExists(common.DataPath(dir, 1)))

	require.NoError(t, m.Release(snapshot))
	require.False(t, fileExists(common.DataPath(dir, 1)))
	require.False(t, fileExists(common.IndexPath(dir, 1)))
	require.False(t, fileExists(common.FilterPath(dir, 1)))
}

func TestRecoverEmptyDir(t *testing.T) {
	m, err := Recover(t.TempDir(), nil, sstable.OpenOptions{})
	require.NoError(t, err)
	require.Empty(t, m.Current().Tables)
	require.Equal(t, common.Generation(1), m.Current().NextGeneration)
}

func TestRecover(t *testing.T) {
	dir := t.TempDir()
	for gen := common.Generation(1); gen <= 12; gen++ {
		writeGeneration(t, dir, gen, fmt.Sprintf("key%02d", gen))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	m, err := Recover(dir, nil, sstable.OpenOptions{})
	require.NoError(t, err)
	defer m.Close()

	v := m.Current()
	require.Equal(t, []common.Generation{12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, v.Generations())
	require.Equal(t, common.Generation(13), v.NextGeneration)
	require.True(t, fileExists(filepath.Join(dir, "notes.txt")))
}

func TestRecoverDiscardsUnfinishedTables(t *testing.T) {
	dir := t.TempDir()
	writeGeneration(t, dir, 1, "a")
	writeGeneration(t, dir, 2, "b")
	writeGeneration(t, dir, 3, "c")
	writeGeneration(t, dir, 4, "d")
	writeGeneration(t, dir, 5, "e")

	// Generation 3 crashed before its marker was set.
	f, err := os.OpenFile(common.DataPath(dir, 3), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Generation 4 crashed before its index was created.
	require.NoError(t, os.Remove(common.IndexPath(dir, 4)))

	// Generation 5 crashed with nothing synced yet.
	require.NoError(t, os.Truncate(common.DataPath(dir, 5), 0))
	require.NoError(t, os.Truncate(common.IndexPath(dir, 5), 0))
	require.NoError(t, os.Remove(common.FilterPath(dir, 5)))

	core, logs := observer.New(zapcore.WarnLevel)
	m, err := Recover(dir, zap.New(core), sstable.OpenOptions{})
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, []common.Generation{2, 1}, m.Current().Generations())
	require.Equal(t, common.Generation(6), m.Current().NextGeneration)

	for _, gen := range []common.Generation{3, 4, 5} {
		require.False(t, fileExists(common.DataPath(dir, gen)))
		require.False(t, fileExists(common.IndexPath(dir, gen)))
		require.False(t, fileExists(common.FilterPath(dir, gen)))
	}
	require.Equal(t, 2, logs.FilterMessage("discarding incomplete table").Len())
	require.Equal(t, 1, logs.FilterMessage("discarding partial table").Len())
}

func TestRecoverFailsOnCorruption(t *testing.T) {
	dir := t.TempDir()
	writeGeneration(t, dir, 1, "a", "b")
	writeGeneration(t, dir, 2, "c", "d")

	path := common.IndexPath(dir, 2)
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-1))

	_, err = Recover(dir, nil, sstable.OpenOptions{})
	require.ErrorIs(t, err, sstable.ErrCorrupted)
	require.True(t, fileExists(common.DataPath(dir, 2)), "corrupted tables are left for inspection")
}

func TestRecoverDiscardsSupersededTables(t *testing.T) {
	dir := t.TempDir()
	writeGeneration(t, dir, 1, "a", "gone")
	writeGeneration(t, dir, 2, "b")

	// Generation 3 is a compaction of 1 and 2 that dropped "gone"; the crash
	// happened before the inputs were deleted.
	_, err := sstable.Write(dir, 3, common.NewSliceIterator([]*common.Entry{
		common.NewPut([]byte("a"), []byte("a@1")),
		common.NewPut([]byte("b"), []byte("b@2")),
	}), sstable.WriteOptions{Compacted: true})
	require.NoError(t, err)
	writeGeneration(t, dir, 4, "c")

	core, logs := observer.New(zapcore.WarnLevel)
	m, err := Recover(dir, zap.New(core), sstable.OpenOptions{})
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, []common.Generation{4, 3}, m.Current().Generations())
	require.Equal(t, common.Generation(5), m.Current().NextGeneration)
	require.Equal(t, 2, logs.FilterMessage("discarding superseded table").Len())
	for _, gen := range []common.Generation{1, 2} {
		require.False(t, fileExists(common.DataPath(dir, gen)))
		require.False(t, fileExists(common.IndexPath(dir, gen)))
	}
}
