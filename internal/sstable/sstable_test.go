package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/internal/common"
	"lsmkv/internal/filter"
)

var openModes = []struct {
	name string
	opts OpenOptions
}{
	{"Mmap", OpenOptions{}},
	{"Pread", OpenOptions{DisableMmap: true}},
}

func writeTable(t *testing.T, dir string, gen common.Generation, entries []*common.Entry) *WriteResult {
	t.Helper()
	result, err := Write(dir, gen, common.NewSliceIterator(entries), WriteOptions{ExpectedEntries: uint64(len(entries))})
	require.NoError(t, err)
	return result
}

func fruitEntries() []*common.Entry {
	return []*common.Entry{
		common.NewPut([]byte("apple"), []byte("red")),
		common.NewPut([]byte("banana"), []byte("yellow")),
		common.NewDelete([]byte("cherry")),
		common.NewPut([]byte("durian"), []byte{}),
		common.NewPut([]byte("elderberry"), []byte("purple")),
	}
}

func TestWriteResult(t *testing.T) {
	dir := t.TempDir()
	result := writeTable(t, dir, 3, fruitEntries())

	require.Equal(t, common.Generation(3), result.Generation)
	require.Equal(t, uint64(5), result.EntryCount)
	require.Equal(t, []byte("apple"), result.SmallestKey)
	require.Equal(t, []byte("elderberry"), result.LargestKey)
	require.Equal(t, uint64(5*offsetSize), result.IndexBytes)
	require.Greater(t, result.FilterBytes, uint64(0))

	stat, err := os.Stat(common.DataPath(dir, 3))
	require.NoError(t, err)
	require.Equal(t, int64(result.DataBytes), stat.Size())
}

func TestWriteFileFormat(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, []*common.Entry{
		common.NewPut([]byte("a"), []byte("xy")),
		common.NewDelete([]byte("b")),
	})

	data, err := os.ReadFile(common.DataPath(dir, 1))
	require.NoError(t, err)
	require.Equal(t, []byte{
		markerComplete,
		0, 1, 0, 0, 0, 'a', 2, 0, 0, 0, 'x', 'y',
		1, 1, 0, 0, 0, 'b',
	}, data)

	index, err := os.ReadFile(common.IndexPath(dir, 1))
	require.NoError(t, err)
	require.Len(t, index, 2*offsetSize)
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(index[0:8]))
	require.Equal(t, uint64(13), binary.LittleEndian.Uint64(index[8:16]))
}

func TestTableGet(t *testing.T) {
	for _, mode := range openModes {
		t.Run(mode.name, func(t *testing.T) {
			dir := t.TempDir()
			entries := fruitEntries()
			writeTable(t, dir, 1, entries)

			table, err := Open(dir, 1, mode.opts)
			require.NoError(t, err)
			defer table.Close()

			require.Equal(t, 5, table.Len())
			require.Equal(t, []byte("apple"), table.SmallestKey())
			require.Equal(t, []byte("elderberry"), table.LargestKey())

			for _, expected := range entries {
				entry, found, err := table.Get(expected.Key)
				require.NoError(t, err)
				require.True(t, found, "key %s should be found", expected.Key)
				require.True(t, common.EntriesEqual(expected, entry))
			}

			tomb, found, err := table.Get([]byte("cherry"))
			require.NoError(t, err)
			require.True(t, found)
			require.True(t, tomb.IsTombstone())

			empty, found, err := table.Get([]byte("durian"))
			require.NoError(t, err)
			require.True(t, found)
			require.False(t, empty.IsTombstone())
			require.NotNil(t, empty.Value)

			for _, key := range []string{"aaa", "apricot", "blueberry", "zucchini"} {
				entry, found, err := table.Get([]byte(key))
				require.NoError(t, err)
				require.False(t, found, "key %s should not be found", key)
				require.Nil(t, entry)
			}
		})
	}
}

func TestTableGetManyEntries(t *testing.T) {
	dir := t.TempDir()
	const n = 2000
	entries := make([]*common.Entry, n)
	for i := range entries {
		entries[i] = common.NewPut([]byte(fmt.Sprintf("key%06d", i)), []byte(fmt.Sprintf("value%d", i)))
	}
	writeTable(t, dir, 1, entries)

	table, err := Open(dir, 1, OpenOptions{})
	require.NoError(t, err)
	defer table.Close()

	for _, i := range []int{0, 1, n / 3, n / 2, n - 2, n - 1} {
		entry, found, err := table.Get(entries[i].Key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, entries[i].Value, entry.Value)
	}

	stats, ok := filter.Describe(table.Filter())
	require.True(t, ok)
	require.Greater(t, stats.SetBits, uint64(0))
}

func TestTableRange(t *testing.T) {
	dir := t.TempDir()
	var entries []*common.Entry
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		entries = append(entries, common.NewPut([]byte(k), []byte("v"+k)))
	}
	writeTable(t, dir, 1, entries)

	table, err := Open(dir, 1, OpenOptions{})
	require.NoError(t, err)
	defer table.Close()

	tests := []struct {
		name     string
		from, to string
		want     []string
	}{
		{"Unbounded", "", "", []string{"a", "b", "c", "d", "e"}},
		{"HalfOpen", "b", "d", []string{"b", "c"}},
		{"FromOnly", "d", "", []string{"d", "e"}},
		{"ToOnly", "", "b", []string{"a"}},
		{"BoundsBetweenKeys", "aa", "cc", []string{"b", "c"}},
		{"BeforeAll", "", "a", nil},
		{"AfterAll", "f", "", nil},
		{"Inverted", "d", "b", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := common.Drain(table.Range([]byte(tt.from), []byte(tt.to)))
			require.NoError(t, err)
			var keys []string
			for _, e := range got {
				keys = append(keys, string(e.Key))
				require.Equal(t, "v"+string(e.Key), string(e.Value))
			}
			require.Equal(t, tt.want, keys)
		})
	}
}

func TestEmptyTable(t *testing.T) {
	dir := t.TempDir()
	result := writeTable(t, dir, 9, nil)
	require.Equal(t, uint64(0), result.EntryCount)
	require.Equal(t, uint64(headerSize), result.DataBytes)

	table, err := Open(dir, 9, OpenOptions{})
	require.NoError(t, err)
	defer table.Close()

	require.Equal(t, 0, table.Len())
	_, found, err := table.Get([]byte("x"))
	require.NoError(t, err)
	require.False(t, found)
	common.RequireMatchesIterator(t, table.Iterator(), nil)
}

func TestWriteRejectsUnsortedInput(t *testing.T) {
	tests := []struct {
		name    string
		entries []*common.Entry
	}{
		{"Descending", []*common.Entry{
			common.NewPut([]byte("b"), []byte("1")),
			common.NewPut([]byte("a"), []byte("2")),
		}},
		{"Duplicate", []*common.Entry{
			common.NewPut([]byte("a"), []byte("1")),
			common.NewDelete([]byte("a")),
		}},
		{"EmptyKey", []*common.Entry{
			common.NewPut(nil, []byte("1")),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Write(dir, 1, common.NewSliceIterator(tt.entries), WriteOptions{})
			require.ErrorIs(t, err, ErrUnsorted)

			files, err := os.ReadDir(dir)
			require.NoError(t, err)
			require.Empty(t, files, "failed write must not leave files behind")
		})
	}
}

type failingIterator struct {
	entries []*common.Entry
	err     error
}

func (it *failingIterator) Next() (*common.Entry, error) {
	if len(it.entries) == 0 {
		return nil, it.err
	}
	e := it.entries[0]
	it.entries = it.entries[1:]
	return e, nil
}

func TestWritePropagatesSourceError(t *testing.T) {
	dir := t.TempDir()
	boom := fmt.Errorf("boom")
	_, err := Write(dir, 1, &failingIterator{entries: fruitEntries()[:2], err: boom}, WriteOptions{})
	require.ErrorIs(t, err, boom)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, files)
}

func setMarker(t *testing.T, dir string, gen common.Generation, marker byte) {
	t.Helper()
	f, err := os.OpenFile(common.DataPath(dir, gen), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{marker}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func truncateBy(t *testing.T, path string, n int64) {
	t.Helper()
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-n))
}

func TestOpenIncompleteTable(t *testing.T) {
	// Each case leaves the files the way a crash at some point of Write would.
	tests := []struct {
		name string
		tear func(t *testing.T, dir string)
	}{
		{"MarkerUnset", func(t *testing.T, dir string) {
			setMarker(t, dir, 1, markerIncomplete)
		}},
		{"EmptyFiles", func(t *testing.T, dir string) {
			require.NoError(t, os.Truncate(common.DataPath(dir, 1), 0))
			require.NoError(t, os.Truncate(common.IndexPath(dir, 1), 0))
			require.NoError(t, os.Remove(common.FilterPath(dir, 1)))
		}},
		{"MarkerOnly", func(t *testing.T, dir string) {
			setMarker(t, dir, 1, markerIncomplete)
			require.NoError(t, os.Truncate(common.DataPath(dir, 1), headerSize))
			require.NoError(t, os.Truncate(common.IndexPath(dir, 1), 0))
			require.NoError(t, os.Remove(common.FilterPath(dir, 1)))
		}},
		{"TruncatedData", func(t *testing.T, dir string) {
			setMarker(t, dir, 1, markerIncomplete)
			truncateBy(t, common.DataPath(dir, 1), 5)
		}},
		{"PartialIndex", func(t *testing.T, dir string) {
			setMarker(t, dir, 1, markerIncomplete)
			truncateBy(t, common.IndexPath(dir, 1), 3)
		}},
		{"MissingFilter", func(t *testing.T, dir string) {
			setMarker(t, dir, 1, markerIncomplete)
			require.NoError(t, os.Remove(common.FilterPath(dir, 1)))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTable(t, dir, 1, fruitEntries())
			tt.tear(t, dir)

			for _, mode := range openModes {
				_, err := Open(dir, 1, mode.opts)
				require.ErrorIs(t, err, ErrIncomplete, mode.name)
				require.ErrorIs(t, err, ErrCorrupted, mode.name)
			}

			info, err := Inspect(dir, 1)
			require.NoError(t, err)
			require.Equal(t, "incomplete", info.State)
		})
	}
}

func TestOpenCorruptedTable(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{"TruncatedData", func(t *testing.T, dir string) {
			path := common.DataPath(dir, 1)
			stat, err := os.Stat(path)
			require.NoError(t, err)
			require.NoError(t, os.Truncate(path, stat.Size()-2))
		}},
		{"PartialIndexEntry", func(t *testing.T, dir string) {
			path := common.IndexPath(dir, 1)
			stat, err := os.Stat(path)
			require.NoError(t, err)
			require.NoError(t, os.Truncate(path, stat.Size()-3))
		}},
		{"MissingIndexEntry", func(t *testing.T, dir string) {
			path := common.IndexPath(dir, 1)
			stat, err := os.Stat(path)
			require.NoError(t, err)
			require.NoError(t, os.Truncate(path, stat.Size()-offsetSize))
		}},
		{"OffsetPastEnd", func(t *testing.T, dir string) {
			f, err := os.OpenFile(common.IndexPath(dir, 1), os.O_WRONLY, 0)
			require.NoError(t, err)
			var buf [offsetSize]byte
			binary.LittleEndian.PutUint64(buf[:], 1<<40)
			_, err = f.WriteAt(buf[:], offsetSize)
			require.NoError(t, err)
			require.NoError(t, f.Close())
		}},
		{"UnknownMarker", func(t *testing.T, dir string) {
			f, err := os.OpenFile(common.DataPath(dir, 1), os.O_WRONLY, 0)
			require.NoError(t, err)
			_, err = f.WriteAt([]byte{7}, 0)
			require.NoError(t, err)
			require.NoError(t, f.Close())
		}},
		{"GarbledFilter", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(common.FilterPath(dir, 1), []byte{1, 2}, 0o644))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTable(t, dir, 1, fruitEntries())
			tt.corrupt(t, dir)

			_, err := Open(dir, 1, OpenOptions{})
			require.ErrorIs(t, err, ErrCorrupted)
			require.NotErrorIs(t, err, ErrIncomplete)
		})
	}
}

func TestOpenWithoutFilter(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, fruitEntries())
	require.NoError(t, os.Remove(common.FilterPath(dir, 1)))

	table, err := Open(dir, 1, OpenOptions{})
	require.NoError(t, err)
	defer table.Close()

	_, ok := filter.Describe(table.Filter())
	require.False(t, ok)

	entry, found, err := table.Get([]byte("banana"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("yellow"), entry.Value)
}

func TestIteratorKeepsTableAlive(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, fruitEntries())

	table, err := Open(dir, 1, OpenOptions{})
	require.NoError(t, err)

	it := table.Iterator()
	first, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("apple"), first.Key)

	table.MarkObsolete()
	require.NoError(t, table.Close())

	// The owner is gone but the iterator still holds a reference.
	_, err = os.Stat(common.DataPath(dir, 1))
	require.NoError(t, err)
	rest, err := common.Drain(it)
	require.NoError(t, err)
	require.Len(t, rest, 4)

	// Exhausting the iterator dropped the last reference.
	for _, path := range table.Paths() {
		_, err = os.Stat(path)
		require.True(t, os.IsNotExist(err), "%s should be deleted", path)
	}
	require.False(t, table.Ref())

	_, _, err = table.Get([]byte("apple"))
	require.ErrorIs(t, err, ErrClosed)

	_, err = table.Iterator().Next()
	require.ErrorIs(t, err, ErrClosed)
}

func TestIteratorCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, fruitEntries())

	table, err := Open(dir, 1, OpenOptions{})
	require.NoError(t, err)

	it := table.Range([]byte("b"), nil)
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())

	entry, err := it.Next()
	require.NoError(t, err)
	require.Nil(t, entry)

	require.NoError(t, table.Close())
	require.Panics(t, func() { table.Unref() })
}

func TestRemoveGeneration(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 4, fruitEntries())
	require.NoError(t, Remove(dir, 4))
	require.NoError(t, Remove(dir, 4))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestCompactedMarker(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, fruitEntries())
	_, err := Write(dir, 2, common.NewSliceIterator(fruitEntries()), WriteOptions{Compacted: true})
	require.NoError(t, err)

	data, err := os.ReadFile(common.DataPath(dir, 2))
	require.NoError(t, err)
	require.Equal(t, markerCompacted, data[0])

	plain, err := Open(dir, 1, OpenOptions{})
	require.NoError(t, err)
	defer plain.Close()
	require.False(t, plain.Compacted())

	compacted, err := Open(dir, 2, OpenOptions{})
	require.NoError(t, err)
	defer compacted.Close()
	require.True(t, compacted.Compacted())
	common.RequireMatchesIterator(t, compacted.Iterator(), fruitEntries())
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	result := writeTable(t, dir, 1, fruitEntries())

	info, err := Inspect(dir, 1)
	require.NoError(t, err)
	require.Equal(t, "complete", info.State)
	require.Equal(t, 5, info.Entries)
	require.Equal(t, int64(result.DataBytes), info.DataBytes)
	require.Equal(t, int64(result.IndexBytes), info.IndexBytes)
	require.Equal(t, []byte("apple"), info.SmallestKey)
	require.Equal(t, []byte("elderberry"), info.LargestKey)
	require.Equal(t, 1, info.Tombstones)
	require.True(t, info.HasFilter)

	setMarker(t, dir, 1, markerIncomplete)

	info, err = Inspect(dir, 1)
	require.NoError(t, err)
	require.Equal(t, "incomplete", info.State)
	require.Equal(t, 0, info.Entries)

	require.NoError(t, os.Truncate(common.IndexPath(dir, 1), 3))
	setMarker(t, dir, 1, markerComplete)

	info, err = Inspect(dir, 1)
	require.ErrorIs(t, err, ErrCorrupted)
	require.Equal(t, "complete", info.State)

	_, err = Inspect(dir, 2)
	require.True(t, os.IsNotExist(err))
}

func TestInspectChecksEveryRecord(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, []*common.Entry{
		common.NewPut([]byte("a"), []byte("1")),
		common.NewPut([]byte("c"), []byte("2")),
		common.NewPut([]byte("e"), []byte("3")),
	})

	// Rewrite the middle key in place. Open only checks the outer records.
	data, err := os.ReadFile(common.DataPath(dir, 1))
	require.NoError(t, err)
	pos := bytes.IndexByte(data, 'c')
	require.Positive(t, pos)
	data[pos] = 'z'
	require.NoError(t, os.WriteFile(common.DataPath(dir, 1), data, 0o644))

	table, err := Open(dir, 1, OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, table.Close())

	info, err := Inspect(dir, 1)
	require.ErrorIs(t, err, ErrCorrupted)
	require.ErrorContains(t, err, "record 2")
	require.Equal(t, 3, info.Entries)
}
