package db

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"lsmkv/internal/common"
	"lsmkv/internal/manifest"
	"lsmkv/internal/memtable"
	"lsmkv/internal/merge"
	"lsmkv/internal/sstable"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrClosed       = errors.New("db: closed")
	ErrInvalidEntry = errors.New("db: invalid entry")
)

// DB is an LSM key-value store rooted at a single directory.
//
// Writes land in the active memtable only. Flush and Compact are explicit:
// nothing runs in the background.
type DB struct {
	dir      string
	opts     Options
	logger   *zap.Logger
	manifest *manifest.Manifest

	// structMu serializes Flush, Compact and Close.
	structMu sync.Mutex

	// mu guards the fields below and every manifest edit, so readers observe
	// memtables and tables from the same point in time.
	mu       sync.RWMutex
	memtable memtable.Memtable
	frozen   []memtable.Memtable // newest first, written out by the next Flush
	closed   bool
}

// Open opens the store in dir, creating the directory if needed. Tables left
// behind by an interrupted flush or compaction are discarded.
func Open(dir string, optFns ...Option) (*DB, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("dir", dir))

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	m, err := manifest.Recover(dir, logger, sstable.OpenOptions{DisableMmap: opts.DisableMmap})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}

	return &DB{
		dir:      dir,
		opts:     opts,
		logger:   logger,
		manifest: m,
		memtable: memtable.NewMemtable(),
	}, nil
}

func validateEntry(entry *common.Entry) error {
	if entry == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if len(entry.Key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}
	switch entry.Type {
	case common.EntryTypePut:
	case common.EntryTypeDelete:
		if len(entry.Value) > 0 {
			return fmt.Errorf("%w: tombstone for %q carries a value", ErrInvalidEntry, entry.Key)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidEntry, entry.Type)
	}
	return nil
}

// Upsert records entry in the memtable. It never touches disk.
func (d *DB) Upsert(entry *common.Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return d.memtable.Put(entry)
}

func (d *DB) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return d.Upsert(common.NewPut(key, value))
}

func (d *DB) Delete(key []byte) error {
	return d.Upsert(common.NewDelete(key))
}

// view is a consistent set of read sources. Release must be called once.
type view struct {
	memtables []memtable.Memtable // newest first
	version   *manifest.Version
}

func (d *DB) acquireView() (*view, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	mts := make([]memtable.Memtable, 0, 1+len(d.frozen))
	mts = append(mts, d.memtable)
	mts = append(mts, d.frozen...)
	return &view{memtables: mts, version: d.manifest.Acquire()}, nil
}

func (d *DB) releaseView(v *view) {
	if err := d.manifest.Release(v.version); err != nil {
		d.logger.Warn("failed to release tables", zap.Error(err))
	}
}

// Get returns the newest value for key, or ErrNotFound if it was never
// written or its newest entry is a tombstone.
func (d *DB) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNotFound
	}
	v, err := d.acquireView()
	if err != nil {
		return nil, err
	}
	defer d.releaseView(v)

	for i, mt := range v.memtables {
		if entry, ok := mt.Get(key); ok {
			d.logger.Debug("get hit memtable", zap.ByteString("key", key), zap.Int("memtable", i))
			return resolve(entry)
		}
	}

	for _, table := range v.version.Tables {
		entry, found, err := table.Get(key)
		if err != nil {
			return nil, fmt.Errorf("get from generation %d: %w", table.Generation(), err)
		}
		if found {
			d.logger.Debug("get hit table", zap.ByteString("key", key), zap.Uint64("generation", uint64(table.Generation())))
			return resolve(entry)
		}
	}
	return nil, ErrNotFound
}

func resolve(entry *common.Entry) ([]byte, error) {
	if entry.IsTombstone() {
		return nil, ErrNotFound
	}
	return bytes.Clone(entry.Value), nil
}

// Iterator yields live entries in ascending key order from the point in
// time Range was called. It must be closed.
type Iterator struct {
	merged *merge.Iterator
}

var _ common.EntryIterator = (*Iterator)(nil)

// Next returns the next live entry, or nil at the end. The entry is the
// caller's to keep or modify.
func (it *Iterator) Next() (*common.Entry, error) {
	entry, err := it.merged.Next()
	if entry == nil || err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

// Close releases the tables the iterator still holds.
func (it *Iterator) Close() error {
	return it.merged.Close()
}

// memtablePriority ranks memtables above every table generation, newest
// memtable first.
func memtablePriority(i int) uint64 {
	return math.MaxUint64 - uint64(i)
}

// Range returns an iterator over live entries with from <= key < to. An
// empty bound is unbounded.
func (d *DB) Range(from, to []byte) (*Iterator, error) {
	v, err := d.acquireView()
	if err != nil {
		return nil, err
	}
	defer d.releaseView(v)

	sources := make([]merge.Source, 0, len(v.memtables)+len(v.version.Tables))
	for i, mt := range v.memtables {
		sources = append(sources, merge.Source{Iter: mt.Range(from, to), Priority: memtablePriority(i)})
	}
	// Each table iterator holds its own reference, so the view can go.
	for _, table := range v.version.Tables {
		sources = append(sources, merge.Source{Iter: table.Range(from, to), Priority: uint64(table.Generation())})
	}
	return &Iterator{merged: merge.NewIterator(sources)}, nil
}

// NeedsFlush reports whether the memtable has reached the configured flush
// threshold. Callers decide when to act on it.
func (d *DB) NeedsFlush() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.closed && d.memtable.ShouldFlush(d.opts.MemtableFlushThreshold)
}

// rotate moves a non-empty active memtable to the front of the frozen list.
// Must be called with d.mu held.
func (d *DB) rotate() {
	if d.memtable.Len() == 0 {
		return
	}
	d.frozen = append([]memtable.Memtable{d.memtable}, d.frozen...)
	d.memtable = memtable.NewMemtable()
}

// Flush writes all buffered entries to a new SSTable generation. Tombstones
// are kept so they keep shadowing older tables. If the write fails the
// buffered entries stay readable and the next Flush retries them.
func (d *DB) Flush() error {
	d.structMu.Lock()
	defer d.structMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mu.Unlock()
	return d.flush()
}

// flush must be called with d.structMu held.
func (d *DB) flush() error {
	start := time.Now()

	d.mu.Lock()
	d.rotate()
	frozen := d.frozen
	d.mu.Unlock()

	if len(frozen) == 0 {
		return nil
	}

	sources := make([]merge.Source, len(frozen))
	var expected uint64
	for i, mt := range frozen {
		sources[i] = merge.Source{Iter: mt.Iterator(), Priority: memtablePriority(i)}
		expected += uint64(mt.Len())
	}

	gen := d.manifest.NewGeneration()
	table, err := d.writeTable(gen, merge.NewIterator(sources, merge.KeepTombstones()), expected, false)
	if err != nil {
		d.logger.Error("flush failed", zap.Uint64("generation", uint64(gen)), zap.Error(err))
		return fmt.Errorf("flush: %w", err)
	}

	d.mu.Lock()
	err = d.manifest.Apply(&manifest.Edit{AddTables: []*sstable.Table{table}})
	d.frozen = nil
	d.mu.Unlock()

	common.LogDuration(d.logger, start, "flushed memtable",
		zap.Uint64("generation", uint64(gen)),
		zap.Int("memtables", len(frozen)),
		zap.Int("entries", table.Len()),
		zap.Int64("bytes", table.Size()),
	)
	return err
}

// writeTable writes entries as generation gen and opens the result.
func (d *DB) writeTable(gen common.Generation, entries *merge.Iterator, expected uint64, compacted bool) (*sstable.Table, error) {
	defer entries.Close()

	_, err := sstable.Write(d.dir, gen, entries, sstable.WriteOptions{
		ExpectedEntries:   expected,
		FalsePositiveRate: d.opts.BloomFalsePositiveRate,
		Compacted:         compacted,
	})
	if err != nil {
		return nil, err
	}

	table, err := sstable.Open(d.dir, gen, sstable.OpenOptions{DisableMmap: d.opts.DisableMmap})
	if err != nil {
		return nil, errors.Join(err, sstable.Remove(d.dir, gen))
	}
	return table, nil
}

// Compact folds every memtable and table into a single generation, dropping
// tombstones and shadowed values. Replaced tables are deleted once no
// reader holds them. If the write fails the existing tables stay in place.
func (d *DB) Compact() error {
	d.structMu.Lock()
	defer d.structMu.Unlock()
	start := time.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.rotate()
	frozen := d.frozen
	v := d.manifest.Acquire()
	d.mu.Unlock()
	defer func() {
		if err := d.manifest.Release(v); err != nil {
			d.logger.Warn("failed to release compacted tables", zap.Error(err))
		}
	}()

	if len(frozen) == 0 && len(v.Tables) <= 1 {
		return nil
	}

	sources := make([]merge.Source, 0, len(frozen)+len(v.Tables))
	var expected uint64
	var inputBytes int64
	for i, mt := range frozen {
		sources = append(sources, merge.Source{Iter: mt.Iterator(), Priority: memtablePriority(i)})
		expected += uint64(mt.Len())
	}
	for _, table := range v.Tables {
		sources = append(sources, merge.Source{Iter: table.Iterator(), Priority: uint64(table.Generation())})
		expected += uint64(table.Len())
		inputBytes += table.Size()
	}

	gen := d.manifest.NewGeneration()
	table, err := d.writeTable(gen, merge.NewIterator(sources), expected, true)
	if err != nil {
		d.logger.Error("compaction failed", zap.Uint64("generation", uint64(gen)), zap.Error(err))
		return fmt.Errorf("compact: %w", err)
	}

	edit := &manifest.Edit{DeleteTables: make(map[common.Generation]struct{}, len(v.Tables))}
	for _, old := range v.Tables {
		edit.DeleteTables[old.Generation()] = struct{}{}
	}
	// Kept even when empty, since its marker is what retires the replaced
	// generations on recovery.
	edit.AddTables = []*sstable.Table{table}

	d.mu.Lock()
	err = d.manifest.Apply(edit)
	d.frozen = nil
	d.mu.Unlock()

	common.LogDuration(d.logger, start, "compacted",
		zap.Uint64("generation", uint64(gen)),
		zap.Int("input_tables", len(v.Tables)),
		zap.Int("input_memtables", len(frozen)),
		zap.Int("entries", table.Len()),
		zap.Int64("input_bytes", inputBytes),
		zap.Int64("output_bytes", table.Size()),
	)
	return err
}

// Stats describes the store's current shape.
type Stats struct {
	Tables          int
	Generations     []common.Generation // newest first
	NextGeneration  common.Generation
	MemtableEntries int
	MemtableBytes   int64
	FrozenEntries   int
	DiskBytes       int64
}

func (d *DB) Stats() (Stats, error) {
	v, err := d.acquireView()
	if err != nil {
		return Stats{}, err
	}
	defer d.releaseView(v)

	s := Stats{
		Tables:          len(v.version.Tables),
		Generations:     v.version.Generations(),
		NextGeneration:  d.manifest.Current().NextGeneration,
		MemtableEntries: v.memtables[0].Len(),
		MemtableBytes:   v.memtables[0].Size(),
	}
	for _, mt := range v.memtables[1:] {
		s.FrozenEntries += mt.Len()
	}
	for _, t := range v.version.Tables {
		s.DiskBytes += t.Size()
	}
	return s, nil
}

func (d *DB) Dir() string {
	return d.dir
}

// Close flushes buffered entries and releases every table. Writes and reads
// fail with ErrClosed as soon as Close starts. Iterators that are still open
// keep their tables readable until they are closed. If the final flush fails
// the store reopens for use so Close can be retried.
func (d *DB) Close() error {
	d.structMu.Lock()
	defer d.structMu.Unlock()

	// Writers are turned away before the final flush so that every
	// acknowledged write lands in a memtable the flush will see.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if err := d.flush(); err != nil {
		d.mu.Lock()
		d.closed = false
		d.mu.Unlock()
		return err
	}

	d.logger.Info("closed")
	return d.manifest.Close()
}
