package manifest

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"lsmkv/internal/common"
	"lsmkv/internal/sstable"
)

// openParallelism bounds concurrent table opens during recovery.
const openParallelism = 8

// Version is an immutable snapshot of the store's on-disk structure.
type Version struct {
	// Tables ordered newest generation first.
	Tables []*sstable.Table

	// Next generation to allocate for a new SSTable.
	NextGeneration common.Generation
}

// Generations lists the table generations, newest first.
func (v *Version) Generations() []common.Generation {
	gens := make([]common.Generation, len(v.Tables))
	for i, t := range v.Tables {
		gens[i] = t.Generation()
	}
	return gens
}

// Edit describes an atomic change to the manifest.
type Edit struct {
	AddTables    []*sstable.Table
	DeleteTables map[common.Generation]struct{}
}

// Manifest tracks the live set of SSTables with snapshot isolation.
//
// Every table in the current version carries one reference owned by the
// manifest. Readers that outlive a structural change take their own
// references through Acquire; a table removed by Apply is deleted from disk
// only once the last of those is released.
type Manifest struct {
	mu      sync.RWMutex
	current *Version
	logger  *zap.Logger
}

// New returns an empty manifest whose first generation is next.
func New(next common.Generation, logger *zap.Logger) *Manifest {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manifest{
		current: &Version{NextGeneration: next},
		logger:  logger,
	}
}

// Current returns the current version. Its tables are only guaranteed to
// stay open while the caller prevents concurrent Apply calls; use Acquire
// otherwise.
func (m *Manifest) Current() *Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Acquire returns the current version with a reference taken on every
// table. The caller must pass it to Release.
func (m *Manifest) Acquire() *Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.current.Tables {
		if !t.Ref() {
			panic(fmt.Sprintf("manifest: live generation %d already released", t.Generation()))
		}
	}
	return m.current
}

// Release drops the references taken by Acquire.
func (m *Manifest) Release(v *Version) error {
	var errs []error
	for _, t := range v.Tables {
		errs = append(errs, t.Unref())
	}
	return errors.Join(errs...)
}

// NewGeneration allocates a generation number for a table about to be
// written.
func (m *Manifest) NewGeneration() common.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.deepCopy(m.current)
	gen := v.NextGeneration
	v.NextGeneration++
	m.current = v
	return gen
}

// Apply atomically publishes a new version. Added tables hand their
// opener's reference to the manifest. Deleted tables are marked obsolete and
// unreferenced once the new version is visible.
func (m *Manifest) Apply(edit *Edit) error {
	m.mu.Lock()

	newVersion := m.deepCopy(m.current)

	var removed []*sstable.Table
	if len(edit.DeleteTables) > 0 {
		kept := newVersion.Tables[:0]
		for _, t := range newVersion.Tables {
			if _, deleted := edit.DeleteTables[t.Generation()]; deleted {
				removed = append(removed, t)
				continue
			}
			kept = append(kept, t)
		}
		newVersion.Tables = kept
	}

	for _, t := range edit.AddTables {
		newVersion.Tables = append(newVersion.Tables, t)
		if t.Generation() >= newVersion.NextGeneration {
			newVersion.NextGeneration = t.Generation() + 1
		}
	}
	sortNewestFirst(newVersion.Tables)

	m.current = newVersion
	m.mu.Unlock()

	var errs []error
	for _, t := range removed {
		t.MarkObsolete()
		errs = append(errs, t.Unref())
		m.logger.Debug("table released", zap.Uint64("generation", uint64(t.Generation())))
	}
	return errors.Join(errs...)
}

// Close drops the manifest's reference on every table. Tables still held
// by readers stay open until they are released.
func (m *Manifest) Close() error {
	m.mu.Lock()
	v := m.current
	m.current = &Version{NextGeneration: v.NextGeneration}
	m.mu.Unlock()

	var errs []error
	for _, t := range v.Tables {
		errs = append(errs, t.Unref())
	}
	return errors.Join(errs...)
}

func (m *Manifest) deepCopy(v *Version) *Version {
	newVersion := &Version{
		Tables:         make([]*sstable.Table, len(v.Tables)),
		NextGeneration: v.NextGeneration,
	}
	copy(newVersion.Tables, v.Tables)
	return newVersion
}

func sortNewestFirst(tables []*sstable.Table) {
	slices.SortFunc(tables, func(a, b *sstable.Table) int {
		return cmp.Compare(b.Generation(), a.Generation())
	})
}

// Recover rebuilds the manifest from the table files in dir.
//
// Generations whose write never completed, that lack a data or index file,
// or that are older than the newest compacted table are deleted with a
// warning. Any other inconsistency fails recovery: serving a damaged table
// could return wrong answers. NextGeneration is greater than every
// generation found, discarded ones included.
func Recover(dir string, logger *zap.Logger, opts sstable.OpenOptions) (*Manifest, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	files := make(map[common.Generation]map[string]bool)
	var maxGen common.Generation
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		gen, ext, ok := common.ParseGenerationFile(de.Name())
		if !ok {
			logger.Debug("ignoring unrelated file", zap.String("name", de.Name()))
			continue
		}
		if files[gen] == nil {
			files[gen] = make(map[string]bool)
		}
		files[gen][ext] = true
		if gen > maxGen {
			maxGen = gen
		}
	}

	var candidates []common.Generation
	var discard []common.Generation
	for gen, exts := range files {
		if exts[common.DataExt] && exts[common.IndexExt] {
			candidates = append(candidates, gen)
			continue
		}
		logger.Warn("discarding partial table", zap.Uint64("generation", uint64(gen)))
		discard = append(discard, gen)
	}

	opened := make([]*sstable.Table, len(candidates))
	incomplete := make([]bool, len(candidates))

	g := new(errgroup.Group)
	g.SetLimit(openParallelism)
	for i, gen := range candidates {
		g.Go(func() error {
			t, err := sstable.Open(dir, gen, opts)
			if errors.Is(err, sstable.ErrIncomplete) {
				incomplete[i] = true
				return nil
			}
			if err != nil {
				return err
			}
			opened[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, t := range opened {
			if t != nil {
				t.Close()
			}
		}
		return nil, fmt.Errorf("recover %s: %w", dir, err)
	}

	var base common.Generation
	for _, t := range opened {
		if t != nil && t.Compacted() && t.Generation() > base {
			base = t.Generation()
		}
	}

	tables := make([]*sstable.Table, 0, len(candidates))
	for i, gen := range candidates {
		switch {
		case incomplete[i]:
			logger.Warn("discarding incomplete table", zap.Uint64("generation", uint64(gen)))
			discard = append(discard, gen)
		case gen < base:
			// A compaction folded this table in but did not get to delete it.
			logger.Warn("discarding superseded table",
				zap.Uint64("generation", uint64(gen)),
				zap.Uint64("compacted_into", uint64(base)),
			)
			opened[i].Close()
			discard = append(discard, gen)
		default:
			tables = append(tables, opened[i])
		}
	}

	for _, gen := range discard {
		if err := sstable.Remove(dir, gen); err != nil {
			for _, t := range tables {
				t.Close()
			}
			return nil, fmt.Errorf("remove generation %d: %w", gen, err)
		}
	}

	sortNewestFirst(tables)
	m := New(maxGen+1, logger)
	m.current.Tables = tables

	common.LogDuration(logger, start, "recovered manifest",
		zap.Int("tables", len(tables)),
		zap.Int("discarded", len(discard)),
		zap.Uint64("next_generation", uint64(maxGen+1)),
	)
	return m, nil
}
