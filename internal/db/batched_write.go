package db

import (
	"fmt"

	"lsmkv/internal/common"
)

// Write applies a batch of entries. Every entry is validated before any is
// applied, and the whole batch lands in the same memtable, so a concurrent
// Flush or Compact sees either none of it or all of it. Later entries for
// the same key win.
func (d *DB) Write(batch []*common.Entry) error {
	for i, entry := range batch {
		if err := validateEntry(entry); err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	for _, entry := range batch {
		if err := d.memtable.Put(entry); err != nil {
			return err
		}
	}
	return nil
}
