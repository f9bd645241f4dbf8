package sstable

import (
	"errors"
	"fmt"
)

// SSTable Generation Layout:
//
//  <gen>.data                          <gen>.index
//  ┌────────────────┐                 ┌────────────────┐
//  │     marker     │ 1 byte          │    offset 0    │ uint64 ──┐
//  ├────────────────┤                 ├────────────────┤          │
//  │    Record 0    │ <───────────────┼────────────────┼──────────┘
//  ├────────────────┤                 │    offset 1    │
//  │    Record 1    │                 ├────────────────┤
//  ├────────────────┤                 │       ...      │
//  │       ...      │                 ├────────────────┤
//  ├────────────────┤                 │   offset N-1   │
//  │   Record N-1   │                 └────────────────┘
//  └────────────────┘
//
//  <gen>.filter: bloom filter over every key in the table.
//
//  marker: 0 = write in progress, 1 = complete, 2 = complete and compacted.
//
// Records are sorted by key with no duplicates; see common.Entry for the
// record layout. The marker is set only after all three files are synced, so
// a table whose marker is 0 never becomes visible. A compacted table holds
// the complete state of the store as of its generation and supersedes every
// older one, even if their files are still on disk.

const (
	markerIncomplete byte = 0
	markerComplete   byte = 1
	markerCompacted  byte = 2

	headerSize = 1
	offsetSize = 8
)

var (
	// ErrCorrupted marks a table whose files are inconsistent. Such a table
	// must not be served.
	ErrCorrupted = errors.New("sstable: corrupted")

	// ErrIncomplete is returned by Open for tables whose write never
	// finished. It wraps ErrCorrupted.
	ErrIncomplete = fmt.Errorf("%w: write did not complete", ErrCorrupted)

	// ErrClosed is returned when a released table is accessed.
	ErrClosed = errors.New("sstable: table is closed")

	// ErrUnsorted is returned by Write when keys are not strictly ascending.
	ErrUnsorted = errors.New("sstable: entries not in strictly ascending key order")
)
