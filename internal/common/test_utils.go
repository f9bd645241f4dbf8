package common

import (
	"bytes"
	"testing"
)

// RequireMatchesIterator drains it and compares each entry to the
// expected batch using testing.T helpers. Fails immediately on mismatch.
func RequireMatchesIterator(t testing.TB, iter EntryIterator, expected []*Entry) {
	t.Helper()

	for i := range expected {
		entry, err := iter.Next()
		if err != nil {
			t.Fatalf("unexpected iterator error: %v", err)
		}
		if entry == nil {
			t.Fatalf("iterator exhausted at index %d", i)
		}
		if !EntriesEqual(entry, expected[i]) {
			t.Fatalf("entry mismatch at %d: got %s want %s", i, describe(entry), describe(expected[i]))
		}
	}

	entry, err := iter.Next()
	if err != nil {
		t.Fatalf("unexpected iterator error at end: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected iterator to be exhausted, got %s", describe(entry))
	}
}

// Drain reads every remaining entry from iter.
func Drain(iter EntryIterator) ([]*Entry, error) {
	var out []*Entry
	for {
		entry, err := iter.Next()
		if err != nil {
			return out, err
		}
		if entry == nil {
			return out, nil
		}
		out = append(out, entry)
	}
}

// EntriesEqual compares type, key and value contents.
func EntriesEqual(a, b *Entry) bool {
	return a.Type == b.Type && bytes.Equal(a.Key, b.Key) && bytes.Equal(a.Value, b.Value)
}

func describe(e *Entry) string {
	if e.IsTombstone() {
		return e.Type.String() + " " + string(e.Key)
	}
	return e.Type.String() + " " + string(e.Key) + "=" + string(e.Value)
}
