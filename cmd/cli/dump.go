package main

import (
	"fmt"

	"lsmkv/internal/common"
	"lsmkv/internal/db"
)

const maxKeyWidth = 20

func dumpIterator(iter common.EntryIterator) {
	fmt.Printf("%-6s %-*s  %s\n", "OP", maxKeyWidth, "KEY", "VALUE")
	fmt.Println()

	count := 0
	for {
		entry, err := iter.Next()
		if err != nil {
			fmt.Printf("error reading entry: %v\n", err)
			return
		}
		if entry == nil {
			break
		}
		count++

		key := string(entry.Key)
		if len(key) > maxKeyWidth {
			key = key[:maxKeyWidth]
		}
		if entry.IsTombstone() {
			fmt.Printf("%-6s %-*s\n", entry.Type, maxKeyWidth, key)
		} else {
			fmt.Printf("%-6s %-*s  %s\n", entry.Type, maxKeyWidth, key, entry.Value)
		}
	}

	fmt.Println()
	fmt.Printf("Total entries: %d\n", count)
}

// dumpRange prints the live entries in [from, to).
func dumpRange(engine *db.DB, from, to string) {
	it, err := engine.Range([]byte(from), []byte(to))
	if err != nil {
		fmt.Printf("scan error: %v\n", err)
		return
	}
	defer it.Close()
	dumpIterator(it)
}
