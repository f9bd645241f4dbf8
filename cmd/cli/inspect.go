package main

import (
	"fmt"
	"strconv"

	"lsmkv/internal/common"
	"lsmkv/internal/db"
	"lsmkv/internal/sstable"
)

func inspectGeneration(dir, arg string) {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		fmt.Printf("inspect: bad generation %q\n", arg)
		return
	}
	gen := common.Generation(n)

	info, err := sstable.Inspect(dir, gen)
	if info == nil {
		fmt.Printf("inspect error: %v\n", err)
		return
	}
	fmt.Printf("Generation %d: %s\n", info.Generation, info.State)
	fmt.Printf("  files: data=%d index=%d filter=%d bytes\n", info.DataBytes, info.IndexBytes, info.FilterBytes)
	if err != nil {
		fmt.Printf("  error: %v\n", err)
		return
	}
	if info.Entries > 0 {
		fmt.Printf("  entries: %d (%d tombstones), keys %q .. %q\n", info.Entries, info.Tombstones, info.SmallestKey, info.LargestKey)
	}
	if info.HasFilter {
		fmt.Printf("  bloom: k=%d m=%d set=%d\n", info.Filter.HashFunctions, info.Filter.Bits, info.Filter.SetBits)
	}
}

func printStats(engine *db.DB) {
	stats, err := engine.Stats()
	if err != nil {
		fmt.Printf("stats error: %v\n", err)
		return
	}
	fmt.Printf("memtable: %d entries, %d bytes\n", stats.MemtableEntries, stats.MemtableBytes)
	if stats.FrozenEntries > 0 {
		fmt.Printf("awaiting flush: %d entries\n", stats.FrozenEntries)
	}
	fmt.Printf("tables: %d (%d bytes on disk), next generation %d\n", stats.Tables, stats.DiskBytes, stats.NextGeneration)
	for _, gen := range stats.Generations {
		fmt.Printf("  %s\n", common.GenerationName(gen))
	}
}
