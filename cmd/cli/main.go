package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"lsmkv/internal/common"
	"lsmkv/internal/db"
)

var commands = []string{
	"put", "get", "delete", "scan", "flush", "compact", "seed",
	"dump", "stats", "inspect", "history", "exit",
}

const usage = "commands: put <key> <value> | get <key> | delete <key> | scan [from] [to] | " +
	"flush | compact | seed <x> | dump | stats | inspect <gen> | history [n] | exit"

func main() {
	dir := flag.String("dir", "data", "store directory")
	flushThreshold := flag.Int64("flush-threshold", 64<<10, "memtable bytes before an automatic flush")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logger, err := common.NewLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	engine, err := db.Open(*dir,
		db.WithMemtableFlushThreshold(*flushThreshold),
		db.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close database: %v\n", err)
		}
	}()

	history, err := newHistory()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: history unavailable: %v\n", err)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(input)) {
				out = append(out, c)
			}
		}
		return out
	})
	if history != nil {
		history.attach(line)
		defer func() {
			if err := history.save(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to save history: %v\n", err)
			}
		}()
	}

	fmt.Println("lsmkv - LSM key-value store")
	fmt.Printf("config: dir=%s flush_threshold=%d\n", *dir, *flushThreshold)
	fmt.Println(usage)

	seedIndex := loadSeedIndex(engine)
	for {
		input, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "input error: %v\n", err)
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if history != nil {
			history.add(input)
		}

		parts := strings.Fields(input)
		switch strings.ToLower(parts[0]) {
		case "put":
			if len(parts) != 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			if err := engine.Put([]byte(parts[1]), []byte(parts[2])); err != nil {
				fmt.Printf("put error: %v\n", err)
				continue
			}
			maybeFlush(engine, logger)
			fmt.Println("ok")
		case "get":
			if len(parts) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			value, err := engine.Get([]byte(parts[1]))
			if errors.Is(err, db.ErrNotFound) {
				fmt.Println("(not found)")
				continue
			}
			if err != nil {
				fmt.Printf("get error: %v\n", err)
				continue
			}
			fmt.Printf("%s\n", value)
		case "delete":
			if len(parts) != 2 {
				fmt.Println("usage: delete <key>")
				continue
			}
			if err := engine.Delete([]byte(parts[1])); err != nil {
				fmt.Printf("delete error: %v\n", err)
				continue
			}
			maybeFlush(engine, logger)
			fmt.Println("ok")
		case "scan":
			if len(parts) > 3 {
				fmt.Println("usage: scan [from] [to]")
				continue
			}
			var from, to string
			if len(parts) > 1 {
				from = parts[1]
			}
			if len(parts) > 2 {
				to = parts[2]
			}
			dumpRange(engine, from, to)
		case "dump":
			dumpRange(engine, "", "")
		case "flush":
			if err := engine.Flush(); err != nil {
				fmt.Printf("flush error: %v\n", err)
				continue
			}
			fmt.Println("ok")
		case "compact":
			if err := engine.Compact(); err != nil {
				fmt.Printf("compact error: %v\n", err)
				continue
			}
			fmt.Println("ok")
		case "seed":
			if len(parts) != 2 {
				fmt.Println("usage: seed <x>")
				continue
			}
			x, err := strconv.Atoi(parts[1])
			if err != nil || x < 1 {
				fmt.Println("seed: x must be a positive integer")
				continue
			}
			if err := runSeed(engine, logger, x, &seedIndex); err != nil {
				fmt.Printf("seed error: %v\n", err)
			}
		case "stats":
			printStats(engine)
		case "inspect":
			if len(parts) != 2 {
				fmt.Println("usage: inspect <gen>")
				continue
			}
			inspectGeneration(engine.Dir(), parts[1])
		case "history":
			if history == nil {
				fmt.Println("history unavailable")
				continue
			}
			n := 0
			if len(parts) == 2 {
				n, _ = strconv.Atoi(parts[1])
			}
			for i, cmd := range history.list(n) {
				fmt.Printf("%4d  %s\n", i+1, cmd)
			}
		case "exit", "quit":
			return
		default:
			fmt.Println("unknown command")
			fmt.Println(usage)
		}
	}
}

func maybeFlush(engine *db.DB, logger *zap.Logger) {
	if !engine.NeedsFlush() {
		return
	}
	if err := engine.Flush(); err != nil {
		logger.Error("automatic flush failed", zap.Error(err))
	}
}
