package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

const maxHistorySize = 1000

type History struct {
	commands []string
	file     string
}

func newHistory() (*History, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	h := &History{
		commands: make([]string, 0, maxHistorySize),
		file:     filepath.Join(home, ".lsmkv_history"),
	}

	if err := h.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return h, nil
}

func (h *History) load() error {
	f, err := os.Open(h.file)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		h.add(scanner.Text())
	}
	return scanner.Err()
}

// attach makes the loaded commands reachable with the arrow keys.
func (h *History) attach(line *liner.State) {
	for _, cmd := range h.commands {
		line.AppendHistory(cmd)
	}
}

// add records cmd, skipping blanks and repeats of the previous command.
func (h *History) add(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return false
	}
	if len(h.commands) > 0 && h.commands[len(h.commands)-1] == cmd {
		return false
	}

	h.commands = append(h.commands, cmd)
	if len(h.commands) > maxHistorySize {
		h.commands = h.commands[len(h.commands)-maxHistorySize:]
	}
	return true
}

func (h *History) save() error {
	f, err := os.Create(h.file)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, cmd := range h.commands {
		if _, err := fmt.Fprintln(w, cmd); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (h *History) list(n int) []string {
	if n <= 0 || n > len(h.commands) {
		n = len(h.commands)
	}
	return h.commands[len(h.commands)-n:]
}
