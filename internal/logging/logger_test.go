package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDisabledLoggerIsNoop(t *testing.T) {
	CloseAll()
	// Without Initialize, Get must hand back a usable no-op logger.
	l := Get(CategoryDispatch)
	if l == nil {
		t.Fatal("Get returned nil")
	}
	l.Info("should not panic %d", 1)
	l.With("k", "v").Error("still no-op")
}

func TestCategoryFiltering(t *testing.T) {
	CloseAll()
	dir := t.TempDir()
	err := Initialize(Options{
		Dir:   dir,
		Level: "debug",
		Categories: map[string]bool{
			"watchdog": true,
			"dispatch": false,
		},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	Watchdog("user %s warned", "u1")
	Dispatch("should be filtered")
	CloseAll()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sawWatchdog, sawDispatch bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "watchdog") {
			sawWatchdog = true
		}
		if strings.Contains(e.Name(), "dispatch") {
			sawDispatch = true
		}
	}
	if !sawWatchdog {
		t.Error("expected a watchdog log file")
	}
	if sawDispatch {
		t.Error("dispatch category should be disabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	CloseAll()
	dir := t.TempDir()
	if err := Initialize(Options{Dir: dir, Level: "error"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	l := Get(CategoryActions)
	l.Info("below threshold")
	l.Error("persisted")
	CloseAll()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "below threshold") {
		t.Error("info entry should have been filtered at error level")
	}
	if !strings.Contains(string(data), "persisted") {
		t.Error("error entry missing from log file")
	}
}
