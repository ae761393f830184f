package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/vitrum/internal/storage"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func testVault(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

func TestWatcher_NewFileDispatchesAdd(t *testing.T) {
	vaultDir, _ := testVault(t)

	var mu sync.Mutex
	var events []string
	known := func(string) bool { return false }

	w := New(vaultDir, nil, known, func(kind EventKind, path string) {
		mu.Lock()
		events = append(events, string(kind)+":"+path)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(vaultDir, "new.md"), []byte("# New"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "add:new.md" {
				return true
			}
		}
		return false
	}, "expected add:new.md dispatch")
}

func TestWatcher_KnownPathDispatchesChange(t *testing.T) {
	vaultDir, _ := testVault(t)
	_ = os.WriteFile(filepath.Join(vaultDir, "existing.md"), []byte("# Existing"), 0o644)

	var mu sync.Mutex
	var events []string
	known := func(p string) bool { return p == "existing.md" }

	w := New(vaultDir, nil, known, func(kind EventKind, path string) {
		mu.Lock()
		events = append(events, string(kind)+":"+path)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(vaultDir, "existing.md"), []byte("# Existing v2"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "change:existing.md" {
				return true
			}
		}
		return false
	}, "expected change:existing.md dispatch")
}

func TestWatcher_DeleteDispatchesRemove(t *testing.T) {
	vaultDir, _ := testVault(t)
	_ = os.WriteFile(filepath.Join(vaultDir, "del.md"), []byte("# Delete Me"), 0o644)

	var mu sync.Mutex
	var events []string
	known := func(p string) bool { return p == "del.md" }

	w := New(vaultDir, nil, known, func(kind EventKind, path string) {
		mu.Lock()
		events = append(events, string(kind)+":"+path)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	_ = os.Remove(filepath.Join(vaultDir, "del.md"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "remove:del.md" {
				return true
			}
		}
		return false
	}, "expected remove:del.md dispatch")
}

func TestWatcher_NewSubdirIsWatched(t *testing.T) {
	vaultDir, _ := testVault(t)

	var mu sync.Mutex
	var events []string
	known := func(string) bool { return false }

	w := New(vaultDir, nil, known, func(kind EventKind, path string) {
		mu.Lock()
		events = append(events, string(kind)+":"+path)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	subDir := filepath.Join(vaultDir, "subdir")
	_ = os.MkdirAll(subDir, 0o755)
	time.Sleep(150 * time.Millisecond)
	_ = os.WriteFile(filepath.Join(subDir, "deep.md"), []byte("# Deep"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "add:subdir/deep.md" {
				return true
			}
		}
		return false
	}, "file in new subdir not dispatched")
}

func TestWatcher_ExcludedDirIgnored(t *testing.T) {
	vaultDir, _ := testVault(t)
	_ = os.MkdirAll(filepath.Join(vaultDir, "node_modules"), 0o755)

	var mu sync.Mutex
	var events []string
	known := func(string) bool { return false }

	w := New(vaultDir, nil, known, func(kind EventKind, path string) {
		mu.Lock()
		events = append(events, string(kind)+":"+path)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(vaultDir, "node_modules", "x.md"), []byte("ignored"), 0o644)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 0 {
		t.Errorf("expected no events from excluded dir, got %v", events)
	}
}
