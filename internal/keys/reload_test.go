package keys

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.key"), k1)
	mapFile := filepath.Join(dir, "keys.yaml")
	writeFile(t, mapFile, []byte("default: d.key\nkeys:\n  example.com: a.key\n"))

	got, err := Files("/etc/batv/key", mapFile)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	sort.Strings(got)
	want := []string{"/etc/batv/key", filepath.Join(dir, "a.key"), filepath.Join(dir, "d.key"), mapFile}
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("Files: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Files[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReloadable_KeepsPreviousOnError(t *testing.T) {
	t.Parallel()

	keyFile := filepath.Join(t.TempDir(), "batv.key")
	writeFile(t, keyFile, k1)

	r, err := NewReloadable(keyFile, "")
	if err != nil {
		t.Fatalf("NewReloadable: %v", err)
	}
	addr := mustAddr(t, "alice@example.com")
	if got, _ := r.Resolve(addr); !bytes.Equal(got, k1) {
		t.Fatalf("Resolve: got %q, want %q", got, k1)
	}

	writeFile(t, keyFile, k2)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got, _ := r.Resolve(addr); !bytes.Equal(got, k2) {
		t.Errorf("after reload: got %q, want %q", got, k2)
	}

	writeFile(t, keyFile, nil)
	if err := r.Reload(); err == nil {
		t.Error("Reload of empty key: expected error")
	}
	if got, _ := r.Resolve(addr); !bytes.Equal(got, k2) {
		t.Errorf("after failed reload: got %q, want previous %q", got, k2)
	}
}

func TestNewReloadable_Error(t *testing.T) {
	t.Parallel()

	if _, err := NewReloadable(filepath.Join(t.TempDir(), "missing.key"), ""); err == nil {
		t.Error("expected error for missing key file, got nil")
	}
}

func TestReloadable_WatchPicksUpChange(t *testing.T) {
	t.Parallel()

	keyFile := filepath.Join(t.TempDir(), "batv.key")
	writeFile(t, keyFile, k1)

	r, err := NewReloadable(keyFile, "")
	if err != nil {
		t.Fatalf("NewReloadable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	addr := mustAddr(t, "alice@example.com")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		// Rewrite until the watcher is registered and sees an event.
		writeFile(t, keyFile, k3)
		for i := 0; i < 30; i++ {
			time.Sleep(50 * time.Millisecond)
			if got, _ := r.Resolve(addr); bytes.Equal(got, k3) {
				return
			}
		}
	}
	t.Fatal("key change was not picked up")
}
