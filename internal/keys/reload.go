package keys

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shineum/batv-milter/internal/email"
)

// Resolver finds the key for a sender address.
type Resolver interface {
	Resolve(addr email.Address) (Key, bool)
}

// reloadDebounce collapses the bursts of events editors emit on save.
const reloadDebounce = 500 * time.Millisecond

// Reloadable is a Resolver whose Map can be replaced while in use. A failed
// reload keeps the previous Map.
type Reloadable struct {
	keyFile    string
	keyMapFile string
	cur        atomic.Pointer[Map]
}

// NewReloadable loads the key files and returns a Reloadable over them.
func NewReloadable(keyFile, keyMapFile string) (*Reloadable, error) {
	r := &Reloadable{keyFile: keyFile, keyMapFile: keyMapFile}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve resolves addr against the current Map.
func (r *Reloadable) Resolve(addr email.Address) (Key, bool) {
	return r.cur.Load().Resolve(addr)
}

// Current returns the Map in use.
func (r *Reloadable) Current() *Map { return r.cur.Load() }

// Reload reads the key files again and swaps in the result.
func (r *Reloadable) Reload() error {
	m, err := Load(r.keyFile, r.keyMapFile)
	if err != nil {
		return err
	}
	r.cur.Store(m)
	return nil
}

// Watch reloads the keys whenever one of their files changes, until ctx is
// cancelled. Directories are watched rather than files so that editors
// replacing a file by rename are noticed.
func (r *Reloadable) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	files, err := r.watchDirs(watcher)
	if err != nil {
		return err
	}

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := r.Reload(); err != nil {
				slog.Error("failed to reload keys, keeping previous keys", "error", err)
				continue
			}
			m := r.Current()
			slog.Info("keys reloaded", "senders", m.Len(), "default_key", m.HasDefault())
			if next, err := r.watchDirs(watcher); err != nil {
				slog.Warn("failed to update key file watch", "error", err)
			} else {
				files = next
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("key file watcher error", "error", err)
		}
	}
}

// watchDirs adds the directory of every key file to watcher and returns
// the set of files that trigger a reload.
func (r *Reloadable) watchDirs(watcher *fsnotify.Watcher) (map[string]bool, error) {
	paths, err := Files(r.keyFile, r.keyMapFile)
	if err != nil {
		return nil, err
	}
	files := make(map[string]bool, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		files[p] = true
		if err := watcher.Add(filepath.Dir(p)); err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(p), err)
		}
	}
	return files, nil
}
