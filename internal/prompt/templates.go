package prompt

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
)

// Templates serves read-only prompt template files from a directory. Reads
// are cached per file and keyed by modification time, so an edited template
// is picked up on the next Load without restarting the process. An optional
// fsnotify watcher force-drops cache entries as soon as the file changes,
// covering filesystems with coarse mtime resolution.
type Templates struct {
	dir    string
	logger *observability.Logger

	mu      sync.Mutex
	entries map[string]templateEntry

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

type templateEntry struct {
	modTime time.Time
	content string
}

// NewTemplates creates a template store over dir. The directory does not have
// to exist; missing templates simply fall back to built-in defaults.
func NewTemplates(dir string, logger *observability.Logger) *Templates {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	return &Templates{
		dir:     dir,
		logger:  logger,
		entries: make(map[string]templateEntry),
	}
}

// Dir returns the template directory.
func (t *Templates) Dir() string {
	return t.dir
}

// Load returns the content of the named template file. The second return is
// false when the file does not exist or cannot be read.
func (t *Templates) Load(name string) (string, bool) {
	path := filepath.Join(t.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}

	t.mu.Lock()
	if entry, ok := t.entries[name]; ok && entry.modTime.Equal(info.ModTime()) {
		t.mu.Unlock()
		return entry.content, true
	}
	t.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.logger.Warn(context.Background(), "prompt template read failed", "path", path, "error", err)
		return "", false
	}
	content := string(raw)

	t.mu.Lock()
	t.entries[name] = templateEntry{modTime: info.ModTime(), content: content}
	t.mu.Unlock()
	return content, true
}

// Invalidate drops the cached copy of the named template.
func (t *Templates) Invalidate(name string) {
	t.mu.Lock()
	delete(t.entries, name)
	t.mu.Unlock()
}

// invalidateAll drops every cached template.
func (t *Templates) invalidateAll() {
	t.mu.Lock()
	t.entries = make(map[string]templateEntry)
	t.mu.Unlock()
}

// StartWatching begins watching the template directory and invalidates cache
// entries when files change. Safe to call when the directory is absent; the
// watcher simply does not start.
func (t *Templates) StartWatching(ctx context.Context) error {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	if t.watcher != nil {
		return nil
	}
	if info, err := os.Stat(t.dir); err != nil || !info.IsDir() {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(t.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	t.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	t.watchCancel = cancel

	t.watchWg.Add(1)
	go t.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher if one is running.
func (t *Templates) Close() error {
	t.watchMu.Lock()
	if t.watchCancel != nil {
		t.watchCancel()
		t.watchCancel = nil
	}
	watcher := t.watcher
	t.watcher = nil
	t.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	t.watchWg.Wait()
	return nil
}

func (t *Templates) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer t.watchWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				name := filepath.Base(event.Name)
				t.Invalidate(name)
				t.logger.Debug(ctx, "prompt template invalidated", "template", name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn(ctx, "prompt template watcher error", "error", err)
			t.invalidateAll()
		}
	}
}
