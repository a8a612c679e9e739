// Package watch monitors emulator save directories for live changes.
// Changes are coalesced per directory so a burst of writes from an
// emulator flushing its save produces a single event.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"savesync/internal/save"
)

const eventQueueSize = 64

// DefaultDebounce is the quiet period a directory must observe before a
// change event is emitted for it.
const DefaultDebounce = 2 * time.Second

// Event reports that files under a watched save directory changed.
type Event struct {
	Dir string
	At  time.Time
}

// Watcher watches a fixed set of save directories.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   save.Logger
	debounce time.Duration
	dirs     []string
	events   chan Event
}

// New creates a watcher over dirs. Directories that do not exist are
// skipped with a warning; New fails only when nothing remains to watch.
// A non-positive debounce falls back to DefaultDebounce.
func New(dirs []string, debounce time.Duration, logger save.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		logger:   logger,
		debounce: debounce,
		events:   make(chan Event, eventQueueSize),
	}

	seen := make(map[string]struct{})
	for _, dir := range dirs {
		dir = filepath.Clean(dir)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}

		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			logger.Warn("skipping unwatchable save directory", "dir", dir)
			continue
		}
		if err := fsw.Add(dir); err != nil {
			logger.Warn("failed to watch save directory", "dir", dir, "error", err)
			continue
		}
		w.dirs = append(w.dirs, dir)
	}
	if len(w.dirs) == 0 {
		fsw.Close()
		return nil, errors.New("no save directories to watch")
	}
	// Longest first so owningDir prefers the most specific root.
	sort.Slice(w.dirs, func(i, j int) bool { return len(w.dirs[i]) > len(w.dirs[j]) })
	return w, nil
}

// Dirs returns the directories actually under watch.
func (w *Watcher) Dirs() []string {
	out := make([]string, len(w.dirs))
	copy(out, w.dirs)
	return out
}

// Events returns the channel change events are delivered on. The channel
// is closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run processes file notifications until ctx is cancelled or the
// underlying watcher shuts down.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			dir := w.owningDir(evt.Name)
			if dir == "" {
				continue
			}
			pending[dir] = time.Now()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case now := <-ticker.C:
			for dir, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, dir)
				select {
				case w.events <- Event{Dir: dir, At: last}:
				default:
					w.logger.Warn("dropping change event, queue full", "dir", dir)
				}
			}
		}
	}
}

// Close shuts down the underlying watcher, which unblocks Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) owningDir(path string) string {
	path = filepath.Clean(path)
	for _, dir := range w.dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return dir
		}
	}
	return ""
}
