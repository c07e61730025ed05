package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long writes are collected before a nudge fires.
const DefaultWatchDebounce = 2 * time.Second

// SourceWatcher watches source roots and reports bursts of log writes.
// Agents append to their logs continuously, so events are debounced and only
// the fact that something changed is reported.
type SourceWatcher struct {
	sources      []SourceConfig
	watcher      *fsnotify.Watcher
	onChange     func(paths int)
	debounceTime time.Duration
	mu           sync.Mutex
	pending      map[string]bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewSourceWatcher creates a watcher over the given sources.
func NewSourceWatcher(sources []SourceConfig, debounce time.Duration) (*SourceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &SourceWatcher{
		sources:      sources,
		watcher:      watcher,
		debounceTime: debounce,
		pending:      make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// OnChange sets the callback fired after a debounced burst of changes.
func (sw *SourceWatcher) OnChange(callback func(paths int)) {
	sw.onChange = callback
}

// Start adds every existing directory under the source roots and begins processing events.
// Missing roots are skipped.
func (sw *SourceWatcher) Start() error {
	watched := 0
	for _, src := range sw.sources {
		lay, ok := layouts[src.Source]
		if !ok {
			continue
		}
		root := filepath.Clean(src.Root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() && path != root {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if depth(root, path) > lay.maxDepth {
				return fs.SkipDir
			}
			if err := sw.watcher.Add(path); err != nil {
				log.Printf("⚠️  Failed to watch %s: %v", path, err)
				return nil
			}
			watched++
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to walk %s root: %w", src.Source, err)
		}
	}

	log.Printf("👀 Watching %d directories across %d sources", watched, len(sw.sources))

	sw.wg.Add(2)
	go sw.eventLoop()
	go sw.debounceLoop()

	return nil
}

// Stop stops the watcher.
func (sw *SourceWatcher) Stop() error {
	sw.cancel()
	sw.wg.Wait()
	return sw.watcher.Close()
}

func (sw *SourceWatcher) eventLoop() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.ctx.Done():
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handleEvent(event)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  Watcher error: %v", err)
		}
	}
}

func (sw *SourceWatcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New project or date directory.
			if err := sw.watcher.Add(event.Name); err != nil {
				log.Printf("⚠️  Failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		sw.mu.Lock()
		sw.pending[event.Name] = true
		sw.mu.Unlock()
	}
}

func (sw *SourceWatcher) debounceLoop() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return

		case <-ticker.C:
			sw.flush()
		}
	}
}

func (sw *SourceWatcher) flush() {
	sw.mu.Lock()
	n := len(sw.pending)
	if n == 0 {
		sw.mu.Unlock()
		return
	}
	sw.pending = make(map[string]bool)
	sw.mu.Unlock()

	if sw.onChange != nil {
		log.Printf("📝 File watcher detected %d changed session files", n)
		sw.onChange(n)
	}
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}
