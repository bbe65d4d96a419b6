package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/storyforge/adosync/internal/mapper"
)

// debounceWindow collapses the burst of events editors emit on save into a
// single reload.
const debounceWindow = 500 * time.Millisecond

// MappingWatcher reloads the field-mapping document when it changes on disk
// and swaps the new tables into the live mapper. A document that fails to
// parse is rejected; the mapper keeps its current tables.
type MappingWatcher struct {
	path    string
	mapper  *mapper.Mapper
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewMappingWatcher creates a watcher for the given mapping file. Start must
// be called before events are processed.
func NewMappingWatcher(path string, m *mapper.Mapper, logger *log.Logger) (*MappingWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &MappingWatcher{
		path:    path,
		mapper:  m,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic save-and-rename editors keep triggering events.
func (w *MappingWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	w.logger.Printf("watching mapping file %s", w.path)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *MappingWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *MappingWatcher) loop() {
	defer w.wg.Done()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-w.done:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watch error: %v", err)
		}
	}
}

func (w *MappingWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *MappingWatcher) reload() {
	cfg, err := LoadMapping(w.path, w.logger)
	if err != nil {
		w.logger.Printf("mapping reload rejected: %v", err)
		return
	}
	w.mapper.Reload(cfg)
	w.logger.Printf("mapping reloaded from %s", w.path)
}
