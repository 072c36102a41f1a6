package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stlalpha/meshbbs/internal/logging"
)

// Watcher hot-reloads config.json into a shared Snapshot when the sysop
// edits it on disk. The writer and queue copy their pacing and queue
// tunables when they are built, so changes to those take effect only after
// a restart.
type Watcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}

	configDir string
	target    *Snapshot
	targetMu  *sync.RWMutex
}

// NewWatcher starts watching configDir/config.json, writing reloads into
// *target under targetMu.
func NewWatcher(configDir string, target *Snapshot, targetMu *sync.RWMutex) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(configDir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", configDir, err)
	}

	w := &Watcher{
		watcher:   fw,
		done:      make(chan struct{}),
		configDir: configDir,
		target:    target,
		targetMu:  targetMu,
	}
	logging.Info("watching %s for config changes", configDir)
	go w.loop()
	return w, nil
}

// Stop shuts the watcher down; safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.watcher.Close()
	w.watcher = nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "config.json" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configDir)
	if err != nil {
		logging.Error("reloading config.json: %v", err)
		return
	}
	w.targetMu.Lock()
	*w.target = cfg
	w.targetMu.Unlock()
	logging.Info("config.json reloaded")
	logging.Warn("pacing, queue, and serial-port changes require a full restart to take effect")
}
