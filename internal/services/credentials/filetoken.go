package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/j-veylop/agent-dashboard/internal/logger"
)

// FileToken is a static fallback token read from a file and reloaded whenever
// the file changes, so a rotated token is picked up without a restart.
type FileToken struct {
	watcher       *fsnotify.Watcher
	debounceTimer *time.Timer
	stopChan      chan struct{}
	path          string
	value         string
	mu            sync.RWMutex
}

// NewFileToken reads path and starts watching it.
func NewFileToken(path string) (*FileToken, error) {
	f := &FileToken{
		path:     path,
		stopChan: make(chan struct{}),
	}

	if err := f.load(); err != nil {
		return nil, err
	}

	if err := f.startWatcher(); err != nil {
		return nil, fmt.Errorf("failed to start token file watcher: %w", err)
	}

	return f, nil
}

// Value returns the current token.
func (f *FileToken) Value() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

func (f *FileToken) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	f.mu.Lock()
	f.value = strings.TrimSpace(string(data))
	f.mu.Unlock()
	return nil
}

func (f *FileToken) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	f.watcher = watcher

	// Watch the directory so atomic rename-into-place is seen as Create.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("failed to close watcher", "error", closeErr)
		}
		return err
	}

	go f.watchLoop()
	return nil
}

// watchLoop handles file system events with debouncing.
func (f *FileToken) watchLoop() {
	const debounceInterval = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(f.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				f.mu.Lock()
				if f.debounceTimer != nil {
					f.debounceTimer.Stop()
				}
				f.debounceTimer = time.AfterFunc(debounceInterval, f.reload)
				f.mu.Unlock()
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("token file watcher error", "path", f.path, "error", err)

		case <-f.stopChan:
			return
		}
	}
}

func (f *FileToken) reload() {
	if err := f.load(); err != nil {
		logger.Warn("failed to reload token file", "path", f.path, "error", err)
		return
	}
	logger.Info("fallback token reloaded", "path", f.path)
}

// Close stops watching the file.
func (f *FileToken) Close() error {
	close(f.stopChan)
	f.mu.Lock()
	if f.debounceTimer != nil {
		f.debounceTimer.Stop()
	}
	f.mu.Unlock()
	return f.watcher.Close()
}
