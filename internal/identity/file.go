// Package identity supplies the agent's identity text from a file on disk.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File serves the trimmed contents of an identity file. After Watch it
// reloads whenever the file is written or replaced; a failed reload keeps the
// last good text.
type File struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	text string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads path once.
func Load(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	f := &File{path: abs, logger: logger}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Identity implements the pipeline's identity source.
func (f *File) Identity(context.Context) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.text, nil
}

// Path returns the absolute path being served.
func (f *File) Path() string { return f.path }

// Watch starts reloading on change. The parent directory is watched because
// editors commonly replace the file rather than write it in place.
func (f *File) Watch() error {
	if f.watcher != nil {
		return fmt.Errorf("identity: already watching %s", f.path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("identity: watch %s: %w", filepath.Dir(f.path), err)
	}
	f.watcher = w
	f.done = make(chan struct{})

	go f.loop()
	f.logger.Debug("watching identity file", "path", f.path)
	return nil
}

// Close stops watching. It is safe to call without Watch.
func (f *File) Close() error {
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	<-f.done
	f.watcher = nil
	return err
}

func (f *File) loop() {
	defer close(f.done)
	for {
		select {
		case evt, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != f.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				f.logger.Warn("identity reload failed, keeping previous text", "path", f.path, "error", err)
				continue
			}
			f.logger.Info("identity reloaded", "path", f.path)

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("identity watcher error", "error", err)
		}
	}
}

func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("identity: failed to read %s: %w", f.path, err)
	}
	text := strings.TrimSpace(string(data))

	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
	return nil
}
