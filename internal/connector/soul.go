package connector

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const defaultMaxSoulChars = 8000

// Soul holds the injected system prompt. Reads copy under the lock so a
// concurrent reload never hands a turn a half-written prompt.
type Soul struct {
	mu   sync.RWMutex
	text string
	max  int
}

// NewSoul creates an empty soul with the given character bound.
func NewSoul(maxChars int) *Soul {
	if maxChars <= 0 {
		maxChars = defaultMaxSoulChars
	}
	return &Soul{max: maxChars}
}

// Set stores the prompt, trimmed to the bound.
func (s *Soul) Set(text string) {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > s.max {
		text = string(r[:s.max])
	}
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
}

// Get returns the current prompt.
func (s *Soul) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text
}

// LoadFile reads the prompt from path. A missing file clears the prompt.
func (s *Soul) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.Set("")
		return nil
	}
	if err != nil {
		return err
	}
	s.Set(string(data))
	return nil
}

// WatchFile reloads the prompt whenever path changes, until ctx is done.
// Editors replace files rather than write in place, so the parent directory
// is watched and events are filtered by name.
func (s *Soul) WatchFile(ctx context.Context, path string, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if err := s.LoadFile(path); err != nil {
					log.Error("reloading soul file", "path", path, "error", err)
					continue
				}
				log.Info("soul file reloaded", "path", path, "chars", len(s.Get()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("soul file watcher", "error", err)
			}
		}
	}()
	return nil
}
