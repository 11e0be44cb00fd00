package cartcore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const stateVersion = 1

// persistedState is the single snapshot written by every backend: the
// cart lines plus the reconciliation timestamp, tagged with a schema
// version for future migration.
type persistedState struct {
	Version       int   `json:"version"`
	Cart          Cart  `json:"cart"`
	LastCheckedAt int64 `json:"lastCheckedAt,omitempty"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

// StateWatcher is implemented by backends that can surface a
// cross-context change signal: another process saved state. Watch blocks
// until ctx is done, invoking onChange for every external write.
type StateWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type stateBackendCloser interface {
	Close() error
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	data, err := json.Marshal(b.snapshot)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return err
	}
	b.snapshot = &clone
	return nil
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// Watch reports writes to the state file made by other processes. The
// watch is placed on the parent directory because saves land via rename.
func (b *JSONFileStateBackend) Watch(ctx context.Context, onChange func()) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || onChange == nil {
		return ErrInvalidInput
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(b.Path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			onChange()
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
