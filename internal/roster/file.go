package roster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"huddle/api/internal/mention"
)

const reloadDebounce = 100 * time.Millisecond

type fileFormat struct {
	Projects map[string][]mention.Candidate `yaml:"projects"`
}

// File serves a roster from a YAML file and reloads it when the file changes:
//
//	projects:
//	  "*":
//	    - id: u1
//	      displayName: Bob Martin
//	      email: bob@example.com
type File struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current Static
}

func NewFile(path string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &File{path: filepath.Clean(path), logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) ListCandidateUsers(ctx context.Context, projectID string) ([]mention.Candidate, error) {
	f.mu.RLock()
	current := f.current
	f.mu.RUnlock()
	return current.ListCandidateUsers(ctx, projectID)
}

// Reload re-reads the file. On error the previous roster stays in place.
func (f *File) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read roster file: %w", err)
	}
	var parsed fileFormat
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse roster file %s: %w", f.path, err)
	}
	next := Static{}
	for project, candidates := range parsed.Projects {
		next[project] = merge(candidates)
	}
	f.mu.Lock()
	f.current = next
	f.mu.Unlock()
	return nil
}

// Watch reloads the roster whenever the file is written or replaced, until ctx is done.
// The parent directory is watched so editors that save by rename are picked up.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create roster watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch roster dir: %w", err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("roster watcher error", zap.Error(err))
		case <-debounce:
			debounce = nil
			if err := f.Reload(); err != nil {
				f.logger.Warn("reload roster file", zap.String("path", f.path), zap.Error(err))
				continue
			}
			f.logger.Info("roster reloaded", zap.String("path", f.path))
		}
	}
}
