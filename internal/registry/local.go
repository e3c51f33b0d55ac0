package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/model"
)

// localSource scans the immediate subdirectories of its root as task
// directories, each containing metadata.json, input_schema.json,
// output_schema.json, and an entry script (index.js); directories nested
// deeper than that are not scanned. Grounded on the fsnotify-based watch pattern
// common to the retrieved corpus's filesystem-watching services.
type localSource struct {
	name            string
	root            string
	includePatterns []string
	excludePatterns []string
	logger          *zap.Logger
}

// NewLocalSource constructs a local directory TaskSource.
func NewLocalSource(name, root string, include, exclude []string, logger *zap.Logger) Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &localSource{name: name, root: root, includePatterns: include, excludePatterns: exclude, logger: logger.Named("source." + name)}
}

func (s *localSource) Name() string { return s.name }

func (s *localSource) Discover(ctx context.Context) ([]Observed, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("registry: local source %s: read dir: %w", s.name, err)
	}

	var out []Observed
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		if !s.matches(entry.Name()) {
			continue
		}

		o, err := loadTaskDir(dir)
		if err != nil {
			s.logger.Warn("skipping task directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *localSource) matches(name string) bool {
	if len(s.includePatterns) > 0 {
		ok := false
		for _, p := range s.includePatterns {
			if m, _ := doublestar.Match(p, name); m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, p := range s.excludePatterns {
		if m, _ := doublestar.Match(p, name); m {
			return false
		}
	}
	return true
}

func loadTaskDir(dir string) (Observed, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return Observed{}, fmt.Errorf("read metadata.json: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return Observed{}, fmt.Errorf("parse metadata.json: %w", err)
	}

	inputSchema, _ := os.ReadFile(filepath.Join(dir, "input_schema.json"))
	outputSchema, _ := os.ReadFile(filepath.Join(dir, "output_schema.json"))
	content, err := os.ReadFile(filepath.Join(dir, "index.js"))
	if err != nil {
		return Observed{}, fmt.Errorf("read index.js: %w", err)
	}

	fp := Fingerprint(string(content), string(inputSchema), string(outputSchema))

	return Observed{
		Ref:          model.TaskRef{UUID: meta.UUID, Version: meta.Version},
		Fingerprint:  fp,
		Name:         meta.Name,
		Label:        meta.Label,
		Description:  meta.Description,
		InputSchema:  string(inputSchema),
		OutputSchema: string(outputSchema),
		Content:      string(content),
	}, nil
}

// debounceWindow matches spec.md §4.1's default 500ms debounce.
const debounceWindow = 500 * time.Millisecond

// Watch implements Watchable by subscribing to fsnotify events on the
// source root and coalescing rapid bursts into a single onChange call.
// Events arriving during an in-progress debounce window are absorbed into
// the next firing, matching spec.md's "Events during a sync are queued and
// drained after."
func (s *localSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: local source %s: fsnotify: %w", s.name, err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("registry: local source %s: watch root: %w", s.name, err)
	}
	// Best-effort: also watch each immediate child so edits to files inside
	// a task directory are observed, not just directory-level churn.
	if entries, err := os.ReadDir(s.root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(s.root, e.Name()))
			}
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	fire := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceWindow, onChange)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			fire()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}
