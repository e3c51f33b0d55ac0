package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// gitSource clones (or updates) a Git repository reference into a local
// cache directory, then scans it like a local directory source. Per the
// Open Question decision recorded in DESIGN.md, git sources never support
// watch mode — only polling_interval_s drives re-sync.
type gitSource struct {
	name     string
	repoURL  string
	ref      string
	cacheDir string
	inner    *localSource
	logger   *zap.Logger
}

// NewGitSource constructs a Git repository TaskSource. cacheDir is the local
// working tree the registry maintains for this source (not user-visible).
func NewGitSource(name, repoURL, ref, cacheDir string, logger *zap.Logger) Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gitSource{
		name: name, repoURL: repoURL, ref: ref, cacheDir: cacheDir,
		inner:  NewLocalSource(name, cacheDir, nil, nil, logger).(*localSource),
		logger: logger.Named("source." + name),
	}
}

func (s *gitSource) Name() string { return s.name }

func (s *gitSource) Discover(ctx context.Context) ([]Observed, error) {
	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	return s.inner.Discover(ctx)
}

// sync clones the repository if the cache directory is empty, otherwise
// fetches and checks out the configured ref. Shelling out to the system git
// binary matches the teacher's pattern (hooks.Runner, restic.Wrapper) of
// invoking external tools via exec.CommandContext rather than an embedded
// Git implementation — no pure-Go git client appears anywhere in the
// retrieved corpus.
func (s *gitSource) sync(ctx context.Context) error {
	if _, err := os.Stat(s.cacheDir); os.IsNotExist(err) {
		cmd := exec.CommandContext(ctx, "git", "clone", "--branch", s.ref, "--depth", "1", s.repoURL, s.cacheDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("registry: git source %s: clone: %w: %s", s.name, err, out)
		}
		return nil
	}

	fetch := exec.CommandContext(ctx, "git", "-C", s.cacheDir, "fetch", "origin", s.ref)
	if out, err := fetch.CombinedOutput(); err != nil {
		return fmt.Errorf("registry: git source %s: fetch: %w: %s", s.name, err, out)
	}
	reset := exec.CommandContext(ctx, "git", "-C", s.cacheDir, "reset", "--hard", "FETCH_HEAD")
	if out, err := reset.CombinedOutput(); err != nil {
		return fmt.Errorf("registry: git source %s: reset: %w: %s", s.name, err, out)
	}
	return nil
}
