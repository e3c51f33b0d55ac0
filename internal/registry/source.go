package registry

import (
	"context"
)

// Source is a producer of Tasks (spec.md §3 TaskSource). Variants: local
// directory, packaged archive, HTTP registry index, Git repository
// reference — implemented in local.go, archive.go, http.go, git.go.
type Source interface {
	Name() string
	// Discover scans the source and returns every observed task tuple.
	Discover(ctx context.Context) ([]Observed, error)
}

// Watchable is implemented by sources that support filesystem watch mode
// (spec.md §4.1 "Watch mode"). Only local directory sources implement it —
// the Open Question decision in DESIGN.md forbids watch on git sources.
type Watchable interface {
	Source
	// Watch invokes onChange whenever the source's content may have
	// changed, debounced by the implementation. Blocks until ctx is cancelled.
	Watch(ctx context.Context, onChange func()) error
}
