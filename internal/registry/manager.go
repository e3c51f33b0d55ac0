package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Manager owns a Catalog plus the set of configured Sources, running each
// source's poll loop (and watch loop, where supported) for the lifetime of
// the process. Grounded on the supervisor-owns-subsystems pattern spec.md
// §9 ("Global state") mandates — Manager is constructed once by the root
// App and never reached via package-level state.
type Manager struct {
	Catalog *Catalog
	sources []configuredSource
	logger  *zap.Logger
}

type configuredSource struct {
	source           Source
	pollingInterval  time.Duration
	watch            bool
}

// NewManager constructs a registry Manager around an existing Catalog.
func NewManager(catalog *Catalog, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{Catalog: catalog, logger: logger.Named("registry.manager")}
}

// AddSource registers a source with its polling interval and watch flag.
// Config validation (DESIGN.md decision 1) has already rejected watch=true
// on git sources before this is called.
func (m *Manager) AddSource(s Source, pollingInterval time.Duration, watch bool) {
	m.sources = append(m.sources, configuredSource{source: s, pollingInterval: pollingInterval, watch: watch})
}

// Run starts every source's poll loop (and watch loop where applicable) and
// blocks until ctx is cancelled. An initial synchronous sync is performed
// for every source before Run returns control to the caller's background
// goroutine, so the catalog is populated before C4/C6 start serving.
func (m *Manager) Run(ctx context.Context) error {
	for _, cs := range m.sources {
		if err := m.syncOnce(ctx, cs.source); err != nil {
			m.logger.Warn("initial sync failed, continuing with empty/partial catalog",
				zap.String("source", cs.source.Name()), zap.Error(err))
		}
	}

	for _, cs := range m.sources {
		cs := cs
		go m.pollLoop(ctx, cs)
		if cs.watch {
			if w, ok := cs.source.(Watchable); ok {
				go m.watchLoop(ctx, w)
			}
		}
	}

	<-ctx.Done()
	return nil
}

func (m *Manager) pollLoop(ctx context.Context, cs configuredSource) {
	interval := cs.pollingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.syncOnce(ctx, cs.source); err != nil {
				m.logger.Warn("periodic sync failed", zap.String("source", cs.source.Name()), zap.Error(err))
			}
		}
	}
}

func (m *Manager) watchLoop(ctx context.Context, w Watchable) {
	err := w.Watch(ctx, func() {
		if syncErr := m.syncOnce(ctx, w); syncErr != nil {
			m.logger.Warn("watch-triggered sync failed", zap.String("source", w.Name()), zap.Error(syncErr))
		}
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Error("watch loop exited", zap.String("source", w.Name()), zap.Error(err))
	}
}

func (m *Manager) syncOnce(ctx context.Context, s Source) error {
	observed, err := s.Discover(ctx)
	if err != nil {
		return err
	}
	m.Catalog.Sync(ctx, observed, func(o Observed) error {
		return ValidateObserved(o, nil)
	})
	return nil
}
