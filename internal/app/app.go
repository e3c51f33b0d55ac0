// Package app is the root supervisor (C0): it owns configuration, opens the
// store, wires the registry (C1), worker pool (C2), job queue/scheduler (C4),
// delivery pipeline (C5), and protocol layer (C6) together behind a single
// Core implementation, and sequences graceful shutdown across all of them.
// Grounded on the teacher's cmd/server main-wiring shape plus
// server/internal/scheduler/scheduler.go's gocron usage, reused here for a
// narrow supervisor-level health check rather than policy scheduling (the
// Job Queue's own cron firing is handled independently by
// internal/queue.CronRunner on robfig/cron/v3, per DESIGN.md's C4 entry).
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ratchet-run/ratchet/internal/config"
	"github.com/ratchet-run/ratchet/internal/delivery"
	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/protocol"
	"github.com/ratchet-run/ratchet/internal/queue"
	"github.com/ratchet-run/ratchet/internal/registry"
	"github.com/ratchet-run/ratchet/internal/store"
	"github.com/ratchet-run/ratchet/internal/workerpool"
)

// App owns the lifetime of every subsystem and is the sole place package
// level state would otherwise leak to (spec.md §9 "no global state").
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db         *gorm.DB
	tasks      store.TaskRepository
	executions store.ExecutionRepository
	jobs       store.JobRepository
	schedules  store.ScheduleRepository
	deliveries store.DeliveryRepository

	catalog *registry.Catalog
	manager *registry.Manager

	pool *workerpool.Pool

	dispatcher *queue.Dispatcher
	cron       *queue.CronRunner

	pipeline *delivery.Pipeline

	health  gocron.Scheduler
	metrics *appMetrics

	core *core
}

// New constructs every subsystem from cfg but does not start any background
// loop; call Run to bring the app up.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := store.InitEncryption(cfg.Store.EncryptionKeyHex); err != nil {
		return nil, err
	}
	gdb, err := store.New(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	catalog, err := registry.New(logger, cfg.Cache.TaskContentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	a := &App{
		cfg:        cfg,
		logger:     logger.Named("app"),
		db:         gdb,
		tasks:      store.NewTaskRepository(gdb),
		executions: store.NewExecutionRepository(gdb),
		jobs:       store.NewJobRepository(gdb),
		schedules:  store.NewScheduleRepository(gdb),
		deliveries: store.NewDeliveryRepository(gdb),
		catalog:    catalog,
		metrics:    newAppMetrics(),
	}

	a.manager = registry.NewManager(catalog, logger)
	for _, src := range cfg.Registry.Sources {
		source, err := buildSource(src, logger)
		if err != nil {
			return nil, err
		}
		a.manager.AddSource(source, time.Duration(src.PollingIntervalS)*time.Second, src.Watch)
	}

	poolSize := cfg.Workers.Count
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	a.pool = workerpool.New(workerpool.Config{
		Size:             poolSize,
		MaxPending:       cfg.Workers.MaxPending,
		RestartBase:      time.Duration(cfg.Workers.RestartDelayS) * time.Second,
		RestartCap:       30 * time.Second,
		CancelGrace:      time.Duration(cfg.Workers.CancelGraceS) * time.Second,
		Isolation:        cfg.Workers.Isolation,
		DockerImage:      cfg.Workers.DockerImage,
		WorkerBinaryPath: cfg.Workers.BinaryPath,
	}, logger)

	a.dispatcher = queue.NewDispatcher(queue.DispatchConfig{
		ClaimantID:     "core",
		DefaultTimeout: cfg.ExecutionTimeout(),
	}, a.jobs, a.executions, a.catalog, a.pool, poolSize, logger)

	a.cron = queue.NewCronRunner(a.schedules, a.jobs, logger)

	deliverOn := make(map[model.ExecutionState]bool, len(cfg.Output.DeliverOn))
	for _, s := range cfg.Output.DeliverOn {
		deliverOn[model.ExecutionState(s)] = true
	}
	a.pipeline = delivery.New(delivery.Config{
		MaxConcurrent: cfg.Output.MaxConcurrentDeliveries,
		DeliverOn:     deliverOn,
		DefaultRetry: model.RetryPolicy{
			MaxAttempts:       cfg.Output.DefaultRetry.MaxAttempts,
			InitialDelayMs:    cfg.Output.DefaultRetry.InitialDelayMs,
			MaxDelayMs:        cfg.Output.DefaultRetry.MaxDelayMs,
			BackoffMultiplier: cfg.Output.DefaultRetry.BackoffMultiplier,
		},
	}, a.deliveries, logger)
	a.pipeline.Register(delivery.NewWebhookSender(time.Duration(cfg.Output.DefaultTimeoutS)*time.Second, cfg.HTTP.MaxRedirects))
	a.pipeline.Register(delivery.NewFilesystemSender())
	a.pipeline.Register(delivery.NewStdioSender())
	for _, d := range cfg.Output.Destinations {
		headers, _ := json.Marshal(d.Headers)
		dest := &store.Destination{
			Name: d.Name, Kind: d.Kind, URL: d.URL, Method: d.Method,
			Headers: string(headers), AuthSecret: store.EncryptedString(d.AuthSecret),
			PathTemplate: d.PathTemplate, Root: d.Root, Format: d.Format, Stream: d.Stream,
		}
		if err := a.deliveries.UpsertDestination(context.Background(), dest); err != nil {
			return nil, fmt.Errorf("app: register destination %q: %w", d.Name, err)
		}
	}

	health, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("app: init health scheduler: %w", err)
	}
	a.health = health

	a.core = newCore(a)

	return a, nil
}

func buildSource(src config.SourceConfig, logger *zap.Logger) (registry.Source, error) {
	switch src.Kind {
	case "local":
		return registry.NewLocalSource(src.Name, src.URI, src.IncludePatterns, src.ExcludePatterns, logger), nil
	case "archive":
		return registry.NewArchiveSource(src.Name, src.URI), nil
	case "http":
		return registry.NewHTTPSource(src.Name, src.URI, 30*time.Second), nil
	case "git":
		return registry.NewGitSource(src.Name, src.URI, "HEAD", fmt.Sprintf(".ratchet-cache/%s", src.Name), logger), nil
	default:
		return nil, fmt.Errorf("app: unknown registry source kind %q", src.Kind)
	}
}

// Core returns the protocol.Core implementation, used by cmd/ratchetd to
// build the transport(s).
func (a *App) Core() protocol.Core { return a.core }

// Run starts every background subsystem and blocks until ctx is cancelled.
// The startup order matches spec.md §9: catalog populated before anything
// that might dispatch against it.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.manager.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("registry manager exited", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.pool.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("worker pool exited", zap.Error(err))
		}
	}()

	a.pipeline.ResumePending(ctx, time.Now().UTC(), a.envelopeOf, a.destinationByID)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.cron.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchCatalogChanges(ctx)
	}()

	if err := a.startHealthCheck(); err != nil {
		return err
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// startHealthCheck registers the one gocron job this supervisor owns: a
// periodic log line reporting worker-pool state, catalog size, and host
// resource utilization, independent of the Job Queue's own
// robfig/cron/v3-driven Schedule firing.
func (a *App) startHealthCheck() error {
	interval := time.Duration(a.cfg.Workers.HealthCheckIntervalS) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	_, err := a.health.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			snapshot := a.pool.Snapshot()
			a.metrics.observePool(snapshot)
			fields := []zap.Field{
				zap.Any("worker_states", snapshot),
				zap.Int("catalog_size", len(a.catalog.List(registry.Filter{}))),
			}
			fields = append(fields, hostResourceFields(a.logger)...)
			a.logger.Info("health check", fields...)
		}),
	)
	if err != nil {
		return fmt.Errorf("app: schedule health check: %w", err)
	}
	a.health.Start()
	return nil
}

// watchCatalogChanges is the registry's one in-tree consumer of its
// Subscribe/Unsubscribe contract: it logs every catalog mutation as it
// happens, giving operators an audit trail of task adds/updates/removals
// independent of the periodic health-check snapshot in startHealthCheck.
func (a *App) watchCatalogChanges(ctx context.Context) {
	ch := a.catalog.Subscribe()
	defer a.catalog.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.logger.Info("catalog change",
				zap.String("kind", string(ev.Kind)),
				zap.String("task_uuid", ev.Ref.UUID),
				zap.String("task_version", ev.Ref.Version),
			)
		}
	}
}

// hostResourceFields samples host CPU and memory utilization for the health
// check log line. A sampling failure (e.g. /proc unavailable in a minimal
// container) is logged once and otherwise ignored — host metrics are
// informational, not load-bearing for pool health.
func hostResourceFields(logger *zap.Logger) []zap.Field {
	fields := make([]zap.Field, 0, 2)

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields = append(fields, zap.Float64("host_cpu_percent", pct[0]))
	} else if err != nil {
		logger.Debug("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		fields = append(fields, zap.Float64("host_mem_percent", vm.UsedPercent))
	} else {
		logger.Debug("memory sample failed", zap.Error(err))
	}

	return fields
}

// Shutdown sequences an orderly stop per spec.md §5: stop accepting new
// protocol requests (the caller does this by stopping its transport before
// calling Shutdown), let in-flight work finish within grace, then stop the
// worker pool and health scheduler.
func (a *App) Shutdown(grace time.Duration) {
	time.Sleep(minDuration(grace, 2*time.Second))
	a.pool.Shutdown(grace)
	if a.health != nil {
		_ = a.health.Shutdown()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (a *App) envelopeOf(executionID string) (model.ExecutionEnvelope, error) {
	e, err := a.executions.Get(context.Background(), executionID)
	if err != nil {
		return model.ExecutionEnvelope{}, err
	}
	return envelopeFromExecution(e), nil
}

func (a *App) destinationByID(id string) (store.Destination, error) {
	dests, err := a.deliveries.ListDestinations(context.Background())
	if err != nil {
		return store.Destination{}, err
	}
	for _, d := range dests {
		if d.ID == id {
			return d, nil
		}
	}
	return store.Destination{}, store.ErrNotFound
}

func envelopeFromExecution(e *store.Execution) model.ExecutionEnvelope {
	var input, output any
	_ = json.Unmarshal([]byte(e.Input), &input)
	if e.Output != "" {
		_ = json.Unmarshal([]byte(e.Output), &output)
	}
	env := model.ExecutionEnvelope{
		ExecutionID: e.ID,
		Task:        model.TaskRef{UUID: e.TaskUUID, Version: e.TaskVersion},
		Status:      model.ExecutionState(e.State),
		Input:       input,
		Output:      output,
		DurationMs:  e.DurationMs,
		TraceID:     e.TraceID,
	}
	if e.StartedAt != nil {
		env.StartedAt = *e.StartedAt
	}
	if e.FinishedAt != nil {
		env.FinishedAt = *e.FinishedAt
	}
	if e.ErrorKind != "" {
		env.Error = &model.CoreError{Kind: model.ErrorKind(e.ErrorKind), Message: e.ErrorMsg}
	}
	return env
}

// newTraceID produces a fresh correlation id for one execution, grounded on
// the teacher's UUIDv7-for-time-ordered-ids convention (store/models.go).
func newTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
