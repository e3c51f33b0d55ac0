package workerpool

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/model"
)

// ErrBackpressure is returned by Submit when the pool's pending queue is
// full (spec.md §4.2 "Backpressure").
var ErrBackpressure = fmt.Errorf("workerpool: pending queue full")

// ErrWorkerCrashed is the terminal error surfaced for requests that were
// in flight on a worker that died before producing a Result.
var ErrWorkerCrashed = fmt.Errorf("workerpool: worker crashed")

// Config controls pool sizing and isolation.
type Config struct {
	Size             int
	MaxPending       int
	RestartBase      time.Duration
	RestartCap       time.Duration
	CancelGrace      time.Duration
	Isolation        string // "process" or "docker"
	DockerImage      string
	WorkerBinaryPath string
}

// Request is one unit of work submitted to the pool.
type Request struct {
	ExecutePayload
}

// Outcome is the terminal result of a dispatched request.
type Outcome struct {
	Result ResultPayload
	Err    error
}

// Pool manages a fixed set of worker processes and routes requests to an
// Idle worker, queuing beyond pool size up to MaxPending (spec.md §4.2
// "Worker Pool").
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	workers map[string]*worker
	pending chan submission
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type submission struct {
	req    Request
	result chan Outcome
}

// New constructs a Pool and spawns its initial worker set. Callers must
// call Run to keep it alive until ctx is cancelled, and Shutdown for a
// graceful drain.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = cfg.Size * 4
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = time.Second
	}
	if cfg.RestartCap <= 0 {
		cfg.RestartCap = 30 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}

	return &Pool{
		cfg:     cfg,
		logger:  logger.Named("workerpool"),
		workers: make(map[string]*worker),
		pending: make(chan submission, cfg.MaxPending),
	}
}

// Run starts the worker processes and the dispatch loop, blocking until ctx
// is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Size; i++ {
		if err := p.spawnWorker(p.ctx, fmt.Sprintf("w%d", i)); err != nil {
			return fmt.Errorf("workerpool: initial spawn: %w", err)
		}
	}

	p.dispatchLoop(p.ctx)
	return nil
}

func (p *Pool) spawnWorker(ctx context.Context, id string) error {
	w := newWorker(id, p.logger, p.spawnFuncFor(id))
	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()

	if err := w.start(ctx, p.onWorkerDead); err != nil {
		return err
	}
	return nil
}

// spawnFuncFor returns the isolation-strategy-specific process launcher.
// "docker" is grounded on agent/internal/docker/discovery.go's use of the
// docker/docker client to manage containers; "process" is the default,
// grounded on restic/wrapper.go's direct os/exec usage.
func (p *Pool) spawnFuncFor(id string) spawnFunc {
	if p.cfg.Isolation == "docker" {
		return p.dockerSpawnFunc(id)
	}
	return p.processSpawnFunc(id)
}

// execHandle adapts *exec.Cmd to processHandle.
type execHandle struct {
	cmd *exec.Cmd
}

func (h execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h execHandle) Wait() error {
	return h.cmd.Wait()
}

func (p *Pool) processSpawnFunc(id string) spawnFunc {
	return func(ctx context.Context) (processHandle, *FrameWriter, *FrameReader, error) {
		bin := p.cfg.WorkerBinaryPath
		if bin == "" {
			bin = "ratchetd"
		}
		cmd := exec.CommandContext(ctx, bin, "worker", "--worker-id", id)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		cmd.Stderr = newStderrSink(p.logger, id)

		if err := cmd.Start(); err != nil {
			return nil, nil, nil, fmt.Errorf("start worker process: %w", err)
		}

		return execHandle{cmd: cmd}, NewFrameWriter(stdin), NewFrameReader(stdout), nil
	}
}

// onWorkerDead fails in-flight requests with ErrWorkerCrashed and schedules
// a restart with full-jitter exponential backoff (spec.md §4.2 "Crash
// recovery").
func (p *Pool) onWorkerDead(w *worker, inFlight []string) {
	p.logger.Warn("worker died", zap.String("worker_id", w.id), zap.Int("in_flight", len(inFlight)))

	w.mu.Lock()
	w.restarts++
	attempt := w.restarts
	w.mu.Unlock()

	bo := newBackoff(p.cfg.RestartBase, p.cfg.RestartCap)
	delay := bo.Duration(attempt)

	select {
	case <-p.ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := p.spawnWorker(p.ctx, w.id); err != nil {
		p.logger.Error("worker restart failed", zap.String("worker_id", w.id), zap.Error(err))
	}
}

// Submit enqueues a request and blocks until it completes, the context is
// cancelled, or its timeout elapses. Returns ErrBackpressure immediately if
// the pending queue is full.
func (p *Pool) Submit(ctx context.Context, req Request) (ResultPayload, error) {
	sub := submission{req: req, result: make(chan Outcome, 1)}

	select {
	case p.pending <- sub:
	default:
		return ResultPayload{}, ErrBackpressure
	}

	select {
	case out := <-sub.result:
		return out.Result, out.Err
	case <-ctx.Done():
		return ResultPayload{}, ctx.Err()
	}
}

// dispatchLoop pulls queued submissions and routes each to an Idle worker,
// blocking (without holding the queue) until one becomes available.
func (p *Pool) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-p.pending:
			w := p.waitForIdle(ctx)
			if w == nil {
				sub.result <- Outcome{Err: ctx.Err()}
				continue
			}
			p.wg.Add(1)
			go p.dispatch(ctx, w, sub)
		}
	}
}

func (p *Pool) waitForIdle(ctx context.Context) *worker {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		for _, w := range p.workers {
			if w.currentState() == StateIdle {
				w.setState(StateBusy)
				p.mu.Unlock()
				return w
			}
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, w *worker, sub submission) {
	defer p.wg.Done()

	done, err := w.send(KindExecute, sub.req.ExecutePayload, sub.req.RequestID)
	if err != nil {
		w.setState(StateIdle)
		sub.result <- Outcome{Err: err}
		return
	}

	timeout := time.Duration(sub.req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-done:
		if !ok {
			sub.result <- Outcome{Err: ErrWorkerCrashed}
			return
		}
		sub.result <- Outcome{Result: res}
	case <-timer.C:
		p.cancelAndAwait(w, sub.req.RequestID, sub.result)
	case <-ctx.Done():
		sub.result <- Outcome{Err: ctx.Err()}
	}
}

// cancelAndAwait sends Cancel and hard-kills the worker if it hasn't
// produced a Result within the configured grace period (spec.md §4.2
// "Cancellation").
func (p *Pool) cancelAndAwait(w *worker, requestID string, result chan Outcome) {
	_, _ = w.send(KindCancel, CancelPayload{RequestID: requestID}, "")

	grace := time.NewTimer(p.cfg.CancelGrace)
	defer grace.Stop()

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-grace.C:
			w.hardKill()
			result <- Outcome{Err: model.NewCoreError(model.ErrKindTimedOut, "execution timed out and was force-killed")}
			return
		case <-poll.C:
			w.mu.Lock()
			_, stillPending := w.pending[requestID]
			w.mu.Unlock()
			if !stillPending {
				result <- Outcome{Err: model.NewCoreError(model.ErrKindTimedOut, "execution timed out")}
				return
			}
		}
	}
}

// Shutdown drains in-flight work and gracefully stops every worker,
// waiting up to timeout before the pool's context is cancelled outright.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		w.setState(StateDraining)
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.gracefulShutdown(timeout)
		}(w)
	}
	wg.Wait()

	if p.cancel != nil {
		p.cancel()
	}
}

// Snapshot reports the current worker count by state, used by the app
// supervisor's periodic health check (spec.md §4.2 "Pool health").
func (p *Pool) Snapshot() map[State]int {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	counts := make(map[State]int, 6)
	for _, w := range workers {
		counts[w.currentState()]++
	}
	return counts
}
