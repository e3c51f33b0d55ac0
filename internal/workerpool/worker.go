package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the worker lifecycle FSM (spec.md §4.2): Spawning -> Handshaking
// -> Idle -> Busy -> (Idle | Draining) -> Dead.
type State string

const (
	StateSpawning     State = "Spawning"
	StateHandshaking  State = "Handshaking"
	StateIdle         State = "Idle"
	StateBusy         State = "Busy"
	StateDraining     State = "Draining"
	StateDead         State = "Dead"
)

// pendingRequest is the oneshot completion handle the pool holds per
// in-flight request_id (spec.md §4.2 "Routing").
type pendingRequest struct {
	done chan ResultPayload
}

// worker is the pool's in-process handle for one worker process (the
// persisted-facing model.WorkerHandle concept, kept entirely in-memory per
// spec.md §3).
type worker struct {
	id      string
	logger  *zap.Logger
	spawn   spawnFunc

	mu       sync.Mutex
	state    State
	proc     processHandle
	writer   *FrameWriter
	pending  map[string]*pendingRequest
	restarts int

	cancel context.CancelFunc
}

// processHandle abstracts over the running isolation unit backing a worker —
// an *exec.Cmd for the "process" strategy, a Docker container reference for
// the "docker" strategy — so worker.go's lifecycle management (hard-kill,
// graceful wait) doesn't need to know which one it's holding.
type processHandle interface {
	// Kill terminates the underlying process/container immediately.
	Kill() error
	// Wait blocks until the underlying process/container has exited.
	Wait() error
}

// spawnFunc abstracts the isolation strategy (plain os/exec process vs.
// docker-container), selected by config key workers.isolation.
type spawnFunc func(ctx context.Context) (processHandle, *FrameWriter, *FrameReader, error)

func newWorker(id string, logger *zap.Logger, spawn spawnFunc) *worker {
	return &worker{
		id:      id,
		logger:  logger.Named("worker").With(zap.String("worker_id", id)),
		spawn:   spawn,
		state:   StateSpawning,
		pending: make(map[string]*pendingRequest),
	}
}

func (w *worker) currentState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// start spawns the process, performs the Hello/Ready handshake, and begins
// the read loop. onDead is invoked exactly once, when the worker exits for
// any reason, with the set of request IDs that were in flight (to fail them
// with WorkerCrashed per spec.md §4.2).
func (w *worker) start(ctx context.Context, onDead func(w *worker, inFlight []string)) error {
	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	proc, writer, reader, err := w.spawn(wctx)
	if err != nil {
		cancel()
		return fmt.Errorf("workerpool: spawn worker %s: %w", w.id, err)
	}

	w.mu.Lock()
	w.proc = proc
	w.writer = writer
	w.mu.Unlock()
	w.setState(StateHandshaking)

	hello, err := EncodeFrame(KindHello, HelloPayload{ProtocolVersion: ProtocolVersion, WorkerID: w.id})
	if err != nil {
		cancel()
		return err
	}
	if err := writer.Write(hello); err != nil {
		cancel()
		return fmt.Errorf("workerpool: handshake write: %w", err)
	}

	ready, err := reader.Read()
	if err != nil || ready.Kind != KindReady {
		cancel()
		return fmt.Errorf("workerpool: worker %s did not respond Ready: %v", w.id, err)
	}
	w.setState(StateIdle)
	w.logger.Info("worker ready")

	go w.readLoop(reader, onDead)
	return nil
}

func (w *worker) readLoop(reader *FrameReader, onDead func(w *worker, inFlight []string)) {
	defer func() {
		w.setState(StateDead)
		w.mu.Lock()
		ids := make([]string, 0, len(w.pending))
		for id, pr := range w.pending {
			ids = append(ids, id)
			close(pr.done)
		}
		w.pending = make(map[string]*pendingRequest)
		w.mu.Unlock()
		onDead(w, ids)
	}()

	for {
		f, err := reader.Read()
		if err != nil {
			w.logger.Warn("worker read loop ended", zap.Error(err))
			return
		}

		switch f.Kind {
		case KindResult:
			var p ResultPayload
			if err := decodePayload(f, &p); err != nil {
				w.logger.Warn("bad Result payload", zap.Error(err))
				continue
			}
			w.completeRequest(p)
			w.setState(StateIdle)
		case KindProgress, KindLog:
			// Read and discarded; these frames are not forwarded to the
			// pool or to the caller.
		case KindPong:
			// liveness only; no action needed.
		default:
			w.logger.Warn("unexpected frame kind from worker", zap.String("kind", string(f.Kind)))
		}
	}
}

func (w *worker) completeRequest(p ResultPayload) {
	w.mu.Lock()
	pr, ok := w.pending[p.RequestID]
	if ok {
		delete(w.pending, p.RequestID)
	}
	w.mu.Unlock()
	if ok {
		pr.done <- p
		close(pr.done)
	}
}

// send writes a frame of the given kind and, when requestID is non-empty,
// registers a pending completion handle for it.
func (w *worker) send(kind Kind, payload any, requestID string) (<-chan ResultPayload, error) {
	frame, err := EncodeFrame(kind, payload)
	if err != nil {
		return nil, err
	}

	var done chan ResultPayload
	if requestID != "" {
		done = make(chan ResultPayload, 1)
		w.mu.Lock()
		w.pending[requestID] = &pendingRequest{done: done}
		w.mu.Unlock()
	}

	w.mu.Lock()
	writer := w.writer
	w.mu.Unlock()
	if writer == nil {
		return nil, fmt.Errorf("workerpool: worker %s has no active transport", w.id)
	}
	if err := writer.Write(frame); err != nil {
		return nil, err
	}
	return done, nil
}

// hardKill terminates the worker's underlying process or container
// immediately, used when a Cancel's grace period expires (spec.md §4.2).
func (w *worker) hardKill() {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *worker) gracefulShutdown(timeout time.Duration) {
	_, _ = w.send(KindShutdown, nil, "")
	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		proc := w.proc
		w.mu.Unlock()
		if proc != nil {
			_ = proc.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		w.hardKill()
	}
}

func decodePayload(f Frame, out any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, out)
}
