// Package jsworker is the worker-side half of the Worker Pool protocol
// (spec.md §4.2): it speaks the same length-prefixed frame format as
// internal/workerpool, but from the child process's point of view — reading
// Execute frames from stdin and writing Progress/Log/Result frames to
// stdout. Task content is run in an embedded JavaScript engine
// (robertkrimen/otto), matching the spec's "task content is a single
// JavaScript function body" model.
package jsworker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robertkrimen/otto"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/workerpool"
)

// memCheckInterval is how often runScript samples its own RSS against
// ExecutePayload.MemoryCapMB while a script is running.
const memCheckInterval = 250 * time.Millisecond

// Worker runs the Execute/Result loop for one subprocess.
type Worker struct {
	id     string
	logger *zap.Logger
	reader *workerpool.FrameReader
	writer *workerpool.FrameWriter
}

func New(id string, in io.Reader, out io.Writer, logger *zap.Logger) *Worker {
	return &Worker{
		id:     id,
		logger: logger.Named("jsworker").With(zap.String("worker_id", id)),
		reader: workerpool.NewFrameReader(in),
		writer: workerpool.NewFrameWriter(out),
	}
}

// Run performs the Hello/Ready handshake and then services Execute frames
// until stdin closes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	hello, err := w.reader.Read()
	if err != nil {
		return fmt.Errorf("jsworker: awaiting Hello: %w", err)
	}
	if hello.Kind != workerpool.KindHello {
		return fmt.Errorf("jsworker: expected Hello, got %s", hello.Kind)
	}

	ready, err := workerpool.EncodeFrame(workerpool.KindReady, nil)
	if err != nil {
		return err
	}
	if err := w.writer.Write(ready); err != nil {
		return err
	}

	for {
		f, err := w.reader.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("jsworker: read: %w", err)
		}

		switch f.Kind {
		case workerpool.KindExecute:
			var p workerpool.ExecutePayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				w.logger.Warn("bad Execute payload", zap.Error(err))
				continue
			}
			go w.execute(ctx, p)
		case workerpool.KindCancel:
			// Best-effort only: otto has no native interrupt-and-resume, so a
			// running script is left to finish; the pool enforces the hard
			// deadline by killing this process.
		case workerpool.KindShutdown:
			return nil
		case workerpool.KindPing:
			pong, _ := workerpool.EncodeFrame(workerpool.KindPong, nil)
			_ = w.writer.Write(pong)
		}
	}
}

func (w *Worker) execute(ctx context.Context, p workerpool.ExecutePayload) {
	start := time.Now()
	result := w.runScript(p)
	result.DurationMs = time.Since(start).Milliseconds()

	frame, err := workerpool.EncodeFrame(workerpool.KindResult, result)
	if err != nil {
		w.logger.Error("encode Result", zap.Error(err))
		return
	}
	if err := w.writer.Write(frame); err != nil {
		w.logger.Error("write Result", zap.Error(err))
	}
}

// runScript evaluates the task's content as a JavaScript function body,
// invoking it with the decoded input and capturing its return value.
func (w *Worker) runScript(p workerpool.ExecutePayload) workerpool.ResultPayload {
	vm := otto.New()
	if p.TimeoutMs > 0 || p.MemoryCapMB > 0 {
		vm.Interrupt = make(chan func(), 1)
	}
	if p.TimeoutMs > 0 {
		timer := time.AfterFunc(time.Duration(p.TimeoutMs)*time.Millisecond, func() {
			vm.Interrupt <- func() {
				panic(timeoutPanic{})
			}
		})
		defer timer.Stop()
	}
	if p.MemoryCapMB > 0 {
		stop := w.watchMemory(vm, p.MemoryCapMB)
		defer close(stop)
	}

	var input any
	if len(p.Input) > 0 {
		if err := json.Unmarshal(p.Input, &input); err != nil {
			return errResult(p.RequestID, "ValidationError", err.Error())
		}
	}

	result := func() (res workerpool.ResultPayload) {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(timeoutPanic); ok {
					res = errResult(p.RequestID, "TimedOut", "execution exceeded its timeout")
					return
				}
				if mp, ok := r.(memCapPanic); ok {
					res = errResult(p.RequestID, "ExecutionError", fmt.Sprintf("execution exceeded its memory cap (%d MB)", mp.capMB))
					return
				}
				res = errResult(p.RequestID, "ExecutionError", fmt.Sprintf("panic: %v", r))
			}
		}()

		if err := vm.Set("__input", input); err != nil {
			return errResult(p.RequestID, "ExecutionError", err.Error())
		}

		script := "(function(input) {\n" + p.Content + "\n})(__input)"
		value, err := vm.Run(script)
		if err != nil {
			return errResult(p.RequestID, "ExecutionError", err.Error())
		}

		exported, err := value.Export()
		if err != nil {
			return errResult(p.RequestID, "ExecutionError", err.Error())
		}
		out, err := json.Marshal(exported)
		if err != nil {
			return errResult(p.RequestID, "ExecutionError", err.Error())
		}
		return workerpool.ResultPayload{RequestID: p.RequestID, OK: true, Output: out}
	}()

	return result
}

type timeoutPanic struct{}

type memCapPanic struct{ capMB int }

// watchMemory samples this process's own RSS via gopsutil at
// memCheckInterval and interrupts the VM once it crosses capMB — advisory
// enforcement, since otto has no way to bound a single call's allocations
// ahead of time. Returns a channel the caller closes to stop the watcher
// once the script has finished.
func (w *Worker) watchMemory(vm *otto.Otto, capMB int) chan struct{} {
	stop := make(chan struct{})
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		w.logger.Warn("memory watcher unavailable", zap.Error(err))
		return stop
	}

	go func() {
		ticker := time.NewTicker(memCheckInterval)
		defer ticker.Stop()
		capBytes := uint64(capMB) * 1024 * 1024
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				info, err := proc.MemoryInfo()
				if err != nil || info == nil {
					continue
				}
				if info.RSS > capBytes {
					select {
					case vm.Interrupt <- func() { panic(memCapPanic{capMB: capMB}) }:
					default:
					}
					return
				}
			}
		}
	}()
	return stop
}

func errResult(requestID, kind, msg string) workerpool.ResultPayload {
	return workerpool.ResultPayload{RequestID: requestID, OK: false, ErrKind: kind, ErrMessage: msg}
}
