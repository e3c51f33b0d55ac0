package workerpool

import (
	"bufio"
	"io"

	"go.uber.org/zap"
)

// newStderrSink pipes a worker process's stderr to the pool's logger line by
// line, so an otto-thrown panic or stack trace surfaces in structured logs
// rather than disappearing into the void.
func newStderrSink(logger *zap.Logger, workerID string) io.Writer {
	named := logger.Named("worker_stderr").With(zap.String("worker_id", workerID))
	pr, pw := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			named.Warn(scanner.Text())
		}
	}()

	return pw
}
