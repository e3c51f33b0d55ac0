package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/store"
)

// StdioSender writes the ExecutionEnvelope as one line of JSON to the
// process's own stdout or stderr. Per spec.md §4.5 this destination kind is
// never retried: a failed write means the stream itself is broken, and
// retrying against a broken stream cannot help.
type StdioSender struct {
	mu sync.Mutex
}

func NewStdioSender() *StdioSender { return &StdioSender{} }

func (s *StdioSender) Kind() model.DestinationKind { return model.DestinationStdio }

func (s *StdioSender) Send(ctx context.Context, dest store.Destination, envelope model.ExecutionEnvelope) error {
	var w io.Writer = os.Stdout
	if dest.Stream == "stderr" {
		w = os.Stderr
	}

	line, err := json.Marshal(envelope)
	if err != nil {
		return model.NewCoreError(model.ErrKindValidation, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(w, string(line)); err != nil {
		return model.NewCoreError(model.ErrKindExecutionError, "stdio destination write failed: "+err.Error())
	}
	return nil
}
