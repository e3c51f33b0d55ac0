package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// PipeSession runs the newline-delimited pipe transport (spec.md §4.6):
// strictly sequential reads from a single client, but handlers may execute
// concurrently — responses are written back as they complete, correlated
// by request id rather than arrival order.
type PipeSession struct {
	dispatcher *Dispatcher
	auth       *Authenticator
	logger     *zap.Logger

	writeMu sync.Mutex
	cred    Credential
}

func NewPipeSession(dispatcher *Dispatcher, auth *Authenticator, logger *zap.Logger) *PipeSession {
	return &PipeSession{dispatcher: dispatcher, auth: auth, logger: logger.Named("protocol_pipe")}
}

// Run reads newline-delimited Request frames from r and writes
// newline-delimited Response frames to w until r is exhausted or ctx is
// cancelled. The pipe transport authenticates once, from the first request
// (normally initialize); that request's method is not checked.
func (s *PipeSession) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var wg sync.WaitGroup
	defer wg.Wait()

	authenticated := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, errorResponse("", CodeParseError, "malformed request frame"))
			continue
		}

		if !authenticated {
			cred, ok := s.authenticate(req)
			if !ok {
				s.write(w, errorResponse(req.ID, CodeUnauthorized, "authentication failed"))
				return fmt.Errorf("protocol: pipe session authentication failed")
			}
			s.cred = cred
			authenticated = true
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			resp := s.dispatcher.Dispatch(ctx, s.cred, req)
			s.write(w, resp)
		}(req)
	}

	return scanner.Err()
}

// authenticate extracts the credential from the first request's
// params.auth_key and checks it; a missing/empty auth is accepted only if
// the Authenticator's method is "none".
func (s *PipeSession) authenticate(req Request) (Credential, bool) {
	var params struct {
		AuthKey string `json:"auth_key"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	return s.auth.Check(params.AuthKey)
}

func (s *PipeSession) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}
