// Package workerpool is the Worker Pool (C2): manages N long-lived worker
// processes, routes typed requests to them over a length-prefixed framed
// protocol, and recovers crashes. Grounded on agent/internal/restic/wrapper.go's
// subprocess + stdout-pipe pattern, generalized from one-shot invocation to a
// persistent bidirectional protocol, and on
// agent/internal/connection/manager.go's exponential-backoff reconnect loop,
// reused in shape for worker restart.
package workerpool

import "encoding/json"

// Kind is the closed set of frame kinds (spec.md §4.2 transport table).
type Kind string

const (
	KindHello    Kind = "Hello"
	KindReady    Kind = "Ready"
	KindExecute  Kind = "Execute"
	KindProgress Kind = "Progress"
	KindLog      Kind = "Log"
	KindResult   Kind = "Result"
	KindCancel   Kind = "Cancel"
	KindPing     Kind = "Ping"
	KindPong     Kind = "Pong"
	KindShutdown Kind = "Shutdown"
)

// ProtocolVersion is advertised in the Hello handshake.
const ProtocolVersion = 1

// Frame is the envelope carried over the length-prefixed transport. Payload
// is kind-specific and decoded lazily by the caller via DecodePayload.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is sent pool -> worker at handshake.
type HelloPayload struct {
	ProtocolVersion int    `json:"protocol_version"`
	WorkerID        string `json:"worker_id"`
}

// ExecutePayload is sent pool -> worker to run a task.
type ExecutePayload struct {
	RequestID   string `json:"request_id"`
	TaskUUID    string `json:"task_uuid"`
	TaskVersion string `json:"task_version"`
	Content     string `json:"content"`
	Input       json.RawMessage `json:"input"`
	TimeoutMs   int64  `json:"timeout_ms"`
	MemoryCapMB int    `json:"memory_cap_mb"`
	TraceID     string `json:"trace_id"`
}

// ProgressPayload is sent worker -> pool optionally, mid-execution.
type ProgressPayload struct {
	RequestID string  `json:"request_id"`
	Fraction  float64 `json:"fraction"`
	Message   string  `json:"message"`
}

// LogPayload is sent worker -> pool for task-emitted log lines.
type LogPayload struct {
	RequestID string `json:"request_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// ResultPayload is the terminal worker -> pool response.
type ResultPayload struct {
	RequestID  string          `json:"request_id"`
	OK         bool            `json:"ok"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrKind    string          `json:"err_kind,omitempty"`
	ErrMessage string          `json:"err_message,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// CancelPayload is sent pool -> worker for best-effort cancellation.
type CancelPayload struct {
	RequestID string `json:"request_id"`
}

// EncodeFrame marshals a kind + payload value into a Frame ready to write.
func EncodeFrame(kind Kind, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Kind: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Payload: raw}, nil
}
