package protocol

import (
	"context"
	"encoding/json"

	"github.com/ratchet-run/ratchet/internal/model"
)

// Dispatcher resolves a Request against the fixed method table
// (initialize, tools/list, tools/call) plus the Core-backed tool registry.
type Dispatcher struct {
	core    Core
	tools   map[string]tool
	limiter *RateLimiter
}

func NewDispatcher(core Core, limiter *RateLimiter) *Dispatcher {
	return &Dispatcher{core: core, tools: Registry(core), limiter: limiter}
}

// Dispatch handles one Request for an already-authenticated credential and
// returns the Response to send back (never nil).
func (d *Dispatcher) Dispatch(ctx context.Context, cred Credential, req Request) Response {
	if req.Version != "" && req.Version != ProtocolVersion {
		return errorResponse(req.ID, CodeInvalidRequest, "unsupported protocol version")
	}

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]any{
			"protocol_version": ProtocolVersion,
			"capabilities":     []string{"tools/list", "tools/call"},
		})
	case "tools/list":
		return resultResponse(req.ID, List(d.core))
	case "tools/call":
		return d.dispatchToolCall(ctx, cred, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (d *Dispatcher) dispatchToolCall(ctx context.Context, cred Credential, req Request) Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "malformed tools/call params")
	}

	t, ok := d.tools[params.Name]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "unknown tool: "+params.Name)
	}
	if !t.Requires(cred.Permissions) {
		return errorResponse(req.ID, CodeForbidden, "credential lacks capability for tool "+params.Name)
	}

	if d.limiter != nil {
		if ok, retryAfter := d.limiter.Allow(cred.Key, params.Name); !ok {
			resp := errorResponse(req.ID, CodeRateLimited, "rate limit exceeded")
			resp.Error = rateLimitError(retryAfter)
			return resp
		}
	}

	result, err := t.Handler(ctx, d.core, cred.Permissions, params.Arguments)
	if err != nil {
		if ce, ok := err.(*model.CoreError); ok && ce.Kind == model.ErrKindPermission {
			return errorResponse(req.ID, CodeForbidden, ce.Message)
		}
		return errorResponse(req.ID, CodeExecutionFail, err.Error())
	}
	return resultResponse(req.ID, result)
}
