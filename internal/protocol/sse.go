package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	keepAliveInterval = 30 * time.Second
	sessionEventBuffer = 32
)

// Session is one event-stream client (spec.md §4.6 "Event-stream
// transport"). Its events channel is bounded, and a full buffer blocks the
// producer rather than dropping — spec.md §5 requires a slow SSE consumer to apply
// back-pressure only to itself, never to lose events silently.
type Session struct {
	ID       string
	cred     Credential
	authed   bool
	events   chan Event
	lastSeen time.Time

	mu sync.Mutex
}

func newSession(id string) *Session {
	return &Session{ID: id, events: make(chan Event, sessionEventBuffer), lastSeen: time.Now()}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

// Publish delivers an event to this session, blocking if its buffer is
// full, per spec.md §5's per-session backpressure rule. Callers should
// invoke this from a goroutine they're willing to have block.
func (s *Session) Publish(ctx interface{ Done() <-chan struct{} }, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// SessionHub manages the set of live SSE sessions, grounded on
// server/internal/websocket/hub.go's register/unregister/mutex shape, with
// Subscribe/topic broadcast dropped since SSE sessions are addressed
// individually by session ID rather than joined to pub/sub topics.
type SessionHub struct {
	dispatcher *Dispatcher
	auth       *Authenticator
	idleTimeout time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionHub(dispatcher *Dispatcher, auth *Authenticator, idleTimeout time.Duration, logger *zap.Logger) *SessionHub {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &SessionHub{
		dispatcher:  dispatcher,
		auth:        auth,
		idleTimeout: idleTimeout,
		logger:      logger.Named("protocol_sse"),
		sessions:    make(map[string]*Session),
	}
}

// Router builds the chi router exposing GET /sse/{session},
// POST /message/{session}, and GET /health.
func (h *SessionHub) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)
	r.Get("/sse/{session}", h.handleStream)
	r.Post("/message/{session}", h.handleMessage)
	return r
}

func (h *SessionHub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *SessionHub) getOrCreate(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		s = newSession(id)
		h.sessions[id] = s
	}
	return s
}

func (h *SessionHub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *SessionHub) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	session := h.getOrCreate(id)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.remove(id)
			return
		case ev := <-session.events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			if session.idleSince() > h.idleTimeout {
				h.remove(id)
				return
			}
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func (h *SessionHub) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	session := h.getOrCreate(id)
	session.touch()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, errorResponse("", CodeParseError, "malformed request body"))
		return
	}

	session.mu.Lock()
	authed := session.authed
	cred := session.cred
	session.mu.Unlock()

	if !authed {
		key := r.Header.Get("Authorization")
		c, ok := h.auth.Check(key)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse(req.ID, CodeUnauthorized, "authentication failed"))
			h.remove(id)
			return
		}
		session.mu.Lock()
		session.cred = c
		session.authed = true
		session.mu.Unlock()
		cred = c
	}

	resp := h.dispatcher.Dispatch(r.Context(), cred, req)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
