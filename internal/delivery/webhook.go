package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/store"
)

// WebhookSender POSTs the ExecutionEnvelope as JSON to the destination URL,
// per spec.md §4.5's webhook destination. net/http is used directly —
// no HTTP client wrapper library appears anywhere in the corpus.
type WebhookSender struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebhookSender(timeout time.Duration, maxRedirects int) *WebhookSender {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("delivery: stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &WebhookSender{client: client, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (s *WebhookSender) Kind() model.DestinationKind { return model.DestinationWebhook }

func (s *WebhookSender) Send(ctx context.Context, dest store.Destination, envelope model.ExecutionEnvelope) error {
	breaker := s.breakerFor(dest.Name)

	_, err := breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, dest, envelope)
	})
	if err == gobreaker.ErrOpenState {
		return model.NewCoreError(model.ErrKindNetworkError, "circuit breaker open for destination "+dest.Name)
	}
	return err
}

func (s *WebhookSender) post(ctx context.Context, dest store.Destination, envelope model.ExecutionEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return model.NewCoreError(model.ErrKindValidation, err.Error())
	}

	method := dest.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, dest.URL, bytes.NewReader(body))
	if err != nil {
		return model.NewCoreError(model.ErrKindValidation, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if dest.AuthSecret != "" {
		req.Header.Set("Authorization", "Bearer "+string(dest.AuthSecret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.NewCoreError(model.ErrKindNetworkError, err.Error())
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}

// classifyStatus maps an HTTP status to nil (success), a retryable
// NetworkError (5xx, 429, 408), or a non-retryable ExecutionError (other
// 4xx), per spec.md §4.5 "Retry classification".
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 408 || code == 429 || code >= 500:
		return model.NewCoreError(model.ErrKindNetworkError, fmt.Sprintf("webhook returned status %d", code))
	default:
		return model.NewCoreError(model.ErrKindExecutionError, fmt.Sprintf("webhook returned status %d", code))
	}
}

func (s *WebhookSender) breakerFor(destination string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[destination]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        destination,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	s.breakers[destination] = b
	return b
}
