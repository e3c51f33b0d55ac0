package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/store"
)

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(200))
	assert.NoError(t, classifyStatus(204))

	err := classifyStatus(503)
	ce, ok := err.(*model.CoreError)
	require.True(t, ok)
	assert.Equal(t, model.ErrKindNetworkError, ce.Kind)

	err = classifyStatus(429)
	ce, ok = err.(*model.CoreError)
	require.True(t, ok)
	assert.Equal(t, model.ErrKindNetworkError, ce.Kind)

	err = classifyStatus(408)
	ce, ok = err.(*model.CoreError)
	require.True(t, ok)
	assert.Equal(t, model.ErrKindNetworkError, ce.Kind)

	err = classifyStatus(400)
	ce, ok = err.(*model.CoreError)
	require.True(t, ok)
	assert.Equal(t, model.ErrKindExecutionError, ce.Kind)
}

func TestWebhookSenderSendsJSONAndHonorsAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(5*time.Second, 3)
	dest := store.Destination{Name: "d1", URL: srv.URL, AuthSecret: "secret-token"}

	err := sender.Send(context.Background(), dest, model.ExecutionEnvelope{ExecutionID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestWebhookSenderReturnsNetworkErrorOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sender := NewWebhookSender(5*time.Second, 3)
	dest := store.Destination{Name: "d2", URL: srv.URL}

	err := sender.Send(context.Background(), dest, model.ExecutionEnvelope{ExecutionID: "e2"})
	require.Error(t, err)
	ce, ok := err.(*model.CoreError)
	require.True(t, ok)
	assert.Equal(t, model.ErrKindNetworkError, ce.Kind)
}
