package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-run/ratchet/internal/model"
)

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(nil, 16)
	require.NoError(t, err)
	return c
}

func TestCatalogSyncAddsAndLooksUp(t *testing.T) {
	c := mustCatalog(t)
	ref := model.TaskRef{UUID: "11111111-1111-1111-1111-111111111111", Version: "1.0.0"}

	observed := []Observed{{
		Ref: ref, Fingerprint: "fp1", Name: "addition",
		InputSchema: `{"type":"object"}`, OutputSchema: `{"type":"object"}`, Content: "function run(i){return i}",
	}}

	c.Sync(context.Background(), observed, func(Observed) error { return nil })

	cr, ok := c.Lookup(ref)
	require.True(t, ok)
	assert.Equal(t, "fp1", cr.Fingerprint)

	summaries := c.List(Filter{})
	require.Len(t, summaries, 1)
	assert.Equal(t, "addition", summaries[0].Name)
}

func TestCatalogSyncTombstonesRemovedTasks(t *testing.T) {
	c := mustCatalog(t)
	ref := model.TaskRef{UUID: "22222222-2222-2222-2222-222222222222", Version: "1.0.0"}
	observed := []Observed{{Ref: ref, Fingerprint: "fp1", Name: "t", Content: "x"}}

	c.Sync(context.Background(), observed, func(Observed) error { return nil })
	_, ok := c.Lookup(ref)
	require.True(t, ok)

	// Second sync observes nothing: the task should be tombstoned and,
	// since nothing holds its ContentRef, fully removed.
	c.Sync(context.Background(), nil, func(Observed) error { return nil })
	_, ok = c.Lookup(ref)
	assert.False(t, ok)
}

func TestCatalogSyncRetainsPreviousVersionOnValidationFailure(t *testing.T) {
	c := mustCatalog(t)
	ref := model.TaskRef{UUID: "33333333-3333-3333-3333-333333333333", Version: "1.0.0"}

	good := []Observed{{Ref: ref, Fingerprint: "fp-good", Name: "t", Content: "good"}}
	c.Sync(context.Background(), good, func(Observed) error { return nil })

	bad := []Observed{{Ref: ref, Fingerprint: "fp-bad", Name: "t", Content: "bad"}}
	c.Sync(context.Background(), bad, func(o Observed) error {
		if o.Fingerprint == "fp-bad" {
			return assertErr
		}
		return nil
	})

	cr, ok := c.Lookup(ref)
	require.True(t, ok)
	assert.Equal(t, "fp-good", cr.Fingerprint)
}

var assertErr = &validationFailure{}

type validationFailure struct{}

func (*validationFailure) Error() string { return "invalid" }

func TestFingerprintIsDeterministic(t *testing.T) {
	a := Fingerprint("content", `{"type":"object"}`, `{"type":"object"}`)
	b := Fingerprint("content", `{"type":"object"}`, `{"type":"object"}`)
	assert.Equal(t, a, b)

	c := Fingerprint("different", `{"type":"object"}`, `{"type":"object"}`)
	assert.NotEqual(t, a, c)
}

func TestValidateObservedRejectsBadUUID(t *testing.T) {
	o := Observed{Ref: model.TaskRef{UUID: "not-a-uuid", Version: "1.0.0"}}
	err := ValidateObserved(o, nil)
	assert.Error(t, err)
}

func TestCatalogSubscribeIsLossLessForASlowSubscriber(t *testing.T) {
	c := mustCatalog(t)
	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	ref := model.TaskRef{UUID: "44444444-4444-4444-4444-444444444444", Version: "1.0.0"}

	// Publish more events than the channel's own buffer while nothing
	// drains it — none should be dropped, unlike the old drop-on-full
	// select{default:} behavior.
	const n = subscriberBuffer + 20
	for i := 0; i < n; i++ {
		c.Sync(context.Background(), []Observed{{Ref: ref, Fingerprint: time.Duration(i).String(), Name: "t", Content: "x"}}, func(Observed) error { return nil })
	}

	received := 0
	for received < n {
		select {
		case _, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed early after %d events", received)
			}
			received++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", received+1, n)
		}
	}
}

func TestCatalogUnsubscribeClosesTheChannel(t *testing.T) {
	c := mustCatalog(t)
	ch := c.Subscribe()
	c.Unsubscribe(ch)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after Unsubscribe")
	}
}

func TestValidateInputAgainstSchema(t *testing.T) {
	schema := `{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`
	err := ValidateInput(schema, map[string]any{"a": 1.0})
	assert.NoError(t, err)

	err = ValidateInput(schema, map[string]any{"a": "not-a-number"})
	assert.Error(t, err)
}
