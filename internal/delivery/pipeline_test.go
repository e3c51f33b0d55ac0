package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gsqlite "gorm.io/driver/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/store"
)

// fakeSender lets each test script exactly the error sequence it wants
// without standing up a real webhook/filesystem/stdio destination.
type fakeSender struct {
	kind model.DestinationKind
	errs []error
	n    int
}

func (f *fakeSender) Kind() model.DestinationKind { return f.kind }

func (f *fakeSender) Send(ctx context.Context, dest store.Destination, envelope model.ExecutionEnvelope) error {
	var err error
	if f.n < len(f.errs) {
		err = f.errs[f.n]
	}
	f.n++
	return err
}

func testPipeline(t *testing.T) (*Pipeline, store.DeliveryRepository) {
	t.Helper()
	db, err := gorm.Open(gsqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))

	deliveries := store.NewDeliveryRepository(db)
	p := New(Config{
		MaxConcurrent: 4,
		DefaultRetry:  model.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 10, MaxDelayMs: 100, BackoffMultiplier: 2.0},
	}, deliveries, zap.NewNop())
	return p, deliveries
}

func TestPipelineRunMarksDeliveredOnSuccess(t *testing.T) {
	p, deliveries := testPipeline(t)
	ctx := context.Background()
	sender := &fakeSender{kind: model.DestinationWebhook}
	p.Register(sender)

	dest := store.Destination{Kind: "webhook"}
	require.NoError(t, deliveries.UpsertDestination(ctx, &dest))
	d := &store.Delivery{ExecutionID: "e1", DestinationID: dest.ID, MaxAttempts: 3}
	require.NoError(t, deliveries.Create(ctx, d))

	p.run(ctx, *d, dest, model.ExecutionEnvelope{ExecutionID: "e1", Status: model.ExecutionSucceeded})

	got, err := deliveries.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "delivered", got.State)
}

func TestPipelineRunSchedulesRetryOnRetriableFailure(t *testing.T) {
	p, deliveries := testPipeline(t)
	ctx := context.Background()
	sender := &fakeSender{kind: model.DestinationWebhook, errs: []error{model.NewCoreError(model.ErrKindNetworkError, "connection reset")}}
	p.Register(sender)

	dest := store.Destination{Kind: "webhook"}
	require.NoError(t, deliveries.UpsertDestination(ctx, &dest))
	d := &store.Delivery{ExecutionID: "e2", DestinationID: dest.ID, MaxAttempts: 3}
	require.NoError(t, deliveries.Create(ctx, d))

	p.run(ctx, *d, dest, model.ExecutionEnvelope{ExecutionID: "e2", Status: model.ExecutionSucceeded})

	got, err := deliveries.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestPipelineRunGivesUpAfterMaxAttempts(t *testing.T) {
	p, deliveries := testPipeline(t)
	ctx := context.Background()
	sender := &fakeSender{kind: model.DestinationWebhook, errs: []error{model.NewCoreError(model.ErrKindNetworkError, "still down")}}
	p.Register(sender)

	dest := store.Destination{Kind: "webhook"}
	require.NoError(t, deliveries.UpsertDestination(ctx, &dest))
	d := &store.Delivery{ExecutionID: "e3", DestinationID: dest.ID, Attempts: 2, MaxAttempts: 3}
	require.NoError(t, deliveries.Create(ctx, d))

	p.run(ctx, *d, dest, model.ExecutionEnvelope{ExecutionID: "e3", Status: model.ExecutionSucceeded})

	got, err := deliveries.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "gave_up", got.State)
}

func TestPipelineRunGivesUpImmediatelyOnNonRetriableFailure(t *testing.T) {
	p, deliveries := testPipeline(t)
	ctx := context.Background()
	sender := &fakeSender{kind: model.DestinationWebhook, errs: []error{model.NewCoreError(model.ErrKindValidation, "bad payload")}}
	p.Register(sender)

	dest := store.Destination{Kind: "webhook"}
	require.NoError(t, deliveries.UpsertDestination(ctx, &dest))
	d := &store.Delivery{ExecutionID: "e4", DestinationID: dest.ID, MaxAttempts: 3}
	require.NoError(t, deliveries.Create(ctx, d))

	p.run(ctx, *d, dest, model.ExecutionEnvelope{ExecutionID: "e4", Status: model.ExecutionSucceeded})

	got, err := deliveries.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "gave_up", got.State, "a non-retryable error kind must not consume a retry")
}

func TestPipelineEnqueueSkipsDestinationsNotMatchingDeliverOn(t *testing.T) {
	p, _ := testPipeline(t)
	ctx := context.Background()
	sender := &fakeSender{kind: model.DestinationWebhook}
	p.Register(sender)

	calls := 0
	p.Enqueue(ctx, model.ExecutionEnvelope{ExecutionID: "e5", Status: model.ExecutionFailed}, []string{"dest-a"}, func(name string) (store.Destination, error) {
		calls++
		return store.Destination{}, nil
	})

	assert.Zero(t, calls, "deliver_on defaults to succeeded only; a failed execution must not look up any destination")
}
