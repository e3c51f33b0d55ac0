package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gsqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

func TestJobRepositoryClaimNextOrdersByPriorityThenNotBefore(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	low := &Job{TaskUUID: "t1", TaskVersion: "v1", Priority: 1, NotBefore: now.Add(-time.Minute), State: "queued"}
	high := &Job{TaskUUID: "t1", TaskVersion: "v1", Priority: 9, NotBefore: now.Add(-time.Minute), State: "queued"}
	future := &Job{TaskUUID: "t1", TaskVersion: "v1", Priority: 9, NotBefore: now.Add(time.Hour), State: "queued"}
	require.NoError(t, repo.Create(ctx, low))
	require.NoError(t, repo.Create(ctx, high))
	require.NoError(t, repo.Create(ctx, future))

	claimed, err := repo.ClaimNext(ctx, "claimant-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "the not-yet-due job must not be claimed")
	assert.Equal(t, high.ID, claimed[0].ID, "higher priority claims first")
	assert.Equal(t, low.ID, claimed[1].ID)
	for _, j := range claimed {
		assert.Equal(t, "claimant-1", j.ClaimedBy)
	}
}

func TestJobRepositoryClaimNextSkipsAlreadyClaimed(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	j := &Job{TaskUUID: "t1", TaskVersion: "v1", State: "queued"}
	require.NoError(t, repo.Create(ctx, j))

	first, err := repo.ClaimNext(ctx, "claimant-a", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := repo.ClaimNext(ctx, "claimant-b", 10)
	require.NoError(t, err)
	assert.Empty(t, second, "a job already claimed must not be handed to a second claimant")
}

func TestJobRepositoryReleaseClaimMakesJobClaimableAgain(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	j := &Job{TaskUUID: "t1", TaskVersion: "v1", State: "queued"}
	require.NoError(t, repo.Create(ctx, j))

	claimed, err := repo.ClaimNext(ctx, "claimant-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, repo.ReleaseClaim(ctx, j.ID))

	reclaimed, err := repo.ClaimNext(ctx, "claimant-b", 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "claimant-b", reclaimed[0].ClaimedBy)
}

func TestJobRepositoryMarkDispatchedRequiresClaim(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	j := &Job{TaskUUID: "t1", TaskVersion: "v1", State: "queued", AttemptsRemaining: 3}
	require.NoError(t, repo.Create(ctx, j))

	err := repo.MarkDispatched(ctx, j.ID, "exec-1")
	assert.ErrorIs(t, err, ErrNotClaimed)

	_, err = repo.ClaimNext(ctx, "claimant-a", 10)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDispatched(ctx, j.ID, "exec-1"))

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", got.State)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, 2, got.AttemptsRemaining)
}

func TestJobRepositoryRescheduleClearsClaimAndRequeues(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	j := &Job{TaskUUID: "t1", TaskVersion: "v1", State: "queued"}
	require.NoError(t, repo.Create(ctx, j))
	_, err := repo.ClaimNext(ctx, "claimant-a", 10)
	require.NoError(t, err)

	later := time.Now().UTC().Add(time.Hour)
	require.NoError(t, repo.Reschedule(ctx, j.ID, later))

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", got.State)
	assert.Empty(t, got.ClaimedBy)
	assert.WithinDuration(t, later, got.NotBefore, time.Second)
}
