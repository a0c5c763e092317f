package memdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/spatialvault/spatialvault/internal/vault/db"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/memdb"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ db.Store = (*memdb.Store)(nil)

func newStore() (*memdb.Store, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return memdb.New(clk), clk
}

func TestCollectionVersioning(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	c := &models.Collection{
		CanonicalName: "jan:imagery:ortho",
		Owner:         "jan",
		Type:          models.CollectionTypeRaster,
		Storage:       models.ObjectStorage{Prefix: "jan/x"},
	}
	require.Nil(t, s.CreateCollection(ctx, c, models.DefaultSRID))
	assert.EqualValues(t, 1, c.Version)

	v, err := s.TouchCollection(ctx, c.ID, 1)
	require.Nil(t, err)
	assert.EqualValues(t, 2, v)

	_, err = s.TouchCollection(ctx, c.ID, 1)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrVersionMismatch)
	assert.ErrorIs(t, err, dberror.ErrConflict)

	v, err = s.TouchCollection(ctx, c.ID, db.AnyVersion)
	require.Nil(t, err)
	assert.EqualValues(t, 3, v)

	// the caller's copy is not shared with the store
	got, err := s.GetCollection(ctx, "jan:imagery:ortho")
	require.Nil(t, err)
	got.Title = "changed"
	again, _ := s.GetCollection(ctx, "jan:imagery:ortho")
	assert.Empty(t, again.Title)
}

func TestCreateCollectionRejectsMismatchedStorage(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	err := s.CreateCollection(ctx, &models.Collection{
		CanonicalName: "jan:roads:main",
		Owner:         "jan",
		Type:          models.CollectionTypeVector,
		Storage:       models.ObjectStorage{Prefix: "jan/x"},
	}, models.DefaultSRID)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrValidation)
	assert.False(t, s.HasTenant("jan"))
}

func TestJobClaimOrderAndLease(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()

	first := &models.Job{ProcessID: "p", Owner: "jan"}
	require.Nil(t, s.CreateJob(ctx, first))
	clk.Advance(time.Second)
	second := &models.Job{ProcessID: "p", Owner: "jan"}
	require.Nil(t, s.CreateJob(ctx, second))

	got, err := s.ClaimJob(ctx, "w1", time.Minute, 3)
	require.Nil(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, models.JobStatusRunning, got.Status)

	jobs, err := s.ListJobs(ctx, "jan", 10, 0)
	require.Nil(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)

	// the stale job is older than the accepted one and is taken over first
	clk.Advance(2 * time.Minute)
	retaken, err := s.ClaimJob(ctx, "w2", time.Minute, 3)
	require.Nil(t, err)
	require.NotNil(t, retaken)
	assert.Equal(t, first.ID, retaken.ID)
	assert.Equal(t, 2, retaken.Attempt)
	assert.Equal(t, "w2", retaken.WorkerID)

	err = s.UpdateJobProgress(ctx, got.Ref(), 50, "")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrJobTransition)
	require.Nil(t, s.UpdateJobProgress(ctx, retaken.Ref(), 50, "halfway"))

	next, err := s.ClaimJob(ctx, "w3", time.Minute, 3)
	require.Nil(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)

	none, err := s.ClaimJob(ctx, "w3", time.Minute, 3)
	require.Nil(t, err)
	assert.Nil(t, none)
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	j := &models.Job{ProcessID: "p", Owner: "jan"}
	require.Nil(t, s.CreateJob(ctx, j))

	_, err := s.CancelJob(ctx, j.ID, "other")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrNotFound)

	got, err := s.CancelJob(ctx, j.ID, "jan")
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusDismissed, got.Status)
	assert.NotNil(t, got.Finished)

	_, err = s.CancelJob(ctx, j.ID, "jan")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrJobTransition)
}
