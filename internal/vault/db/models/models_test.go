package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	assert.True(t, JobStatusAccepted.CanTransitionTo(JobStatusRunning))
	assert.True(t, JobStatusAccepted.CanTransitionTo(JobStatusDismissed))
	assert.False(t, JobStatusAccepted.CanTransitionTo(JobStatusSuccessful))
	assert.True(t, JobStatusRunning.CanTransitionTo(JobStatusFailed))
	assert.True(t, JobStatusRunning.CanTransitionTo(JobStatusDismissed))

	for _, terminal := range []JobStatus{JobStatusSuccessful, JobStatusFailed, JobStatusDismissed} {
		assert.True(t, terminal.IsTerminal())
		for _, next := range []JobStatus{JobStatusAccepted, JobStatusRunning, JobStatusSuccessful, JobStatusFailed, JobStatusDismissed} {
			assert.False(t, terminal.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}
	assert.False(t, JobStatus("paused").Valid())
}

func TestETag(t *testing.T) {
	c := &Collection{Version: 7}
	assert.Equal(t, `"7"`, c.ETag())

	for _, in := range []string{`"7"`, `W/"7"`, `7`} {
		v, err := ParseETag(in)
		require.NoError(t, err, in)
		assert.Equal(t, int64(7), v)
	}
	for _, in := range []string{``, `"x"`, `"0"`, `W/`} {
		_, err := ParseETag(in)
		assert.Error(t, err, in)
	}
}

func TestStorageVariants(t *testing.T) {
	c := &Collection{Type: CollectionTypeVector, Storage: VectorStorage{Schema: "jan", Table: "parks_trees"}}
	v, ok := c.VectorStorage()
	assert.True(t, ok)
	assert.Equal(t, "jan.parks_trees", v.String())
	_, ok = c.ObjectStorage()
	assert.False(t, ok)

	c = &Collection{Type: CollectionTypeRaster, Storage: ObjectStorage{Prefix: "jan/abc"}}
	_, ok = c.VectorStorage()
	assert.False(t, ok)
	assert.True(t, CollectionTypePointcloud.Valid())
	assert.False(t, CollectionType("mesh").Valid())
}
