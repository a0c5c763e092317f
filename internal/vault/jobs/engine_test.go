package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/memdb"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(memdb.New(clk), opts), clk
}

type processList map[string]bool

func (p processList) ValidateInputs(processID string, inputs json.RawMessage) apperrors.Error {
	if !p[processID] {
		return ErrUnknownProcess.Msg("unknown process " + processID)
	}
	return nil
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Options{Validator: processList{"import-raster": true}})

	j, err := e.Enqueue(ctx, "jan", "import-raster", json.RawMessage(`{"collection":"jan:dem"}`))
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusAccepted, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.Equal(t, 0, j.Attempt)

	got, err := e.Get(ctx, j.ID)
	require.Nil(t, err)
	assert.JSONEq(t, `{"collection":"jan:dem"}`, string(got.Inputs))

	_, err = e.GetForOwner(ctx, j.ID, "ana")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrJobNotFound)

	tests := []struct {
		name    string
		owner   string
		process string
		inputs  string
		want    error
	}{
		{"bad owner", "jan'--", "import-raster", `{}`, dberror.ErrInvalidIdentifier},
		{"array inputs", "jan", "import-raster", `[1]`, ErrInvalidInputs},
		{"null inputs", "jan", "import-raster", `null`, ErrInvalidInputs},
		{"unknown process", "jan", "import-mesh", `{}`, ErrUnknownProcess},
		{"empty process", "jan", "", `{}`, dberror.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Enqueue(ctx, tt.owner, tt.process, json.RawMessage(tt.inputs))
			require.NotNil(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	list, err := e.List(ctx, "jan", 10, 0)
	require.Nil(t, err)
	assert.Len(t, list, 1)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Options{})

	j, err := e.Enqueue(ctx, "jan", "import-raster", nil)
	require.Nil(t, err)

	claimed, err := e.Claim(ctx, "worker-a")
	require.Nil(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j.ID, claimed.ID)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempt)
	assert.NotNil(t, claimed.Started)
	ref := claimed.Ref()

	for _, p := range []int{0, 40, 100} {
		require.Nil(t, e.ReportProgress(ctx, ref, p, fmt.Sprintf("at %d", p)))
	}
	err = e.ReportProgress(ctx, ref, 101, "")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrValidation)

	status, err := e.Heartbeat(ctx, ref)
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusRunning, status)

	require.Nil(t, e.Finish(ctx, ref, models.JobStatusSuccessful, "done", json.RawMessage(`{"itemId":"x"}`)))
	got, err := e.Get(ctx, j.ID)
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusSuccessful, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.Finished)
	assert.JSONEq(t, `{"itemId":"x"}`, string(got.Outputs))

	// terminal states are final
	require.Nil(t, e.Finish(ctx, ref, models.JobStatusFailed, "late", nil))
	err = e.ReportProgress(ctx, ref, 50, "")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrJobTransition)
	_, err = e.Cancel(ctx, j.ID, "jan")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrJobTransition)

	got, err = e.Get(ctx, j.ID)
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusSuccessful, got.Status)
	assert.Equal(t, "done", got.Message)

	status, err = e.Heartbeat(ctx, ref)
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusSuccessful, status)

	next, err := e.Claim(ctx, "worker-a")
	require.Nil(t, err)
	assert.Nil(t, next)
}

func TestFinishRejectsNonTerminalOutcome(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Options{})
	_, err := e.Enqueue(ctx, "jan", "import-raster", nil)
	require.Nil(t, err)
	claimed, err := e.Claim(ctx, "w")
	require.Nil(t, err)

	for _, s := range []models.JobStatus{models.JobStatusRunning, models.JobStatusAccepted, models.JobStatusDismissed} {
		err := e.Finish(ctx, claimed.Ref(), s, "", nil)
		require.NotNil(t, err)
		assert.ErrorIs(t, err, dberror.ErrJobTransition)
	}
	err = e.Finish(ctx, claimed.Ref(), models.JobStatusSuccessful, "", json.RawMessage(`{`))
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrValidation)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Options{})

	queued, err := e.Enqueue(ctx, "jan", "import-raster", nil)
	require.Nil(t, err)

	_, err = e.Cancel(ctx, queued.ID, "ana")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrJobNotFound)

	dismissed, err := e.Cancel(ctx, queued.ID, "jan")
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusDismissed, dismissed.Status)

	claimed, err := e.Claim(ctx, "w")
	require.Nil(t, err)
	assert.Nil(t, claimed)

	running, err := e.Enqueue(ctx, "jan", "import-raster", nil)
	require.Nil(t, err)
	claimed, err = e.Claim(ctx, "w")
	require.Nil(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, running.ID, claimed.ID)

	_, err = e.Cancel(ctx, running.ID, "jan")
	require.Nil(t, err)

	status, err := e.Heartbeat(ctx, claimed.Ref())
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusDismissed, status)

	// the worker's late finish does not resurrect the job
	require.Nil(t, e.Finish(ctx, claimed.Ref(), models.JobStatusSuccessful, "", nil))
	got, err := e.Get(ctx, running.ID)
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusDismissed, got.Status)
}

func TestStaleJobIsReclaimed(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, Options{StaleAfter: time.Minute, MaxAttempts: 3})

	_, err := e.Enqueue(ctx, "jan", "import-raster", nil)
	require.Nil(t, err)
	first, err := e.Claim(ctx, "worker-a")
	require.Nil(t, err)
	require.NotNil(t, first)
	require.Nil(t, e.ReportProgress(ctx, first.Ref(), 70, "uploading"))

	clk.Advance(30 * time.Second)
	none, err := e.Claim(ctx, "worker-b")
	require.Nil(t, err)
	assert.Nil(t, none)

	clk.Advance(31 * time.Second)
	second, err := e.Claim(ctx, "worker-b")
	require.Nil(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, 0, second.Progress)
	assert.Empty(t, second.Message)
	assert.Equal(t, "worker-b", second.WorkerID)

	// the first attempt lost its lease
	err = e.ReportProgress(ctx, first.Ref(), 90, "")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrJobTransition)
	err = e.Finish(ctx, first.Ref(), models.JobStatusSuccessful, "", json.RawMessage(`{"from":"a"}`))
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrJobTransition)
	_, err = e.Heartbeat(ctx, first.Ref())
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrJobTransition)

	require.Nil(t, e.ReportProgress(ctx, second.Ref(), 40, "converting"))
	require.Nil(t, e.Finish(ctx, second.Ref(), models.JobStatusSuccessful, "", json.RawMessage(`{"from":"b"}`)))
	got, err := e.Get(ctx, first.ID)
	require.Nil(t, err)
	assert.JSONEq(t, `{"from":"b"}`, string(got.Outputs))
	assert.Equal(t, 2, got.Attempt)
}

func TestReapExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, Options{StaleAfter: time.Minute, MaxAttempts: 1})

	j, err := e.Enqueue(ctx, "jan", "import-raster", nil)
	require.Nil(t, err)
	_, err = e.Claim(ctx, "w")
	require.Nil(t, err)

	ids, err := e.Reap(ctx)
	require.Nil(t, err)
	assert.Empty(t, ids)

	clk.Advance(2 * time.Minute)
	again, err := e.Claim(ctx, "w2")
	require.Nil(t, err)
	assert.Nil(t, again)

	ids, err = e.Reap(ctx)
	require.Nil(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, j.ID, ids[0])

	got, err := e.Get(ctx, j.ID)
	require.Nil(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.NotNil(t, got.Finished)
}

func TestConcurrentClaimsHandOutOneJob(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Options{})
	_, err := e.Enqueue(ctx, "jan", "import-raster", nil)
	require.Nil(t, err)

	const claimants = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			j, err := e.Claim(ctx, fmt.Sprintf("worker-%d", i))
			if err != nil || j == nil {
				return
			}
			mu.Lock()
			wins++
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, wins)
}
