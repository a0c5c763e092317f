package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spatialvault/spatialvault/internal/vault/db/memdb"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/jobs"
	"github.com/spatialvault/spatialvault/internal/vault/objectstore"
	"github.com/spatialvault/spatialvault/internal/vault/processes"
	"github.com/spatialvault/spatialvault/internal/vault/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	clock   *testclock.Clock
	store   *memdb.Store
	engine  *jobs.Engine
	metrics *Collector
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, opts jobs.Options) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := memdb.New(clk)
	f := &fixture{
		clock:   clk,
		store:   store,
		engine:  jobs.NewEngine(store, opts),
		metrics: NewMetricsCollector(),
		reg:     prometheus.NewRegistry(),
	}
	f.reg.MustRegister(f.metrics)
	return f
}

func (f *fixture) dispatcher(handlers processes.Handlers) *Dispatcher {
	return New(f.engine, handlers, Config{
		WorkerID:          "test-worker",
		PollInterval:      time.Second,
		MaxBackoff:        8 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		Clock:             f.clock,
		Metrics:           f.metrics,
	})
}

func (f *fixture) enqueue(t *testing.T, process string) *models.Job {
	t.Helper()
	j, err := f.engine.Enqueue(context.Background(), "jan", process, nil)
	require.Nil(t, err)
	return j
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := f.engine.Get(context.Background(), id)
	require.Nil(t, err)
	return j
}

// counterValue sums every sample of the named counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestPollOnceIdle(t *testing.T) {
	f := newFixture(t, jobs.Options{})
	ran, err := f.dispatcher(nil).PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestPollOnceRunsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jobs.Options{})
	var seen []int
	handlers := processes.Handlers{
		"echo": processes.HandlerFunc(func(ctx context.Context, job *models.Job, rep processes.Reporter) (json.RawMessage, error) {
			for _, p := range []int{0, 40, 100} {
				if err := rep.Progress(ctx, p, "working"); err != nil {
					return nil, err
				}
				seen = append(seen, p)
			}
			return json.RawMessage(`{"ok":true}`), nil
		}),
	}
	j := f.enqueue(t, "echo")

	ran, err := f.dispatcher(handlers).PollOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []int{0, 40, 100}, seen)

	got := f.job(t, j.ID)
	assert.Equal(t, models.JobStatusSuccessful, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "test-worker", got.WorkerID)
	assert.NotNil(t, got.Finished)
	assert.JSONEq(t, `{"ok":true}`, string(got.Outputs))

	assert.EqualValues(t, 1, counterValue(t, f.reg, "spatialvault_worker_jobs_claimed_total"))
	assert.EqualValues(t, 1, counterValue(t, f.reg, "spatialvault_worker_jobs_finished_total"))
}

func TestFailuresBecomeFailedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jobs.Options{})
	handlers := processes.Handlers{
		"broken": processes.HandlerFunc(func(ctx context.Context, job *models.Job, rep processes.Reporter) (json.RawMessage, error) {
			return nil, errors.New("source corrupt")
		}),
		"panics": processes.HandlerFunc(func(ctx context.Context, job *models.Job, rep processes.Reporter) (json.RawMessage, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		}),
	}
	d := f.dispatcher(handlers)

	tests := []struct {
		process string
		message string
	}{
		{"broken", "source corrupt"},
		{"panics", "panic:"},
		{"missing", "unknown process missing"},
	}
	for _, tt := range tests {
		t.Run(tt.process, func(t *testing.T) {
			j := f.enqueue(t, tt.process)
			ran, err := d.PollOnce(ctx)
			require.NoError(t, err)
			assert.True(t, ran)
			got := f.job(t, j.ID)
			assert.Equal(t, models.JobStatusFailed, got.Status)
			assert.Contains(t, got.Message, tt.message)
			assert.NotNil(t, got.Finished)
		})
	}
	assert.EqualValues(t, 1, counterValue(t, f.reg, "spatialvault_worker_job_panics_total"))
}

func TestDismissedJobIsCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jobs.Options{})
	started := make(chan struct{})
	handlers := processes.Handlers{
		"wait": processes.HandlerFunc(func(ctx context.Context, job *models.Job, rep processes.Reporter) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	j := f.enqueue(t, "wait")
	d := f.dispatcher(handlers)

	done := make(chan bool)
	go func() {
		ran, _ := d.PollOnce(ctx)
		done <- ran
	}()
	<-started
	_, err := f.engine.Cancel(ctx, j.ID, "jan")
	require.Nil(t, err)
	require.NoError(t, f.clock.WaitAdvance(5*time.Second, 5*time.Second, 1))

	select {
	case ran := <-done:
		assert.True(t, ran)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not cancelled")
	}
	got := f.job(t, j.ID)
	assert.Equal(t, models.JobStatusDismissed, got.Status)
}

func TestPollOnceReapsExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jobs.Options{StaleAfter: time.Minute, MaxAttempts: 1})
	j := f.enqueue(t, "echo")

	// a worker that claimed the job and died
	_, err := f.engine.Claim(ctx, "dead-worker")
	require.Nil(t, err)
	f.clock.Advance(2 * time.Minute)

	ran, perr := f.dispatcher(nil).PollOnce(ctx)
	require.NoError(t, perr)
	assert.False(t, ran)
	assert.Equal(t, models.JobStatusFailed, f.job(t, j.ID).Status)
	assert.EqualValues(t, 1, counterValue(t, f.reg, "spatialvault_worker_jobs_reaped_total"))
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	f := newFixture(t, jobs.Options{})
	handlers := processes.Handlers{
		"echo": processes.HandlerFunc(func(ctx context.Context, job *models.Job, rep processes.Reporter) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
	}
	first := f.enqueue(t, "echo")
	second := f.enqueue(t, "echo")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.dispatcher(handlers).Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.job(t, first.ID).Status == models.JobStatusSuccessful &&
			f.job(t, second.ID).Status == models.JobStatusSuccessful
	}, 5*time.Second, 10*time.Millisecond)

	// idle: the loop waits on the clock, a new job is picked up after the backoff
	third := f.enqueue(t, "echo")
	require.NoError(t, f.clock.WaitAdvance(time.Second, 5*time.Second, 1))
	require.Eventually(t, func() bool {
		return f.job(t, third.ID).Status == models.JobStatusSuccessful
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestPoolRunsEveryJobOnce(t *testing.T) {
	f := newFixture(t, jobs.Options{})
	var (
		mu   sync.Mutex
		runs = make(map[uuid.UUID]int)
	)
	handlers := processes.Handlers{
		"count": processes.HandlerFunc(func(ctx context.Context, job *models.Job, rep processes.Reporter) (json.RawMessage, error) {
			mu.Lock()
			runs[job.ID]++
			mu.Unlock()
			return nil, nil
		}),
	}
	var ids []uuid.UUID
	for i := 0; i < 12; i++ {
		ids = append(ids, f.enqueue(t, "count").ID)
	}

	pool := NewPool(4, f.engine, handlers, Config{WorkerID: "pool", Clock: f.clock, Metrics: f.metrics})
	require.Len(t, pool.Dispatchers(), 4)
	assert.Equal(t, "pool-0", pool.Dispatchers()[0].ID())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if f.job(t, id).Status != models.JobStatusSuccessful {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, len(ids))
	for id, n := range runs {
		assert.Equal(t, 1, n, id.String())
	}
}

func TestImportScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jobs.Options{})
	cat, err := processes.DefaultCatalog()
	require.NoError(t, err)
	objects := objectstore.NewMemoryStore("vault", f.clock)
	reg := registry.New(f.store, registry.Options{Objects: objects})
	engine := jobs.NewEngine(f.store, jobs.Options{Validator: cat})
	handlers := processes.NewHandlers(cat, &processes.Importer{Registry: reg, Objects: objects})

	c, rerr := reg.Register(ctx, registry.RegisterRequest{CanonicalName: "jan:imagery:ortho", Owner: "jan", Type: models.CollectionTypeRaster})
	require.Nil(t, rerr)
	assert.EqualValues(t, 1, c.Version)

	payload := base64.StdEncoding.EncodeToString([]byte{'I', 'I', 42, 0, 1, 2, 3})
	j, rerr := engine.Enqueue(ctx, "jan", "import-raster",
		json.RawMessage(`{"collection":"jan:imagery:ortho","data":{"value":"`+payload+`"}}`))
	require.Nil(t, rerr)

	_, rerr = engine.Enqueue(ctx, "jan", "import-raster", json.RawMessage(`{"collection":"jan:imagery:ortho"}`))
	require.NotNil(t, rerr)
	assert.ErrorIs(t, rerr, jobs.ErrInvalidInputs)

	d := New(engine, handlers, Config{Clock: f.clock})
	ran, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	got, rerr := engine.Get(ctx, j.ID)
	require.Nil(t, rerr)
	assert.Equal(t, models.JobStatusSuccessful, got.Status, got.Message)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.Finished)

	after, rerr := reg.Resolve(ctx, "jan:imagery:ortho")
	require.Nil(t, rerr)
	assert.Greater(t, after.Version, c.Version)
	items, rerr := reg.ListItems(ctx, "jan:imagery:ortho", 10, 0)
	require.Nil(t, rerr)
	assert.Len(t, items, 1)
}
