// Package dispatcher runs jobs on worker processes. Each Dispatcher polls
// the job store, claims one job at a time and keeps its lease alive with
// heartbeats while the process handler runs. All coordination between
// workers happens in the store.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/juju/clock"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/jobs"
	"github.com/spatialvault/spatialvault/internal/vault/processes"
)

const (
	DefaultPollInterval      = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second

	finishAttempts = 5
)

type Config struct {
	// WorkerID is recorded on claimed jobs. Generated when empty.
	WorkerID          string
	PollInterval      time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration
	Clock             clock.Clock
	Metrics           *Collector
}

type Dispatcher struct {
	engine   *jobs.Engine
	handlers processes.Handlers
	cfg      Config
}

// NewWorkerID returns a short random id for a worker process.
func NewWorkerID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		panic(err)
	}
	return "w-" + id
}

func New(engine *jobs.Engine, handlers processes.Handlers, cfg Config) *Dispatcher {
	if cfg.WorkerID == "" {
		cfg.WorkerID = NewWorkerID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.PollInterval)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Dispatcher{engine: engine, handlers: handlers, cfg: cfg}
}

func (d *Dispatcher) ID() string {
	return d.cfg.WorkerID
}

// Run polls until ctx is cancelled. Idle polls back off exponentially from
// the poll interval up to the maximum backoff; a poll that ran a job polls
// again immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = log.Ctx(ctx).With().Str("worker_id", d.cfg.WorkerID).Logger().WithContext(ctx)
	log.Ctx(ctx).Info().Msg("dispatcher started")
	delay := d.cfg.PollInterval
	for {
		ran, err := d.PollOnce(ctx)
		if ctx.Err() != nil {
			log.Ctx(ctx).Info().Msg("dispatcher stopped")
			return nil
		}
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Dur("backoff", delay).Msg("poll failed")
		}
		if ran {
			delay = d.cfg.PollInterval
			continue
		}
		timer := d.cfg.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Ctx(ctx).Info().Msg("dispatcher stopped")
			return nil
		case <-timer.Chan():
		}
		delay = min(delay*2, d.cfg.MaxBackoff)
	}
}

// PollOnce fails exhausted stale jobs, then claims and runs at most one
// job. It reports whether a job was run.
func (d *Dispatcher) PollOnce(ctx context.Context) (bool, error) {
	reaped, err := d.engine.Reap(ctx)
	if err != nil {
		return false, err
	}
	d.cfg.Metrics.jobsReaped(len(reaped))

	job, err := d.engine.Claim(ctx, d.cfg.WorkerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	d.execute(ctx, job)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	ctx = log.Ctx(ctx).With().
		Str("job_id", job.ID.String()).
		Str("process_id", job.ProcessID).
		Int("attempt", job.Attempt).
		Logger().WithContext(ctx)
	logger := log.Ctx(ctx)
	logger.Info().Msg("job claimed")
	d.cfg.Metrics.jobClaimed()
	started := d.cfg.Clock.Now()
	ref := job.Ref()

	handler, ok := d.handlers[job.ProcessID]
	if !ok {
		d.finish(ctx, job, models.JobStatusFailed, "unknown process "+job.ProcessID, nil, started)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.heartbeat(jobCtx, cancel, ref)
	}()

	outputs, err := d.runHandler(jobCtx, handler, job)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		// shutting down: the lease runs out and another worker retries
		logger.Warn().Msg("worker stopping, job left for reclaim")
		d.cfg.Metrics.jobDone(job.ProcessID, "abandoned", d.cfg.Clock.Now().Sub(started).Seconds())
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("job failed")
		d.finish(ctx, job, models.JobStatusFailed, errorMessage(err), nil, started)
		return
	}
	d.finish(ctx, job, models.JobStatusSuccessful, "", outputs, started)
}

// heartbeat refreshes the lease until ctx ends. It cancels the job when
// the job was dismissed or the lease was taken over.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, ref models.JobRef) {
	timer := d.cfg.Clock.NewTimer(d.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}
		timer.Reset(d.cfg.HeartbeatInterval)
		status, err := d.engine.Heartbeat(ctx, ref)
		switch {
		case err != nil && err.Is(dberror.ErrJobTransition):
			log.Ctx(ctx).Warn().Err(err).Msg("lease lost, cancelling job")
			cancel()
			return
		case err != nil:
			log.Ctx(ctx).Error().Err(err).Msg("heartbeat failed")
		case status.IsTerminal():
			log.Ctx(ctx).Info().Str("status", string(status)).Msg("job no longer running, cancelling")
			cancel()
			return
		}
	}
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (d *Dispatcher) runHandler(ctx context.Context, h processes.Handler, job *models.Job) (outputs json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &panicError{value: r, stack: debug.Stack()}
			d.cfg.Metrics.jobPanicked()
			log.Ctx(ctx).Error().Str("stack", string(pe.stack)).Msgf("job handler panicked: %v", r)
			outputs, err = nil, pe
		}
	}()
	return h.Run(ctx, job, &reporter{engine: d.engine, ref: job.Ref()})
}

// finish records the outcome, retrying while the store is unavailable. A
// job that was dismissed or taken over meanwhile keeps its current state.
func (d *Dispatcher) finish(ctx context.Context, job *models.Job, status models.JobStatus, message string, outputs json.RawMessage, started time.Time) {
	err := retry.Do(
		func() error {
			if err := d.engine.Finish(ctx, job.Ref(), status, message, outputs); err != nil {
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(finishAttempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var ae apperrors.Error
			return apperrors.As(err, &ae) && ae.Is(dberror.ErrStorageBackend)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Ctx(ctx).Warn().Err(err).Uint("attempt", n+1).Msg("failed to record job outcome, retrying")
		}),
	)
	outcome := string(status)
	level := zerolog.InfoLevel
	if err != nil {
		outcome = "lost"
		level = zerolog.WarnLevel
	}
	log.Ctx(ctx).WithLevel(level).Err(err).Str("status", string(status)).Msg("job outcome recorded")
	d.cfg.Metrics.jobDone(job.ProcessID, outcome, d.cfg.Clock.Now().Sub(started).Seconds())
}

func errorMessage(err error) string {
	var ae apperrors.Error
	if apperrors.As(err, &ae) {
		return ae.ErrorAll()
	}
	return err.Error()
}

type reporter struct {
	engine *jobs.Engine
	ref    models.JobRef
}

func (r *reporter) Progress(ctx context.Context, progress int, message string) apperrors.Error {
	return r.engine.ReportProgress(ctx, r.ref, progress, message)
}
