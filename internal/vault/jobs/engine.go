// Package jobs runs the asynchronous job state machine on top of the
// metadata store:
//
//	accepted -> running -> successful | failed
//	accepted | running -> dismissed
//
// Terminal states are final. Writes made on behalf of a running job carry
// a models.JobRef so a worker whose lease was taken over cannot touch the
// new attempt.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
)

// InputValidator checks a job's inputs before it is accepted. An unknown
// process must be reported with ErrUnknownProcess.
type InputValidator interface {
	ValidateInputs(processID string, inputs json.RawMessage) apperrors.Error
}

type Options struct {
	// Validator is optional. Without one any JSON object is accepted.
	Validator InputValidator
	// StaleAfter is how long a running job may go without a heartbeat
	// before another worker may take it over.
	StaleAfter time.Duration
	// MaxAttempts bounds how often a job is claimed. A stale job that used
	// them all is failed by Reap.
	MaxAttempts int
}

const (
	DefaultStaleAfter  = 2 * time.Minute
	DefaultMaxAttempts = 3
)

type Engine struct {
	store       db.JobManager
	validator   InputValidator
	staleAfter  time.Duration
	maxAttempts int
}

func NewEngine(store db.JobManager, opts Options) *Engine {
	e := &Engine{
		store:       store,
		validator:   opts.Validator,
		staleAfter:  opts.StaleAfter,
		maxAttempts: opts.MaxAttempts,
	}
	if e.staleAfter <= 0 {
		e.staleAfter = DefaultStaleAfter
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	return e
}

func (e *Engine) StaleAfter() time.Duration {
	return e.staleAfter
}

// Enqueue validates the inputs and stores a new accepted job.
func (e *Engine) Enqueue(ctx context.Context, owner, processID string, inputs json.RawMessage) (*models.Job, apperrors.Error) {
	if err := provision.ValidateIdentifier(owner); err != nil {
		return nil, err
	}
	if processID == "" {
		return nil, ErrUnknownProcess.Msg("process id is required")
	}
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(inputs, &probe); err != nil || probe == nil {
		return nil, ErrInvalidInputs.Msg("inputs must be a JSON object")
	}
	if e.validator != nil {
		if err := e.validator.ValidateInputs(processID, inputs); err != nil {
			return nil, err
		}
	}

	j := &models.Job{
		ProcessID: processID,
		Owner:     owner,
		Inputs:    inputs,
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("process_id", processID).Msg("failed to enqueue job")
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("job_id", j.ID.String()).
		Str("process_id", processID).
		Str("owner", owner).
		Msg("job accepted")
	return j, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Job, apperrors.Error) {
	j, err := e.store.GetJob(ctx, id)
	if err != nil && err.Is(dberror.ErrNotFound) {
		return nil, ErrJobNotFound.Msg("job " + id.String() + " not found")
	}
	return j, err
}

// GetForOwner hides jobs of other owners behind NotFound.
func (e *Engine) GetForOwner(ctx context.Context, id uuid.UUID, owner string) (*models.Job, apperrors.Error) {
	j, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Owner != owner {
		return nil, ErrJobNotFound.Msg("job " + id.String() + " not found")
	}
	return j, nil
}

// List returns an owner's jobs, newest first.
func (e *Engine) List(ctx context.Context, owner string, limit, offset int) ([]*models.Job, apperrors.Error) {
	if err := provision.ValidateIdentifier(owner); err != nil {
		return nil, err
	}
	return e.store.ListJobs(ctx, owner, limit, offset)
}

// ReportProgress records progress of the attempt identified by ref. Only
// running jobs accept progress.
func (e *Engine) ReportProgress(ctx context.Context, ref models.JobRef, progress int, message string) apperrors.Error {
	if progress < 0 || progress > 100 {
		return ErrInvalidProgress
	}
	return e.store.UpdateJobProgress(ctx, ref, progress, message)
}

// Heartbeat refreshes the lease held by ref and returns the job status.
// A terminal status tells the worker to stop.
func (e *Engine) Heartbeat(ctx context.Context, ref models.JobRef) (models.JobStatus, apperrors.Error) {
	return e.store.HeartbeatJob(ctx, ref)
}

// Finish moves the job to successful or failed. Finishing a terminal job
// succeeds without changing it.
func (e *Engine) Finish(ctx context.Context, ref models.JobRef, status models.JobStatus, message string, outputs json.RawMessage) apperrors.Error {
	if status != models.JobStatusSuccessful && status != models.JobStatusFailed {
		return ErrInvalidOutcome.Msg("cannot finish a job as " + string(status))
	}
	if len(outputs) > 0 && !json.Valid(outputs) {
		return ErrInvalidOutputs
	}
	if err := e.store.FinishJob(ctx, ref, status, message, outputs); err != nil {
		return err
	}
	log.Ctx(ctx).Info().
		Str("job_id", ref.ID.String()).
		Int("attempt", ref.Attempt).
		Str("status", string(status)).
		Msg("job finished")
	return nil
}

// Cancel dismisses an accepted or running job of owner. A worker running
// it notices on its next heartbeat.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, owner string) (*models.Job, apperrors.Error) {
	j, err := e.store.CancelJob(ctx, id, owner)
	if err != nil {
		if err.Is(dberror.ErrNotFound) {
			return nil, ErrJobNotFound.Msg("job " + id.String() + " not found")
		}
		return nil, err
	}
	log.Ctx(ctx).Info().Str("job_id", id.String()).Msg("job dismissed")
	return j, nil
}

// Claim hands the oldest claimable job to workerID. It returns nil when
// there is nothing to do.
func (e *Engine) Claim(ctx context.Context, workerID string) (*models.Job, apperrors.Error) {
	return e.store.ClaimJob(ctx, workerID, e.staleAfter, e.maxAttempts)
}

// Reap fails stale running jobs that have no attempts left.
func (e *Engine) Reap(ctx context.Context) ([]uuid.UUID, apperrors.Error) {
	ids, err := e.store.ReapJobs(ctx, e.staleAfter, e.maxAttempts)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		log.Ctx(ctx).Warn().Str("job_id", id.String()).Msg("job failed after exhausting its attempts")
	}
	return ids, nil
}
