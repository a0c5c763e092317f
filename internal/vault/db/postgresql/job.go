package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

const jobColumns = `id, process_id, status, owner, COALESCE(message, ''), progress, inputs, outputs,
	attempt, COALESCE(worker_id, ''), created, started, finished, updated`

func scanJob(r rowScanner) (*models.Job, error) {
	var (
		j                 models.Job
		status            string
		inputs, outputs   pgtype.JSONB
		started, finished sql.NullTime
	)
	err := r.Scan(&j.ID, &j.ProcessID, &status, &j.Owner, &j.Message, &j.Progress, &inputs, &outputs,
		&j.Attempt, &j.WorkerID, &j.Created, &started, &finished, &j.Updated)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.Inputs = jsonbValue(inputs)
	j.Outputs = jsonbValue(outputs)
	if started.Valid {
		t := started.Time
		j.Started = &t
	}
	if finished.Valid {
		t := finished.Time
		j.Finished = &t
	}
	return &j, nil
}

func (s *Store) CreateJob(ctx context.Context, j *models.Job) apperrors.Error {
	if j.ID == uuid.Nil {
		j.ID = commonuuid.New()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO spatialvault.processes_jobs (id, process_id, status, owner, progress, inputs)
		 VALUES ($1, $2, 'accepted', $3, 0, $4)
		 RETURNING `+jobColumns, j.ID, j.ProcessID, j.Owner, jsonbObjectParam(j.Inputs))
	created, err := scanJob(row)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("process_id", j.ProcessID).Msg("failed to create job")
		return mapError(err)
	}
	*j = *created
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, apperrors.Error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM spatialvault.processes_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("job not found")
		}
		return nil, mapError(err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, owner string, limit, offset int) ([]*models.Job, apperrors.Error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM spatialvault.processes_jobs
		 WHERE ($1 = '' OR owner = $1)
		 ORDER BY created DESC LIMIT $2 OFFSET $3`, owner, limitOrDefault(limit), max(offset, 0))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// ClaimJob locks the oldest claimable row, skipping rows other workers have
// locked, and marks it running in one statement. A reclaimed job starts
// over with empty progress, message and outputs.
func (s *Store) ClaimJob(ctx context.Context, workerID string, staleAfter time.Duration, maxAttempts int) (*models.Job, apperrors.Error) {
	query := `
		UPDATE spatialvault.processes_jobs
		SET status = 'running',
		    started = now(),
		    updated = now(),
		    attempt = attempt + 1,
		    worker_id = $1,
		    progress = 0,
		    message = NULL,
		    outputs = NULL
		WHERE id = (
			SELECT id FROM spatialvault.processes_jobs
			WHERE status = 'accepted'
			   OR (status = 'running'
			       AND updated < now() - make_interval(secs => $2::double precision)
			       AND attempt < $3)
			ORDER BY created
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	j, err := scanJob(s.db.QueryRowContext(ctx, query, workerID, staleAfter.Seconds(), maxAttempts))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Ctx(ctx).Error().Err(err).Str("worker_id", workerID).Msg("failed to claim job")
		return nil, mapError(err)
	}
	return j, nil
}

// explainMiss turns a conditional job update that touched no row into the
// right error: NotFound, a terminal status, or a lost lease.
func (s *Store) explainMiss(ctx context.Context, ref models.JobRef, op string) (*models.Job, apperrors.Error) {
	j, err := s.GetJob(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobStatusRunning {
		return j, dberror.ErrJobTransition.Msg(fmt.Sprintf("cannot %s: job is %s", op, j.Status))
	}
	return j, dberror.ErrJobTransition.Msg(
		fmt.Sprintf("cannot %s: attempt %d superseded by attempt %d", op, ref.Attempt, j.Attempt))
}

func (s *Store) UpdateJobProgress(ctx context.Context, ref models.JobRef, progress int, message string) apperrors.Error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spatialvault.processes_jobs
		 SET progress = $3, message = COALESCE($4, message), updated = now()
		 WHERE id = $1 AND attempt = $2 AND status = 'running'`,
		ref.ID, ref.Attempt, progress, nullString(message))
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	_, aerr := s.explainMiss(ctx, ref, "report progress")
	return aerr
}

func (s *Store) HeartbeatJob(ctx context.Context, ref models.JobRef) (models.JobStatus, apperrors.Error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spatialvault.processes_jobs SET updated = now()
		 WHERE id = $1 AND attempt = $2 AND status = 'running'`, ref.ID, ref.Attempt)
	if err != nil {
		return "", mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return models.JobStatusRunning, nil
	}
	j, aerr := s.explainMiss(ctx, ref, "heartbeat")
	if j != nil && j.Status.IsTerminal() {
		return j.Status, nil
	}
	return "", aerr
}

func (s *Store) FinishJob(ctx context.Context, ref models.JobRef, status models.JobStatus, message string, outputs json.RawMessage) apperrors.Error {
	if status != models.JobStatusSuccessful && status != models.JobStatusFailed {
		return dberror.ErrJobTransition.Msg(fmt.Sprintf("cannot finish a job as %s", status))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE spatialvault.processes_jobs
		 SET status = $3,
		     message = $4,
		     outputs = $5,
		     progress = CASE WHEN $3 = 'successful' THEN 100 ELSE progress END,
		     finished = now(),
		     updated = now()
		 WHERE id = $1 AND attempt = $2 AND status = 'running'`,
		ref.ID, ref.Attempt, string(status), nullString(message), jsonbParam(outputs))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("job_id", ref.ID.String()).Msg("failed to finish job")
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	j, aerr := s.explainMiss(ctx, ref, "finish")
	if j != nil && j.Status.IsTerminal() {
		log.Ctx(ctx).Info().Str("job_id", ref.ID.String()).Str("status", string(j.Status)).Msg("job already terminal")
		return nil
	}
	return aerr
}

func (s *Store) CancelJob(ctx context.Context, id uuid.UUID, owner string) (*models.Job, apperrors.Error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`UPDATE spatialvault.processes_jobs
		 SET status = 'dismissed', finished = now(), updated = now(), message = 'dismissed'
		 WHERE id = $1 AND owner = $2 AND status IN ('accepted', 'running')
		 RETURNING `+jobColumns, id, owner))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapError(err)
	}
	cur, gerr := s.GetJob(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if cur.Owner != owner {
		return nil, dberror.ErrNotFound.Msg("job not found")
	}
	return nil, dberror.ErrJobTransition.Msg(fmt.Sprintf("cannot dismiss: job is %s", cur.Status))
}

func (s *Store) ReapJobs(ctx context.Context, staleAfter time.Duration, maxAttempts int) ([]uuid.UUID, apperrors.Error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE spatialvault.processes_jobs
		 SET status = 'failed',
		     message = format('abandoned after %s attempts without a heartbeat', attempt),
		     finished = now(),
		     updated = now()
		 WHERE id IN (
			SELECT id FROM spatialvault.processes_jobs
			WHERE status = 'running'
			  AND updated < now() - make_interval(secs => $1::double precision)
			  AND attempt >= $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id`, staleAfter.Seconds(), maxAttempts)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to reap jobs")
		return nil, mapError(err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return ids, nil
}
