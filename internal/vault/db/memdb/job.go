package memdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

func cloneJob(j *models.Job) *models.Job {
	c := clone(j)
	c.Inputs = cloneRaw(j.Inputs)
	c.Outputs = cloneRaw(j.Outputs)
	return c
}

func (s *Store) CreateJob(ctx context.Context, j *models.Job) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = commonuuid.New()
	}
	if _, exists := s.jobs[j.ID]; exists {
		return dberror.ErrAlreadyExists.Msg("job already exists")
	}
	now := s.now()
	j.Status = models.JobStatusAccepted
	j.Progress = 0
	j.Attempt = 0
	j.WorkerID = ""
	j.Message = ""
	j.Outputs = nil
	j.Started, j.Finished = nil, nil
	j.Created, j.Updated = now, now
	if len(j.Inputs) == 0 {
		j.Inputs = []byte("{}")
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("job not found")
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobs(ctx context.Context, owner string, limit, offset int) ([]*models.Job, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Job
	for _, j := range s.jobs {
		if owner == "" || j.Owner == owner {
			all = append(all, cloneJob(j))
		}
	}
	sort.Slice(all, func(i, k int) bool { return all[i].Created.After(all[k].Created) })
	return page(all, limit, offset), nil
}

func (s *Store) ClaimJob(ctx context.Context, workerID string, staleAfter time.Duration, maxAttempts int) (*models.Job, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var pick *models.Job
	for _, j := range s.jobs {
		claimable := j.Status == models.JobStatusAccepted ||
			(j.Status == models.JobStatusRunning && j.Updated.Before(now.Add(-staleAfter)) && j.Attempt < maxAttempts)
		if !claimable {
			continue
		}
		if pick == nil || j.Created.Before(pick.Created) ||
			(j.Created.Equal(pick.Created) && j.ID.String() < pick.ID.String()) {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.Status = models.JobStatusRunning
	pick.Started = &now
	pick.Updated = now
	pick.Attempt++
	pick.WorkerID = workerID
	pick.Progress = 0
	pick.Message = ""
	pick.Outputs = nil
	return cloneJob(pick), nil
}

// leaseLocked returns the job if ref still holds the running lease, or
// the job plus the reason it does not.
func (s *Store) leaseLocked(ref models.JobRef, op string) (*models.Job, apperrors.Error) {
	j, ok := s.jobs[ref.ID]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("job not found")
	}
	if j.Status != models.JobStatusRunning {
		return j, dberror.ErrJobTransition.Msg(fmt.Sprintf("cannot %s: job is %s", op, j.Status))
	}
	if j.Attempt != ref.Attempt {
		return j, dberror.ErrJobTransition.Msg(
			fmt.Sprintf("cannot %s: attempt %d superseded by attempt %d", op, ref.Attempt, j.Attempt))
	}
	return j, nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, ref models.JobRef, progress int, message string) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if progress < 0 || progress > 100 {
		return dberror.ErrValidation.Msg("progress out of range")
	}
	j, err := s.leaseLocked(ref, "report progress")
	if err != nil {
		return err
	}
	j.Progress = progress
	if message != "" {
		j.Message = message
	}
	j.Updated = s.now()
	return nil
}

func (s *Store) HeartbeatJob(ctx context.Context, ref models.JobRef) (models.JobStatus, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leaseLocked(ref, "heartbeat")
	if err != nil {
		if j != nil && j.Status.IsTerminal() {
			return j.Status, nil
		}
		return "", err
	}
	j.Updated = s.now()
	return j.Status, nil
}

func (s *Store) FinishJob(ctx context.Context, ref models.JobRef, status models.JobStatus, message string, outputs json.RawMessage) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status != models.JobStatusSuccessful && status != models.JobStatusFailed {
		return dberror.ErrJobTransition.Msg(fmt.Sprintf("cannot finish a job as %s", status))
	}
	j, err := s.leaseLocked(ref, "finish")
	if err != nil {
		if j != nil && j.Status.IsTerminal() {
			return nil
		}
		return err
	}
	now := s.now()
	j.Status = status
	j.Message = message
	j.Outputs = cloneRaw(outputs)
	if status == models.JobStatusSuccessful {
		j.Progress = 100
	}
	j.Finished = &now
	j.Updated = now
	return nil
}

func (s *Store) CancelJob(ctx context.Context, id uuid.UUID, owner string) (*models.Job, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Owner != owner {
		return nil, dberror.ErrNotFound.Msg("job not found")
	}
	if !j.Status.CanTransitionTo(models.JobStatusDismissed) {
		return nil, dberror.ErrJobTransition.Msg(fmt.Sprintf("cannot dismiss: job is %s", j.Status))
	}
	now := s.now()
	j.Status = models.JobStatusDismissed
	j.Message = "dismissed"
	j.Finished = &now
	j.Updated = now
	return cloneJob(j), nil
}

func (s *Store) ReapJobs(ctx context.Context, staleAfter time.Duration, maxAttempts int) ([]uuid.UUID, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var ids []uuid.UUID
	for _, j := range s.jobs {
		if j.Status != models.JobStatusRunning || !j.Updated.Before(now.Add(-staleAfter)) || j.Attempt < maxAttempts {
			continue
		}
		j.Status = models.JobStatusFailed
		j.Message = fmt.Sprintf("abandoned after %d attempts without a heartbeat", j.Attempt)
		j.Finished = &now
		j.Updated = now
		ids = append(ids, j.ID)
	}
	return ids, nil
}
