package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

/*
   Column    |           Type           | Nullable |  Default
-------------+--------------------------+----------+------------
 id          | uuid                     | not null |
 process_id  | text                     | not null |
 status      | text                     | not null | 'accepted'
 owner       | text                     | not null |
 message     | text                     |          |
 progress    | integer                  | not null | 0
 inputs      | jsonb                    | not null | '{}'
 outputs     | jsonb                    |          |
 attempt     | integer                  | not null | 0
 worker_id   | text                     |          |
 created     | timestamp with time zone | not null | now()
 started     | timestamp with time zone |          |
 finished    | timestamp with time zone |          |
 updated     | timestamp with time zone | not null | now()
Indexes:
    "processes_jobs_pkey" PRIMARY KEY, btree (id)
    "idx_processes_jobs_claim" btree (status, created)
    "idx_processes_jobs_owner" btree (owner, created)
Check constraints:
    "processes_jobs_progress_check" CHECK (progress BETWEEN 0 AND 100)
    "processes_jobs_status_check" CHECK (status IN ('accepted','running','successful','failed','dismissed'))
*/

type JobStatus string

const (
	JobStatusAccepted   JobStatus = "accepted"
	JobStatusRunning    JobStatus = "running"
	JobStatusSuccessful JobStatus = "successful"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDismissed  JobStatus = "dismissed"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusAccepted: {JobStatusRunning, JobStatusDismissed},
	JobStatusRunning:  {JobStatusSuccessful, JobStatusFailed, JobStatusDismissed},
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusAccepted, JobStatusRunning, JobStatusSuccessful, JobStatusFailed, JobStatusDismissed:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccessful || s == JobStatusFailed || s == JobStatusDismissed
}

// CanTransitionTo reports whether the state machine allows s -> next.
// Reclaiming a stale running job is a claim, not a transition, and is not
// covered here.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, n := range jobTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

type Job struct {
	ID        uuid.UUID
	ProcessID string
	Status    JobStatus
	Owner     string
	Message   string
	Progress  int
	Inputs    json.RawMessage
	Outputs   json.RawMessage
	Attempt   int
	WorkerID  string
	Created   time.Time
	Started   *time.Time
	Finished  *time.Time
	Updated   time.Time
}

// JobRef identifies one attempt at running a job. Writes carrying a
// superseded attempt are rejected.
type JobRef struct {
	ID      uuid.UUID
	Attempt int
}

func (j *Job) Ref() JobRef {
	return JobRef{ID: j.ID, Attempt: j.Attempt}
}
