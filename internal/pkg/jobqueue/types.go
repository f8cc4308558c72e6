package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	// JobTypeResumeApproval finishes an approval whose follow-up steps failed.
	JobTypeResumeApproval JobType = "resume_approval"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusDead       JobStatus = "dead"
)

// Job is a unit of reconciliation work stored as JSON under JobKeyPrefix+ID.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
}

// ResumeApprovalPayload names the payment whose approval should be finished
// and what asked for it.
type ResumeApprovalPayload struct {
	PaymentID uint   `json:"payment_id"`
	Reason    string `json:"reason,omitempty"`
}

// ReasonStepFailed marks jobs scheduled by a failed approval step.
const ReasonStepFailed = "step_failed"

// DecodeResumeApproval reads the payload of a resume_approval job.
func (j *Job) DecodeResumeApproval() (ResumeApprovalPayload, error) {
	var p ResumeApprovalPayload
	if j.Type != JobTypeResumeApproval {
		return p, fmt.Errorf("job %s is %s, not %s", j.ID, j.Type, JobTypeResumeApproval)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("job %s payload: %w", j.ID, err)
	}
	if p.PaymentID == 0 {
		return p, fmt.Errorf("job %s payload: missing payment_id", j.ID)
	}
	return p, nil
}

func newJob(id string, jobType JobType, payload interface{}, maxAttempts int, now time.Time) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	return &Job{
		ID:          id,
		Type:        jobType,
		Status:      JobStatusPending,
		Payload:     raw,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxAttempts: maxAttempts,
	}, nil
}

// CanRetry reports whether a failed job has attempts left.
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed && j.Attempts < j.MaxAttempts
}

func (j *Job) start(now time.Time) {
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.StartedAt = &now
}

func (j *Job) succeed(now time.Time) {
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.FinishedAt = &now
	j.LastError = ""
}

// fail counts an attempt; the caller decides between retry and dead-letter.
func (j *Job) fail(cause error, now time.Time) {
	j.Status = JobStatusFailed
	j.UpdatedAt = now
	j.LastError = cause.Error()
	j.Attempts++
}

func (j *Job) retry(now time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = now
}

func (j *Job) bury(now time.Time) {
	j.Status = JobStatusDead
	j.UpdatedAt = now
	j.FinishedAt = &now
}

// runningSince is the moment the current attempt started.
func (j *Job) runningSince() time.Time {
	if j.StartedAt != nil && !j.StartedAt.IsZero() {
		return *j.StartedAt
	}
	return j.UpdatedAt
}
