package jobqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job, err := newJob("a", JobTypeResumeApproval, ResumeApprovalPayload{PaymentID: 4}, 2, now)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)

	job.start(now.Add(time.Second))
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.Equal(t, now.Add(time.Second), job.runningSince())

	job.fail(errors.New("boom"), now)
	assert.Equal(t, "boom", job.LastError)
	assert.True(t, job.CanRetry())

	job.retry(now)
	assert.Equal(t, JobStatusRetrying, job.Status)
	assert.False(t, job.CanRetry(), "only failed jobs are retried")

	job.fail(errors.New("boom again"), now)
	assert.False(t, job.CanRetry(), "attempts exhausted")

	job.bury(now)
	assert.Equal(t, JobStatusDead, job.Status)
	assert.NotNil(t, job.FinishedAt)
}

func TestJobSucceedClearsError(t *testing.T) {
	job := &Job{ID: "b", Status: JobStatusProcessing, LastError: "earlier"}
	job.succeed(time.Now())
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.LastError)
}

func TestDecodeResumeApproval(t *testing.T) {
	job, err := newJob("c", JobTypeResumeApproval, ResumeApprovalPayload{PaymentID: 31, Reason: ReasonStepFailed}, 1, time.Now())
	require.NoError(t, err)

	p, err := job.DecodeResumeApproval()
	require.NoError(t, err)
	assert.Equal(t, uint(31), p.PaymentID)
	assert.Equal(t, ReasonStepFailed, p.Reason)

	job.Payload = []byte(`{"reason":"x"}`)
	_, err = job.DecodeResumeApproval()
	assert.Error(t, err)

	job.Type = JobType("other")
	_, err = job.DecodeResumeApproval()
	assert.Error(t, err)
}
