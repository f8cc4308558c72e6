package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PixelBooth/app/models"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/payment"
)

const (
	// Redis keys
	KeyPrefix     = "billing:reconcile:"
	JobKeyPrefix  = KeyPrefix + "job:"
	PendingKey    = KeyPrefix + "pending"
	ProcessingKey = KeyPrefix + "processing"
	DelayedKey    = KeyPrefix + "delayed"
	DeadKey       = KeyPrefix + "dead"
	StatsKey      = KeyPrefix + "stats"
	paymentKey    = KeyPrefix + "payment:"

	DefaultMaxAttempts = 5
	DefaultRetryDelay  = time.Minute
	JobTTL             = 7 * 24 * time.Hour
	StuckAfter         = 10 * time.Minute

	dequeueWait  = time.Second
	pollInterval = time.Second
	stuckEvery   = time.Minute
)

// Approvals finishes approvals whose follow-up steps did not complete.
type Approvals interface {
	ResumeApproval(ctx context.Context, paymentID uint) (*models.Payment, error)
}

// Queue runs resume_approval jobs from Redis. A payment has at most one job
// waiting or running; later requests for the same payment are folded into it.
type Queue struct {
	client      *redis.Client
	approvals   Approvals
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewQueue creates a queue. approvals may be nil and set later with SetApprovals.
func NewQueue(client *redis.Client, workers int, approvals Approvals) *Queue {
	if workers <= 0 {
		workers = 3
	}
	return &Queue{
		client:      client,
		approvals:   approvals,
		workers:     workers,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		now:         time.Now,
	}
}

// SetApprovals wires the approval resumer after construction. The payment
// service and the queue reference each other, so one side is set late.
func (q *Queue) SetApprovals(a Approvals) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.approvals = a
}

// SetRetryDelay sets the base backoff. Attempt n waits n*d before it is retried.
func (q *Queue) SetRetryDelay(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryDelay = d
}

// Start launches the workers and the maintenance loop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.maintain(ctx)
}

// Stop cancels the workers and waits for running jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	q.cancel()
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// IsRunning reports whether workers are active
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	for ctx.Err() == nil {
		if _, err := q.ProcessNext(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("[JobQueue] Worker %d: %v", id, err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	log.Infof("[JobQueue] Worker %d stopping", id)
}

// maintain promotes due retries and rescues jobs orphaned by a crashed worker.
func (q *Queue) maintain(ctx context.Context) {
	defer q.wg.Done()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	stuck := time.NewTicker(stuckEvery)
	defer stuck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			q.promoteDue(ctx, q.now())
		case <-stuck.C:
			q.recoverStuck(ctx, StuckAfter, q.now())
		}
	}
}

// EnqueueReconcile schedules a resume of the payment's approval steps. It is
// a no-op while a job for the same payment is already waiting or running.
func (q *Queue) EnqueueReconcile(ctx context.Context, paymentID uint) error {
	id := uuid.NewString()
	claimed, err := q.client.SetNX(ctx, paymentLockKey(paymentID), id, JobTTL).Result()
	if err != nil {
		return fmt.Errorf("claim reconcile for payment %d: %w", paymentID, err)
	}
	if !claimed {
		log.Infof("[JobQueue] Reconcile for payment %d already queued", paymentID)
		return nil
	}

	payload := ResumeApprovalPayload{PaymentID: paymentID, Reason: ReasonStepFailed}
	if _, err := q.push(ctx, id, JobTypeResumeApproval, payload); err != nil {
		q.client.Del(ctx, paymentLockKey(paymentID))
		return err
	}
	return nil
}

func (q *Queue) push(ctx context.Context, id string, jobType JobType, payload interface{}) (*Job, error) {
	job, err := newJob(id, jobType, payload, q.maxAttempts, q.now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL)
	pipe.LPush(ctx, PendingKey, job.ID)
	pipe.HIncrBy(ctx, StatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// ProcessNext runs at most one pending job. It reports whether a job was
// taken from the queue; an empty queue is not an error.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	id, err := q.client.BRPopLPush(ctx, PendingKey, ProcessingKey, dequeueWait).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.client.LRem(ctx, ProcessingKey, 1, id)
		return true, fmt.Errorf("load job %s: %w", id, err)
	}

	// A dequeued job runs to completion even when the worker is stopping.
	q.process(context.WithoutCancel(ctx), job)
	return true, nil
}

func (q *Queue) process(ctx context.Context, job *Job) {
	job.start(q.now())
	q.save(ctx, job)

	err := q.handle(ctx, job)
	if err == nil {
		log.Infof("[JobQueue] Job %s completed", job.ID)
		job.succeed(q.now())
		pipe := q.client.TxPipeline()
		pipe.Del(ctx, JobKeyPrefix+job.ID)
		pipe.LRem(ctx, ProcessingKey, 1, job.ID)
		pipe.HIncrBy(ctx, StatsKey, string(JobStatusCompleted), 1)
		q.release(ctx, pipe, job)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[JobQueue] Failed to finish job %s: %v", job.ID, err)
		}
		return
	}

	job.fail(err, q.now())
	if job.CanRetry() {
		q.mu.Lock()
		delay := q.retryDelay * time.Duration(job.Attempts)
		q.mu.Unlock()
		log.Warnf("[JobQueue] Job %s failed (attempt %d/%d), retrying in %s: %v", job.ID, job.Attempts, job.MaxAttempts, delay, err)

		job.retry(q.now())
		q.save(ctx, job)
		pipe := q.client.TxPipeline()
		pipe.ZAdd(ctx, DelayedKey, redis.Z{Score: float64(q.now().Add(delay).UnixMilli()), Member: job.ID})
		pipe.LRem(ctx, ProcessingKey, 1, job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, err)
		}
		return
	}

	log.Errorf("[JobQueue] Job %s gave up after %d attempts: %v", job.ID, job.Attempts, err)
	job.bury(q.now())
	q.save(ctx, job)
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, DeadKey, job.ID)
	pipe.LRem(ctx, ProcessingKey, 1, job.ID)
	pipe.HIncrBy(ctx, StatsKey, string(JobStatusDead), 1)
	q.release(ctx, pipe, job)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to bury job %s: %v", job.ID, err)
	}
}

// release lets the next failure of the same payment schedule a new job.
func (q *Queue) release(ctx context.Context, pipe redis.Pipeliner, job *Job) {
	if p, err := job.DecodeResumeApproval(); err == nil {
		pipe.Del(ctx, paymentLockKey(p.PaymentID))
	}
}

// handle dispatches a job to its handler by type
func (q *Queue) handle(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobTypeResumeApproval:
		return q.resumeApproval(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (q *Queue) resumeApproval(ctx context.Context, job *Job) error {
	p, err := job.DecodeResumeApproval()
	if err != nil {
		return err
	}

	q.mu.Lock()
	approvals := q.approvals
	q.mu.Unlock()
	if approvals == nil {
		return errors.New("no approval resumer configured")
	}

	_, err = approvals.ResumeApproval(ctx, p.PaymentID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payment.ErrPaymentNotFound), errors.Is(err, payment.ErrInvalidStateTransition):
		// Nothing left to finish.
		log.Warnf("[JobQueue] Dropping reconcile for payment %d: %v", p.PaymentID, err)
		return nil
	default:
		return err
	}
}

// promoteDue moves retries whose backoff has elapsed back to the pending list.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) int {
	ids, err := q.client.ZRangeByScore(ctx, DelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		log.Errorf("[JobQueue] Reading delayed jobs: %v", err)
		return 0
	}

	promoted := 0
	for _, id := range ids {
		// ZRem decides the winner when several instances promote at once.
		removed, err := q.client.ZRem(ctx, DelayedKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, PendingKey, id).Err(); err != nil {
			log.Errorf("[JobQueue] Failed to promote job %s: %v", id, err)
			continue
		}
		promoted++
	}
	return promoted
}

// recoverStuck requeues jobs that have sat in processing longer than maxAge.
func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) int {
	ids, err := q.client.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[JobQueue] Reading processing list: %v", err)
		return 0
	}

	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			q.client.LRem(ctx, ProcessingKey, 1, id)
			continue
		}
		age := now.Sub(job.runningSince())
		if age <= maxAge {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, age)
		job.Status = JobStatusPending
		job.LastError = "recovered after worker loss"
		job.UpdatedAt = now
		q.save(ctx, job)
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, ProcessingKey, 1, job.ID)
		pipe.RPush(ctx, PendingKey, job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[JobQueue] Failed to requeue job %s: %v", job.ID, err)
			continue
		}
		recovered++
	}
	return recovered
}

func (q *Queue) save(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to store job %s: %v", job.ID, err)
	}
}

// GetJob loads a job by ID. Completed jobs are deleted and return redis.Nil.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, JobKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// GetJobStats returns counters per terminal status plus the enqueue total.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	raw, err := q.client.HGetAll(ctx, StatsKey).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[JobStatus]int64, len(raw))
	for status, count := range raw {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			stats[JobStatus(status)] = n
		}
	}
	return stats, nil
}

// GetQueueSize returns the number of jobs waiting to run.
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, PendingKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, ProcessingKey).Result()
}

// DeadJobIDs lists jobs that exhausted their attempts, newest first.
func (q *Queue) DeadJobIDs(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, DeadKey, 0, -1).Result()
}

func paymentLockKey(paymentID uint) string {
	return paymentKey + strconv.FormatUint(uint64(paymentID), 10)
}
