package push

import (
	"context"
	"log/slog"
	"time"

	"pushdesk/internal/types"
)

// JobStore abstracts the notify_jobs persistence the queue and worker need.
// The concrete implementation is db.JobRepository.
type JobStore interface {
	// Insert performs the idempotent conditional insert keyed on dedup_key.
	// When the key exists, it returns created=false and fills job with the
	// prior row.
	Insert(ctx context.Context, job *types.NotifyJob) (created bool, err error)

	// ClaimDue atomically transitions up to limit due PENDING jobs (and
	// abandoned LOCKED jobs older than lockTTL) to LOCKED for lockedBy.
	ClaimDue(ctx context.Context, limit int, lockedBy string, lockTTL time.Duration) ([]*types.NotifyJob, error)

	// Finalize records the terminal status of a processed job and releases
	// its lock.
	Finalize(ctx context.Context, jobID int64, status types.JobStatus, lastError string) error
}

// EnqueueParams describes one notification event from a business producer.
// Producers build DedupKey via KeyBuilder with identifiers that make the
// call idempotent per logical event.
type EnqueueParams struct {
	RuleCode    string
	UserType    types.UserType
	UserID      int64
	DedupKey    string
	Payload     types.NotifyPayload
	ScheduledAt time.Time
	CreatedBy   string
}

// EnqueueResult reports whether a row was created and which job now owns
// the key. Created=false is the normal idempotent response for duplicates,
// not an error.
type EnqueueResult struct {
	Created bool  `json:"created"`
	JobID   int64 `json:"jobId"`
}

// Queue is the enqueue side of the pipeline, consumed by the scenario
// producers.
type Queue struct {
	jobs   JobStore
	logger *slog.Logger
}

// NewQueue creates a Queue.
func NewQueue(jobs JobStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{jobs: jobs, logger: logger}
}

// Enqueue inserts one job keyed on its dedup key. A second call with the
// same key is a no-op that reports created=false with the prior job's id.
// This is the system's sole idempotence mechanism: a FAILED job is terminal,
// and a re-triggered scenario correctly no-ops on its original key.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	if p.DedupKey == "" {
		return EnqueueResult{}, types.NewAppError(types.ErrCodeValidationMissingField, "dedup key is required", nil)
	}
	if !p.UserType.Valid() {
		return EnqueueResult{}, types.NewAppError(types.ErrCodeValidationInvalidUserType, "user type must be CLIENT or WORKER", nil)
	}

	job := &types.NotifyJob{
		RuleCode:    p.RuleCode,
		UserType:    p.UserType,
		UserID:      p.UserID,
		DedupKey:    p.DedupKey,
		Payload:     p.Payload,
		ScheduledAt: p.ScheduledAt,
		CreatedBy:   p.CreatedBy,
	}

	created, err := q.jobs.Insert(ctx, job)
	if err != nil {
		return EnqueueResult{}, err
	}

	if created {
		q.logger.InfoContext(ctx, "notify job enqueued",
			"job_id", job.ID,
			"rule_code", p.RuleCode,
			"dedup_key", p.DedupKey,
			"user_type", string(p.UserType),
			"user_id", p.UserID,
		)
	} else {
		q.logger.InfoContext(ctx, "notify job already enqueued",
			"job_id", job.ID,
			"dedup_key", p.DedupKey,
		)
	}

	return EnqueueResult{Created: created, JobID: job.ID}, nil
}
