package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pushdesk/internal/types"
)

// SubscriptionStore abstracts the push_subscriptions persistence the worker
// needs. The concrete implementation is db.SubscriptionRepository.
type SubscriptionStore interface {
	// ListEnabled resolves a job target to its enabled subscriptions.
	// userID 0 means every enabled subscription of the user type.
	ListEnabled(ctx context.Context, userType types.UserType, userID int64) ([]*types.PushSubscription, error)

	// Disable flags a subscription as permanently dead.
	Disable(ctx context.Context, id int64) error
}

// AttemptLog records one audit row per delivery attempt. The concrete
// implementation is db.MessageLogRepository.
type AttemptLog interface {
	Insert(ctx context.Context, entry *types.PushMessageLog) error
}

// Deliverer renders and sends one (job, subscription) pair to the push
// transport. Implementations must contain every transport failure in the
// returned DeliveryResult; an error return is reserved for programming
// mistakes and is still converted to a FAILED outcome by the worker.
type Deliverer interface {
	Send(ctx context.Context, sub *types.PushSubscription, payload types.NotifyPayload, job *types.NotifyJob) (types.DeliveryResult, error)
}

// DeliveryMetrics records delivery outcomes and worker-run durations.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, outcome types.DeliveryOutcome)
	RecordRunDuration(ctx context.Context, d time.Duration)
}

// RunOptions tunes one worker invocation.
type RunOptions struct {
	Limit    int
	LockedBy string
}

// WorkerConfig holds the construction parameters for a Worker.
type WorkerConfig struct {
	Jobs          JobStore
	Subscriptions SubscriptionStore
	Attempts      AttemptLog
	Deliverer     Deliverer
	Metrics       DeliveryMetrics
	Logger        *slog.Logger

	// DefaultLimit bounds the claim batch when RunOptions.Limit is unset.
	DefaultLimit int
	// LockTTL is the age after which a LOCKED job is considered abandoned
	// and eligible for reclaim.
	LockTTL time.Duration
	// Parallelism bounds concurrent deliveries within one job.
	Parallelism int
}

// Worker claims due notify jobs and fans each one out to the target's
// enabled subscriptions. It is designed to be invoked repeatedly as a
// discrete unit of work with no external coordination: overlapping
// invocations are safe because the claim step is atomic.
type Worker struct {
	jobs        JobStore
	subs        SubscriptionStore
	attempts    AttemptLog
	deliverer   Deliverer
	metrics     DeliveryMetrics
	logger      *slog.Logger
	limit       int
	lockTTL     time.Duration
	parallelism int
}

// NewWorker creates a Worker from the given configuration.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 50
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Worker{
		jobs:        cfg.Jobs,
		subs:        cfg.Subscriptions,
		attempts:    cfg.Attempts,
		deliverer:   cfg.Deliverer,
		metrics:     metrics,
		logger:      logger,
		limit:       limit,
		lockTTL:     lockTTL,
		parallelism: parallelism,
	}
}

// RunDueJobs claims up to opts.Limit due jobs and processes each to
// completion. Delivery failures never abort the run; a storage failure
// aborts only the current job. The claimed batch is always processed fully;
// there is no mechanism to cancel it mid-flight.
func (w *Worker) RunDueJobs(ctx context.Context, opts RunOptions) ([]types.JobResult, error) {
	start := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = w.limit
	}
	lockedBy := opts.LockedBy
	if lockedBy == "" {
		lockedBy = "push-worker"
	}

	claimed, err := w.jobs.ClaimDue(ctx, limit, lockedBy, w.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("claiming due jobs: %w", err)
	}

	if len(claimed) == 0 {
		w.logger.InfoContext(ctx, "worker idle", "limit", limit, "locked_by", lockedBy)
		return []types.JobResult{}, nil
	}

	results := make([]types.JobResult, 0, len(claimed))
	for _, job := range claimed {
		result, err := w.processJob(ctx, job)
		if err != nil {
			// Storage failure on this job only; the lock TTL will make it
			// eligible for reclaim. Continue with the rest of the batch.
			w.logger.ErrorContext(ctx, "job processing aborted",
				"job_id", job.ID,
				"error", err,
			)
			continue
		}
		results = append(results, result)
	}

	w.metrics.RecordRunDuration(ctx, time.Since(start))
	w.logger.InfoContext(ctx, "worker run complete",
		"jobs", len(results),
		"limit", limit,
		"locked_by", lockedBy,
		"duration", time.Since(start),
	)

	return results, nil
}

// processJob resolves the job target, delivers to every enabled
// subscription, and finalizes the job status: SENT when at least one
// delivery succeeded or there was no one to notify, PARTIAL on a mixed
// result, FAILED when every delivery failed.
func (w *Worker) processJob(ctx context.Context, job *types.NotifyJob) (types.JobResult, error) {
	subs, err := w.subs.ListEnabled(ctx, job.UserType, job.UserID)
	if err != nil {
		return types.JobResult{}, fmt.Errorf("resolving subscriptions for job %d: %w", job.ID, err)
	}

	if len(subs) == 0 {
		// No one to notify is a valid outcome, not a delivery failure.
		if err := w.jobs.Finalize(ctx, job.ID, types.JobStatusSent, ""); err != nil {
			return types.JobResult{}, err
		}
		return types.JobResult{JobID: job.ID, Skipped: true, Status: string(types.JobStatusSent)}, nil
	}

	w.logger.InfoContext(ctx, "delivery targets resolved",
		"job_id", job.ID,
		"user_type", string(job.UserType),
		"user_id", job.UserID,
		"subscription_count", len(subs),
	)

	var (
		mu           sync.Mutex
		sent         int
		failed       int
		firstFailure string
	)

	// Deliveries are independent network I/O; run them concurrently and
	// wait for the whole group before finalizing the job.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)

	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			result := w.deliverOne(gctx, sub, job)

			mu.Lock()
			defer mu.Unlock()
			if result.Delivered() {
				sent++
				return nil
			}
			failed++
			if firstFailure == "" {
				firstFailure = failureDetail(result, sub)
			}
			return nil
		})
	}
	_ = g.Wait() // deliverOne never returns an error

	status := types.JobStatusSent
	lastError := ""
	switch {
	case sent == 0:
		status = types.JobStatusFailed
	case failed > 0:
		status = types.JobStatusPartial
	}
	if failed > 0 {
		lastError = fmt.Sprintf("delivery failed (%d/%d); first failure %s", failed, len(subs), firstFailure)
	}

	if err := w.jobs.Finalize(ctx, job.ID, status, lastError); err != nil {
		return types.JobResult{}, err
	}

	return types.JobResult{
		JobID:  job.ID,
		Sent:   sent,
		Failed: failed,
		Status: string(status),
	}, nil
}

// deliverOne sends to a single subscription and applies the outcome's side
// effects: the audit log row and, for permanently dead tokens, disabling
// the subscription. Every failure path is contained here.
func (w *Worker) deliverOne(ctx context.Context, sub *types.PushSubscription, job *types.NotifyJob) types.DeliveryResult {
	result, err := w.deliverer.Send(ctx, sub, job.Payload, job)
	if err != nil {
		message := err.Error()
		if len(message) > 255 {
			message = message[:255]
		}
		result = types.DeliveryResult{
			Outcome:      types.DeliveryFailed,
			ErrorMessage: message,
		}
	}

	w.metrics.RecordDelivery(ctx, result.Outcome)

	if result.DisableSubscription {
		if err := w.subs.Disable(ctx, sub.ID); err != nil {
			w.logger.ErrorContext(ctx, "failed to disable subscription",
				"subscription_id", sub.ID,
				"job_id", job.ID,
				"error", err,
			)
		} else {
			w.logger.WarnContext(ctx, "subscription disabled after failure",
				"subscription_id", sub.ID,
				"job_id", job.ID,
				"user_type", string(sub.UserType),
				"user_id", sub.UserID,
				"http_status", result.HTTPStatus,
				"error_code", result.ErrorCode,
				"disable_reason", result.DisableReason,
				"device_fingerprint", types.MaskFingerprint(sub.DeviceFingerprint),
				"token", types.MaskToken(sub.Token),
			)
		}
	}

	if err := w.attempts.Insert(ctx, &types.PushMessageLog{
		NotifyJobID:    job.ID,
		SubscriptionID: sub.ID,
		Status:         result.Outcome,
		HTTPStatus:     result.HTTPStatus,
		ErrorCode:      result.ErrorCode,
		ErrorMessage:   result.ErrorMessage,
		SentAt:         result.SentAt,
	}); err != nil {
		w.logger.ErrorContext(ctx, "failed to log delivery attempt",
			"subscription_id", sub.ID,
			"job_id", job.ID,
			"error", err,
		)
	}

	return result
}

// failureDetail builds the compact first-failure summary stored on the job.
func failureDetail(result types.DeliveryResult, sub *types.PushSubscription) string {
	detail := ""
	if result.HTTPStatus != 0 {
		detail += fmt.Sprintf("status=%d ", result.HTTPStatus)
	}
	if result.ErrorMessage != "" {
		detail += result.ErrorMessage + " "
	}
	detail += "token=" + types.MaskToken(sub.Token)
	if sub.DeviceFingerprint != "" {
		detail += " device=" + types.MaskFingerprint(sub.DeviceFingerprint)
	}
	return detail
}
