package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushdesk/internal/types"
)

type mockSubStore struct {
	listFn    func(ctx context.Context, userType types.UserType, userID int64) ([]*types.PushSubscription, error)
	disableFn func(ctx context.Context, id int64) error

	mu       sync.Mutex
	disabled []int64
}

func (m *mockSubStore) ListEnabled(ctx context.Context, userType types.UserType, userID int64) ([]*types.PushSubscription, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userType, userID)
	}
	return nil, nil
}

func (m *mockSubStore) Disable(ctx context.Context, id int64) error {
	m.mu.Lock()
	m.disabled = append(m.disabled, id)
	m.mu.Unlock()
	if m.disableFn != nil {
		return m.disableFn(ctx, id)
	}
	return nil
}

type mockAttemptLog struct {
	mu      sync.Mutex
	entries []*types.PushMessageLog
	err     error
}

func (m *mockAttemptLog) Insert(_ context.Context, entry *types.PushMessageLog) error {
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return m.err
}

type mockDeliverer struct {
	sendFn func(ctx context.Context, sub *types.PushSubscription, payload types.NotifyPayload, job *types.NotifyJob) (types.DeliveryResult, error)

	mu    sync.Mutex
	sends []int64 // subscription ids, in completion order
}

func (m *mockDeliverer) Send(ctx context.Context, sub *types.PushSubscription, payload types.NotifyPayload, job *types.NotifyJob) (types.DeliveryResult, error) {
	m.mu.Lock()
	m.sends = append(m.sends, sub.ID)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, sub, payload, job)
	}
	return types.DeliveryResult{Outcome: types.DeliverySent, HTTPStatus: 200, SentAt: time.Now()}, nil
}

type recordingMetrics struct {
	mu        sync.Mutex
	outcomes  []types.DeliveryOutcome
	durations []time.Duration
}

func (m *recordingMetrics) RecordDelivery(_ context.Context, outcome types.DeliveryOutcome) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordRunDuration(_ context.Context, d time.Duration) {
	m.mu.Lock()
	m.durations = append(m.durations, d)
	m.mu.Unlock()
}

func testJob(id int64) *types.NotifyJob {
	return &types.NotifyJob{
		ID:       id,
		RuleCode: "CLEAN_SCHEDULE",
		UserType: types.UserTypeClient,
		UserID:   100,
		DedupKey: fmt.Sprintf("CLEAN_SCHEDULE:2026-03-14:%d", id),
		Status:   types.JobStatusLocked,
		Payload:  types.NotifyPayload{Title: "cleaning today", Body: "arrival at 10:00"},
	}
}

func testSub(id int64) *types.PushSubscription {
	return &types.PushSubscription{
		ID:                id,
		UserType:          types.UserTypeClient,
		UserID:            100,
		Token:             fmt.Sprintf("registration-token-%d", id),
		DeviceFingerprint: fmt.Sprintf("fingerprint-%d", id),
		EnabledYn:         true,
	}
}

func newTestWorker(jobs *mockJobStore, subs *mockSubStore, attempts *mockAttemptLog, deliverer *mockDeliverer, metrics DeliveryMetrics) *Worker {
	return NewWorker(WorkerConfig{
		Jobs:          jobs,
		Subscriptions: subs,
		Attempts:      attempts,
		Deliverer:     deliverer,
		Metrics:       metrics,
	})
}

func TestWorker_RunDueJobs_Idle(t *testing.T) {
	jobs := &mockJobStore{}
	w := newTestWorker(jobs, &mockSubStore{}, &mockAttemptLog{}, &mockDeliverer{}, nil)

	results, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestWorker_RunDueJobs_ClaimErrorPropagates(t *testing.T) {
	jobs := &mockJobStore{
		claimFn: func(context.Context, int, string, time.Duration) ([]*types.NotifyJob, error) {
			return nil, errors.New("connection refused")
		},
	}
	w := newTestWorker(jobs, &mockSubStore{}, &mockAttemptLog{}, &mockDeliverer{}, nil)

	_, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.Error(t, err)
}

func TestWorker_RunDueJobs_AllDelivered(t *testing.T) {
	jobs := &mockJobStore{
		claimFn: func(context.Context, int, string, time.Duration) ([]*types.NotifyJob, error) {
			return []*types.NotifyJob{testJob(1)}, nil
		},
	}
	subs := &mockSubStore{
		listFn: func(context.Context, types.UserType, int64) ([]*types.PushSubscription, error) {
			return []*types.PushSubscription{testSub(10), testSub(11)}, nil
		},
	}
	attempts := &mockAttemptLog{}
	metrics := &recordingMetrics{}
	w := newTestWorker(jobs, subs, attempts, &mockDeliverer{}, metrics)

	results, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, int64(1), results[0].JobID)
	assert.Equal(t, 2, results[0].Sent)
	assert.Equal(t, 0, results[0].Failed)
	assert.Equal(t, string(types.JobStatusSent), results[0].Status)

	require.Len(t, jobs.finalized, 1)
	assert.Equal(t, types.JobStatusSent, jobs.finalized[0].status)
	assert.Empty(t, jobs.finalized[0].lastError)

	// One audit row per attempt, one metric per outcome, one run duration.
	assert.Len(t, attempts.entries, 2)
	assert.Len(t, metrics.outcomes, 2)
	assert.Len(t, metrics.durations, 1)
}

func TestWorker_RunDueJobs_NoTargetsIsSentSkipped(t *testing.T) {
	jobs := &mockJobStore{
		claimFn: func(context.Context, int, string, time.Duration) ([]*types.NotifyJob, error) {
			return []*types.NotifyJob{testJob(1)}, nil
		},
	}
	deliverer := &mockDeliverer{}
	w := newTestWorker(jobs, &mockSubStore{}, &mockAttemptLog{}, deliverer, nil)

	results, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].Skipped)
	assert.Equal(t, string(types.JobStatusSent), results[0].Status)
	assert.Empty(t, deliverer.sends)

	require.Len(t, jobs.finalized, 1)
	assert.Equal(t, types.JobStatusSent, jobs.finalized[0].status)
}

func TestWorker_RunDueJobs_MixedResultIsPartial(t *testing.T) {
	jobs := &mockJobStore{
		claimFn: func(context.Context, int, string, time.Duration) ([]*types.NotifyJob, error) {
			return []*types.NotifyJob{testJob(1)}, nil
		},
	}
	subs := &mockSubStore{
		listFn: func(context.Context, types.UserType, int64) ([]*types.PushSubscription, error) {
			return []*types.PushSubscription{testSub(10), testSub(11)}, nil
		},
	}
	deliverer := &mockDeliverer{
		sendFn: func(_ context.Context, sub *types.PushSubscription, _ types.NotifyPayload, _ *types.NotifyJob) (types.DeliveryResult, error) {
			if sub.ID == 11 {
				return types.DeliveryResult{
					Outcome:      types.DeliveryFailed,
					HTTPStatus:   500,
					ErrorMessage: "internal error",
				}, nil
			}
			return types.DeliveryResult{Outcome: types.DeliverySent, HTTPStatus: 200}, nil
		},
	}
	w := newTestWorker(jobs, subs, &mockAttemptLog{}, deliverer, nil)

	results, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 1, results[0].Sent)
	assert.Equal(t, 1, results[0].Failed)
	assert.Equal(t, string(types.JobStatusPartial), results[0].Status)

	require.Len(t, jobs.finalized, 1)
	assert.Equal(t, types.JobStatusPartial, jobs.finalized[0].status)
	assert.Contains(t, jobs.finalized[0].lastError, "status=500")
	// Tokens never appear unmasked in the stored failure detail.
	assert.NotContains(t, jobs.finalized[0].lastError, "registration-token-11")
}

func TestWorker_RunDueJobs_AllFailedIsFailed(t *testing.T) {
	jobs := &mockJobStore{
		claimFn: func(context.Context, int, string, time.Duration) ([]*types.NotifyJob, error) {
			return []*types.NotifyJob{testJob(1)}, nil
		},
	}
	subs := &mockSubStore{
		listFn: func(context.Context, types.UserType, int64) ([]*types.PushSubscription, error) {
			return []*types.PushSubscription{testSub(10)}, nil
		},
	}
	deliverer := &mockDeliverer{
		sendFn: func(context.Context, *types.PushSubscription, types.NotifyPayload, *types.NotifyJob) (types.DeliveryResult, error) {
			return types.DeliveryResult{Outcome: types.DeliveryFailed, HTTPStatus: 503}, nil
		},
	}
	w := newTestWorker(jobs, subs, &mockAttemptLog{}, deliverer, nil)

	results, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, string(types.JobStatusFailed), results[0].Status)

	require.Len(t, jobs.finalized, 1)
	assert.Equal(t, types.JobStatusFailed, jobs.finalized[0].status)
}

func TestWorker_RunDueJobs_DeadTokenDisablesSubscription(t *testing.T) {
	jobs := &mockJobStore{
		claimFn: func(context.Context, int, string, time.Duration) ([]*types.NotifyJob, error) {
			return []*types.NotifyJob{testJob(1)}, nil
		},
	}
	subs := &mockSubStore{
		listFn: func(context.Context, types.UserType, int64) ([]*types.PushSubscription, error) {
			return []*types.PushSubscription{testSub(10), testSub(11)}, nil
		},
	}
	deliverer := &mockDeliverer{
		sendFn: func(_ context.Context, sub *types.PushSubscription, _ types.NotifyPayload, _ *types.NotifyJob) (types.DeliveryResult, error) {
			if sub.ID == 10 {
				return types.DeliveryResult{
					Outcome:             types.DeliveryExpired,
					HTTPStatus:          410,
					DisableSubscription: true,
					DisableReason:       "token expired",
				}, nil
			}
			return types.DeliveryResult{Outcome: types.DeliverySent, HTTPStatus: 200}, nil
		},
	}
	attempts := &mockAttemptLog{}
	w := newTestWorker(jobs, subs, attempts, deliverer, nil)

	results, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, string(types.JobStatusPartial), results[0].Status)
	assert.Equal(t, []int64{10}, subs.disabled)

	var expiredLogged bool
	for _, entry := range attempts.entries {
		if entry.SubscriptionID == 10 {
			assert.Equal(t, types.DeliveryExpired, entry.Status)
			assert.Equal(t, 410, entry.HTTPStatus)
			expiredLogged = true
		}
	}
	assert.True(t, expiredLogged)
}

func TestWorker_RunDueJobs_DelivererErrorBecomesFailed(t *testing.T) {
	jobs := &mockJobStore{
		claimFn: func(context.Context, int, string, time.Duration) ([]*types.NotifyJob, error) {
			return []*types.NotifyJob{testJob(1)}, nil
		},
	}
	subs := &mockSubStore{
		listFn: func(context.Context, types.UserType, int64) ([]*types.PushSubscription, error) {
			return []*types.PushSubscription{testSub(10)}, nil
		},
	}
	deliverer := &mockDeliverer{
		sendFn: func(context.Context, *types.PushSubscription, types.NotifyPayload, *types.NotifyJob) (types.DeliveryResult, error) {
			return types.DeliveryResult{}, errors.New("unexpected panic-grade failure")
		},
	}
	w := newTestWorker(jobs, subs, &mockAttemptLog{}, deliverer, nil)

	results, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, string(types.JobStatusFailed), results[0].Status)
}

func TestWorker_RunDueJobs_StorageErrorAbortsOnlyThatJob(t *testing.T) {
	jobs := &mockJobStore{
		claimFn: func(context.Context, int, string, time.Duration) ([]*types.NotifyJob, error) {
			return []*types.NotifyJob{testJob(1), testJob(2)}, nil
		},
	}
	subs := &mockSubStore{
		listFn: func(_ context.Context, _ types.UserType, userID int64) ([]*types.PushSubscription, error) {
			return []*types.PushSubscription{testSub(10)}, nil
		},
	}
	var finalizeCalls int
	jobs.finalizeFn = func(_ context.Context, jobID int64, _ types.JobStatus, _ string) error {
		finalizeCalls++
		if jobID == 1 {
			return errors.New("write failed")
		}
		return nil
	}
	w := newTestWorker(jobs, subs, &mockAttemptLog{}, &mockDeliverer{}, nil)

	results, err := w.RunDueJobs(context.Background(), RunOptions{})
	require.NoError(t, err)

	// Job 1 aborted on the storage failure; job 2 still completed.
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].JobID)
	assert.Equal(t, 2, finalizeCalls)
}

func TestWorker_RunDueJobs_PassesClaimOptions(t *testing.T) {
	var gotLimit int
	var gotLockedBy string
	var gotTTL time.Duration

	jobs := &mockJobStore{
		claimFn: func(_ context.Context, limit int, lockedBy string, lockTTL time.Duration) ([]*types.NotifyJob, error) {
			gotLimit = limit
			gotLockedBy = lockedBy
			gotTTL = lockTTL
			return nil, nil
		},
	}
	w := NewWorker(WorkerConfig{
		Jobs:          jobs,
		Subscriptions: &mockSubStore{},
		Attempts:      &mockAttemptLog{},
		Deliverer:     &mockDeliverer{},
		DefaultLimit:  25,
		LockTTL:       5 * time.Minute,
	})

	_, err := w.RunDueJobs(context.Background(), RunOptions{LockedBy: "cron-7"})
	require.NoError(t, err)

	assert.Equal(t, 25, gotLimit)
	assert.Equal(t, "cron-7", gotLockedBy)
	assert.Equal(t, 5*time.Minute, gotTTL)
}
