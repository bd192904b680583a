package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"pushdesk/internal/types"
)

// JobRepository provides data access for the notify_jobs table: the
// idempotent enqueue insert, the atomic claim, and job finalization.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, rule_code, user_type, user_id, dedup_key, payload, status,
	scheduled_at, try_count, COALESCE(locked_by, ''), COALESCE(locked_at, 'epoch'::timestamptz),
	COALESCE(last_error, ''), COALESCE(created_by, ''), created_at, updated_at`

// Insert attempts an idempotent insert keyed on dedup_key. It is a single
// conditional statement, not a read-then-write, so concurrent enqueuers
// racing on the same key produce exactly one row. Returns created=false with
// the pre-existing job when the key is already taken.
func (r *JobRepository) Insert(ctx context.Context, job *types.NotifyJob) (created bool, err error) {
	payload, err := job.PayloadJSON()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize job payload", err)
	}

	scheduledAt := job.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO notify_jobs
		 (rule_code, user_type, user_id, dedup_key, payload, status, scheduled_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, NULLIF($7, ''))
		 ON CONFLICT (dedup_key) DO NOTHING
		 RETURNING id, created_at`,
		job.RuleCode,
		string(job.UserType),
		job.UserID,
		job.DedupKey,
		payload,
		scheduledAt,
		job.CreatedBy,
	)

	err = row.Scan(&job.ID, &job.CreatedAt)
	if err == nil {
		job.Status = types.JobStatusPending
		job.ScheduledAt = scheduledAt
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to enqueue notify job", err)
	}

	// Conflict: the dedup key already exists. Surface the prior job so the
	// caller can report its identity alongside created=false.
	existing, err := r.GetByDedupKey(ctx, job.DedupKey)
	if err != nil {
		return false, err
	}
	*job = *existing
	return false, nil
}

// GetByDedupKey fetches a job by its dedup key.
func (r *JobRepository) GetByDedupKey(ctx context.Context, dedupKey string) (*types.NotifyJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM notify_jobs WHERE dedup_key = $1`,
		dedupKey,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "notify job not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to fetch notify job", err)
	}
	return job, nil
}

// ClaimDue atomically claims up to limit due jobs for the given worker
// identity. Selection and the PENDING -> LOCKED transition happen in one
// statement; FOR UPDATE SKIP LOCKED guarantees two overlapping worker runs
// never claim the same job. A LOCKED job whose locked_at is older than
// lockTTL is treated as abandoned by a crashed worker and is eligible for
// reclaim.
func (r *JobRepository) ClaimDue(ctx context.Context, limit int, lockedBy string, lockTTL time.Duration) ([]*types.NotifyJob, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`UPDATE notify_jobs SET
			status = 'LOCKED',
			locked_by = $1,
			locked_at = NOW(),
			try_count = try_count + 1,
			updated_at = NOW()
		 WHERE id IN (
			SELECT id FROM notify_jobs
			WHERE (status = 'PENDING' AND scheduled_at <= NOW())
			   OR (status = 'LOCKED' AND locked_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		lockedBy,
		lockTTL.Seconds(),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim due jobs", err)
	}
	defer rows.Close()

	var jobs []*types.NotifyJob
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed job", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed jobs", err)
	}

	return jobs, nil
}

// Finalize records the terminal status of a processed job. lastError is
// stored truncated for FAILED/PARTIAL and cleared otherwise; the lock fields
// are released in the same statement.
func (r *JobRepository) Finalize(ctx context.Context, jobID int64, status types.JobStatus, lastError string) error {
	if len(lastError) > 255 {
		lastError = lastError[:255]
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE notify_jobs SET
			status = $1,
			last_error = NULLIF($2, ''),
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		 WHERE id = $3`,
		string(status),
		lastError,
		jobID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finalize notify job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "notify job not found", nil)
	}
	return nil
}

// CountByStatus returns job counts grouped by status, for the status
// endpoint.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM notify_jobs GROUP BY status`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count jobs", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job count", err)
		}
		counts[types.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job counts", err)
	}

	return counts, nil
}

// scanJob scans one notify_jobs row from either a pgx.Row or pgx.Rows.
func scanJob(row pgx.Row) (*types.NotifyJob, error) {
	var (
		job         types.NotifyJob
		userType    string
		status      string
		payloadJSON []byte
	)

	err := row.Scan(
		&job.ID,
		&job.RuleCode,
		&userType,
		&job.UserID,
		&job.DedupKey,
		&payloadJSON,
		&status,
		&job.ScheduledAt,
		&job.TryCount,
		&job.LockedBy,
		&job.LockedAt,
		&job.LastError,
		&job.CreatedBy,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.UserType = types.UserType(userType)
	job.Status = types.JobStatus(status)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, err
		}
	}

	return &job, nil
}
