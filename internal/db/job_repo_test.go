package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushdesk/internal/types"
)

func jobRowValues(id int64, status, lockedBy string) []any {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return []any{
		id,
		"CLEAN_SCHEDULE",
		"CLIENT",
		int64(42),
		"CLEAN_SCHEDULE:2026-03-14:42",
		[]byte(`{"title":"cleaning today","body":"arrival at 10:00"}`),
		status,
		now,
		1,
		lockedBy,
		now,
		"",
		"api",
		now,
		now,
	}
}

func TestJobInsert_CreatesPendingRow(t *testing.T) {
	createdAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	db := &fakeDB{
		queryRowFn: func(string, []any) pgx.Row {
			return fakeRow{values: []any{int64(7), createdAt}}
		},
	}
	repo := NewJobRepository(db)

	job := &types.NotifyJob{
		RuleCode: "CLEAN_SCHEDULE",
		UserType: types.UserTypeClient,
		UserID:   42,
		DedupKey: "CLEAN_SCHEDULE:2026-03-14:42",
		Payload:  types.NotifyPayload{Title: "cleaning today", Body: "arrival at 10:00"},
	}
	created, err := repo.Insert(context.Background(), job)

	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(7), job.ID)
	assert.Equal(t, types.JobStatusPending, job.Status)

	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "ON CONFLICT (dedup_key) DO NOTHING")
	assert.Contains(t, db.calls[0].sql, "RETURNING id, created_at")
	assert.Equal(t, "CLEAN_SCHEDULE:2026-03-14:42", db.calls[0].args[3])
}

func TestJobInsert_DuplicateKeySurfacesExistingRow(t *testing.T) {
	db := &fakeDB{}
	db.queryRowFn = func(string, []any) pgx.Row {
		if len(db.calls) == 1 {
			// The conditional insert found the key taken and returned no row.
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: jobRowValues(9, "PENDING", "")}
	}
	repo := NewJobRepository(db)

	job := &types.NotifyJob{
		RuleCode: "CLEAN_SCHEDULE",
		UserType: types.UserTypeClient,
		UserID:   42,
		DedupKey: "CLEAN_SCHEDULE:2026-03-14:42",
	}
	created, err := repo.Insert(context.Background(), job)

	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(9), job.ID)
	assert.Equal(t, "cleaning today", job.Payload.Title)

	require.Len(t, db.calls, 2)
	assert.Contains(t, db.calls[1].sql, "WHERE dedup_key = $1")
}

func TestClaimDue_SelectsAndLocksInOneStatement(t *testing.T) {
	db := &fakeDB{}
	repo := NewJobRepository(db)

	jobs, err := repo.ClaimDue(context.Background(), 10, "worker-1", 5*time.Minute)

	require.NoError(t, err)
	assert.Empty(t, jobs)
	require.Len(t, db.calls, 1)

	sql := db.calls[0].sql
	assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, sql, "status = 'LOCKED'")
	assert.Contains(t, sql, "try_count = try_count + 1")
	assert.Contains(t, sql, "status = 'PENDING' AND scheduled_at <= NOW()")
	assert.Contains(t, sql, "locked_at < NOW() - make_interval(secs => $2)")
	assert.Equal(t, []any{"worker-1", float64(300), 10}, db.calls[0].args)
}

func TestClaimDue_DefaultsLimit(t *testing.T) {
	db := &fakeDB{}
	repo := NewJobRepository(db)

	_, err := repo.ClaimDue(context.Background(), 0, "worker-1", time.Minute)

	require.NoError(t, err)
	require.Len(t, db.calls, 1)
	assert.Equal(t, 50, db.calls[0].args[2])
}

func TestClaimDue_ReturnsClaimedJobs(t *testing.T) {
	db := &fakeDB{
		queryFn: func(string, []any) (pgx.Rows, error) {
			return &fakeRows{rows: [][]any{
				jobRowValues(1, "LOCKED", "worker-1"),
				jobRowValues(2, "LOCKED", "worker-1"),
			}}, nil
		},
	}
	repo := NewJobRepository(db)

	jobs, err := repo.ClaimDue(context.Background(), 10, "worker-1", time.Minute)

	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, int64(2), jobs[1].ID)
	assert.Equal(t, types.JobStatusLocked, jobs[0].Status)
	assert.Equal(t, "worker-1", jobs[0].LockedBy)
	assert.Equal(t, 1, jobs[0].TryCount)
}

func TestFinalize_ReleasesLockAndTruncatesError(t *testing.T) {
	db := &fakeDB{}
	repo := NewJobRepository(db)

	err := repo.Finalize(context.Background(), 5, types.JobStatusPartial, strings.Repeat("x", 300))

	require.NoError(t, err)
	require.Len(t, db.calls, 1)

	sql := db.calls[0].sql
	assert.Contains(t, sql, "locked_by = NULL")
	assert.Contains(t, sql, "locked_at = NULL")
	assert.Contains(t, sql, "last_error = NULLIF($2, '')")

	assert.Equal(t, "PARTIAL", db.calls[0].args[0])
	assert.Len(t, db.calls[0].args[1], 255)
	assert.Equal(t, int64(5), db.calls[0].args[2])
}

func TestFinalize_UnknownJob(t *testing.T) {
	db := &fakeDB{
		execFn: func(string, []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	repo := NewJobRepository(db)

	err := repo.Finalize(context.Background(), 999, types.JobStatusSent, "")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundJob, appErr.Code)
}
