package db

import (
	"context"

	"pushdesk/internal/types"
)

// MessageLogRepository appends audit rows to push_message_logs, one per
// delivery attempt.
type MessageLogRepository struct {
	db DBTX
}

// NewMessageLogRepository creates a MessageLogRepository.
func NewMessageLogRepository(db DBTX) *MessageLogRepository {
	return &MessageLogRepository{db: db}
}

// Insert records one delivery attempt. Error messages are truncated to the
// column size; a zero SentAt is stored as NULL.
func (r *MessageLogRepository) Insert(ctx context.Context, entry *types.PushMessageLog) error {
	message := entry.ErrorMessage
	if len(message) > 255 {
		message = message[:255]
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO push_message_logs
		 (notify_job_id, subscription_id, status, http_status, error_code, error_message, sent_at)
		 VALUES ($1, $2, $3, NULLIF($4, 0), NULLIF($5, ''), NULLIF($6, ''), $7)`,
		entry.NotifyJobID,
		entry.SubscriptionID,
		string(entry.Status),
		entry.HTTPStatus,
		entry.ErrorCode,
		message,
		nilIfZeroTime(entry.SentAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert push message log", err)
	}
	return nil
}
