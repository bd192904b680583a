package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"pushdesk/internal/types"
)

const (
	// legacyTokenPrefix is the pre-v1 FCM send URL some browsers still hand
	// out as the "endpoint". Storage keeps the bare registration token.
	legacyTokenPrefix = "https://fcm.googleapis.com/fcm/send/"

	fcmHostKeyword = "fcm.googleapis.com"

	maxFingerprintLen = 128
	maxUserAgentLen   = 255
	maxPlatformLen    = 50
	maxBrowserLen     = 50
	maxDeviceIDLen    = 100
	maxLocaleLen      = 10
)

// NormalizeToken strips the legacy transport URL prefix, if present, and
// trims whitespace. Normalizing an already-bare token is a no-op.
func NormalizeToken(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, legacyTokenPrefix) {
		return trimmed[len(legacyTokenPrefix):]
	}
	return trimmed
}

// IsInvalidTokenFormat reports whether the token looks like a URL or embeds
// the transport host. Such values are malformed client payloads and must be
// rejected before they reach the transport.
func IsInvalidTokenFormat(token string) bool {
	lowered := strings.ToLower(token)
	return strings.Contains(lowered, "http://") ||
		strings.Contains(lowered, "https://") ||
		strings.Contains(lowered, fcmHostKeyword)
}

func clamp(value string, maxLen int) string {
	if len(value) > maxLen {
		return value[:maxLen]
	}
	return value
}

// UpsertParams carries one registration from the subscribe flow.
type UpsertParams struct {
	UserType          types.UserType
	UserID            int64
	Token             string
	DeviceFingerprint string
	UserAgent         string
	Platform          string
	Browser           string
	DeviceID          string
	Locale            string
}

// SubscriptionRepository provides data access for the push_subscriptions
// table, including the device-replacement upsert.
type SubscriptionRepository struct {
	db   DBTX
	pool TxBeginner
}

// NewSubscriptionRepository creates a SubscriptionRepository. pool is used
// for the transactional upsert; db serves everything else (and may be the
// same object).
func NewSubscriptionRepository(db DBTX, pool TxBeginner) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, pool: pool}
}

const subscriptionColumns = `id, user_type, user_id, token, device_fingerprint, enabled_yn,
	last_seen_at, COALESCE(user_agent, ''), COALESCE(platform, ''), COALESCE(browser, ''),
	COALESCE(device_id, ''), COALESCE(locale, ''), created_at, updated_at`

// Upsert registers a token for one (user, device) pair. Inside one
// transaction it first disables any other enabled row for the same
// (user_type, user_id, device_fingerprint) tuple carrying a different token
// (this physical device got a new registration token), then
// inserts-or-updates the row for the tuple with the new token and metadata.
// The disable step runs first so that, under a fingerprint collision, only
// one enabled row survives; in the common same-token re-registration case it
// is a no-op superseded by the upsert.
func (r *SubscriptionRepository) Upsert(ctx context.Context, p UpsertParams) (int64, error) {
	token := NormalizeToken(p.Token)
	if token == "" {
		return 0, types.NewAppError(types.ErrCodeValidationMissingToken, "registration token is required", nil)
	}
	if IsInvalidTokenFormat(token) {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidToken, "registration token must not be a URL", nil)
	}

	fingerprint := strings.TrimSpace(p.DeviceFingerprint)
	if fingerprint == "" {
		return 0, types.NewAppError(types.ErrCodeValidationMissingFingerprint, "device fingerprint is required", nil)
	}
	fingerprint = clamp(fingerprint, maxFingerprintLen)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to begin subscription upsert", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE push_subscriptions SET
			enabled_yn = FALSE,
			updated_at = NOW()
		 WHERE user_type = $1 AND user_id = $2 AND device_fingerprint = $3
		   AND enabled_yn AND token <> $4`,
		string(p.UserType),
		p.UserID,
		fingerprint,
		token,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to disable replaced subscription", err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO push_subscriptions
		 (user_type, user_id, token, device_fingerprint, enabled_yn, last_seen_at,
		  user_agent, platform, browser, device_id, locale)
		 VALUES ($1, $2, $3, $4, TRUE, NOW(),
		  NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		 ON CONFLICT (user_type, user_id, device_fingerprint) WHERE enabled_yn
		 DO UPDATE SET
			token = EXCLUDED.token,
			last_seen_at = EXCLUDED.last_seen_at,
			user_agent = EXCLUDED.user_agent,
			platform = EXCLUDED.platform,
			browser = EXCLUDED.browser,
			device_id = EXCLUDED.device_id,
			locale = EXCLUDED.locale,
			updated_at = NOW()
		 RETURNING id`,
		string(p.UserType),
		p.UserID,
		token,
		fingerprint,
		clamp(p.UserAgent, maxUserAgentLen),
		clamp(p.Platform, maxPlatformLen),
		clamp(p.Browser, maxBrowserLen),
		clamp(p.DeviceID, maxDeviceIDLen),
		clamp(p.Locale, maxLocaleLen),
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to commit subscription upsert", err)
	}

	return id, nil
}

// ListEnabled returns all enabled subscriptions for a specific user. userID 0
// broadens the lookup to every enabled subscription of the user type
// (broadcast targets).
func (r *SubscriptionRepository) ListEnabled(ctx context.Context, userType types.UserType, userID int64) ([]*types.PushSubscription, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if userID == 0 {
		rows, err = r.db.Query(ctx,
			`SELECT `+subscriptionColumns+`
			 FROM push_subscriptions
			 WHERE user_type = $1 AND enabled_yn
			 ORDER BY id`,
			string(userType),
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT `+subscriptionColumns+`
			 FROM push_subscriptions
			 WHERE user_type = $1 AND user_id = $2 AND enabled_yn
			 ORDER BY id`,
			string(userType),
			userID,
		)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var subs []*types.PushSubscription
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", scanErr)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscriptions", err)
	}
	rows.Close()

	// Rows written before token normalization existed may still carry the
	// legacy transport URL. Rewrite them here so the worker always sends to
	// a bare token.
	for _, sub := range subs {
		if NormalizeToken(sub.Token) == sub.Token {
			continue
		}
		fixed, err := r.NormalizeStoredToken(ctx, sub.ID, sub.Token)
		if err != nil {
			return nil, err
		}
		sub.Token = fixed
	}

	return subs, nil
}

// Disable flags a subscription as dead. Rows are never deleted; disabling
// preserves the device history audit trail.
func (r *SubscriptionRepository) Disable(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE push_subscriptions SET enabled_yn = FALSE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to disable subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// NormalizeStoredToken rewrites a stored legacy-prefixed token to its bare
// form. The WHERE clause matches both id and the old token so a concurrent
// re-registration is never clobbered. Returns the normalized value.
func (r *SubscriptionRepository) NormalizeStoredToken(ctx context.Context, id int64, token string) (string, error) {
	normalized := NormalizeToken(token)
	if normalized == token {
		return token, nil
	}

	_, err := r.db.Exec(ctx,
		`UPDATE push_subscriptions SET token = $1, updated_at = NOW()
		 WHERE id = $2 AND token = $3`,
		normalized,
		id,
		token,
	)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to normalize stored token", err)
	}
	return normalized, nil
}

// CountEnabledByType returns enabled-subscription counts per user type, for
// the status endpoint.
func (r *SubscriptionRepository) CountEnabledByType(ctx context.Context) (map[types.UserType]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_type, COUNT(*) FROM push_subscriptions WHERE enabled_yn GROUP BY user_type`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count subscriptions", err)
	}
	defer rows.Close()

	counts := make(map[types.UserType]int)
	for rows.Next() {
		var userType string
		var count int
		if err := rows.Scan(&userType, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription count", err)
		}
		counts[types.UserType(userType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription counts", err)
	}

	return counts, nil
}

// scanSubscription scans one push_subscriptions row.
func scanSubscription(row pgx.Row) (*types.PushSubscription, error) {
	var (
		sub      types.PushSubscription
		userType string
	)

	err := row.Scan(
		&sub.ID,
		&userType,
		&sub.UserID,
		&sub.Token,
		&sub.DeviceFingerprint,
		&sub.EnabledYn,
		&sub.LastSeenAt,
		&sub.UserAgent,
		&sub.Platform,
		&sub.Browser,
		&sub.DeviceID,
		&sub.Locale,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.UserType = types.UserType(userType)
	return &sub, nil
}
