// Package types defines the shared domain model for the pushdesk delivery
// pipeline: notify jobs, push subscriptions, delivery outcomes, and the
// application error taxonomy. It has no dependencies on other internal
// packages so that every layer can share these definitions.
package types

import (
	"encoding/json"
	"time"
)

// UserType tags which population a job or subscription belongs to.
type UserType string

const (
	UserTypeClient UserType = "CLIENT"
	UserTypeWorker UserType = "WORKER"
)

// Valid reports whether the value is one of the known user types.
func (u UserType) Valid() bool {
	return u == UserTypeClient || u == UserTypeWorker
}

// JobStatus is the lifecycle state of a NotifyJob.
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusLocked  JobStatus = "LOCKED"
	JobStatusSent    JobStatus = "SENT"
	JobStatusPartial JobStatus = "PARTIAL"
	JobStatusFailed  JobStatus = "FAILED"
)

// Urgency is the delivery hint forwarded to the push transport.
type Urgency string

const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

// NotifyPayload is the renderable content of one notification. Known fields
// are closed; arbitrary structured data travels in Data and is serialized at
// the transport boundary.
type NotifyPayload struct {
	TemplateID string         `json:"templateId,omitempty"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	IconURL    string         `json:"iconUrl,omitempty"`
	ClickURL   string         `json:"clickUrl,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	TTLSeconds int            `json:"ttlSeconds,omitempty"`
	Urgency    Urgency        `json:"urgency,omitempty"`
}

// NotifyJob is one enqueued notification event. DedupKey is globally unique
// and forms the idempotency boundary: a second enqueue with the same key is
// a no-op.
type NotifyJob struct {
	ID          int64
	RuleCode    string
	UserType    UserType
	UserID      int64 // 0 means "all enabled subscriptions of UserType"
	DedupKey    string
	Payload     NotifyPayload
	Status      JobStatus
	ScheduledAt time.Time
	TryCount    int
	LockedBy    string
	LockedAt    time.Time
	LastError   string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PayloadJSON returns the payload serialized for the jsonb column.
func (j *NotifyJob) PayloadJSON() ([]byte, error) {
	return json.Marshal(j.Payload)
}

// PushSubscription is one stored (user, device) push registration. Token is
// the normalized FCM registration token; DeviceFingerprint is the
// client-supplied stable device identity, independent of the token.
type PushSubscription struct {
	ID                int64
	UserType          UserType
	UserID            int64
	Token             string
	DeviceFingerprint string
	EnabledYn         bool
	LastSeenAt        time.Time
	UserAgent         string
	Platform          string
	Browser           string
	DeviceID          string
	Locale            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeliveryOutcome classifies the result of one send attempt.
type DeliveryOutcome string

const (
	DeliverySent         DeliveryOutcome = "SENT"
	DeliveryExpired      DeliveryOutcome = "EXPIRED"
	DeliveryInvalidToken DeliveryOutcome = "INVALID_TOKEN"
	DeliveryFailed       DeliveryOutcome = "FAILED"
)

// DeliveryResult is the classified outcome of one (job, subscription) send.
// DisableSubscription signals that the registration token is permanently
// dead and the subscription row must be disabled.
type DeliveryResult struct {
	Outcome             DeliveryOutcome
	HTTPStatus          int
	ErrorCode           string
	ErrorMessage        string
	SentAt              time.Time
	DisableSubscription bool
	DisableReason       string
}

// Delivered reports whether the attempt reached the transport successfully.
func (r DeliveryResult) Delivered() bool {
	return r.Outcome == DeliverySent
}

// PushMessageLog is one audit row recording a single delivery attempt.
type PushMessageLog struct {
	ID             int64
	NotifyJobID    int64
	SubscriptionID int64
	Status         DeliveryOutcome
	HTTPStatus     int
	ErrorCode      string
	ErrorMessage   string
	SentAt         time.Time
	CreatedAt      time.Time
}

// JobResult summarizes one processed job for the worker-run response.
type JobResult struct {
	JobID   int64  `json:"jobId"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped bool   `json:"skipped"`
	Status  string `json:"status"`
}

// MaskToken shortens a registration token for log output. Tokens are
// credentials; only the first and last four characters may appear in logs.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// MaskFingerprint shortens a device fingerprint for log output.
func MaskFingerprint(fingerprint string) string {
	if len(fingerprint) <= 8 {
		return fingerprint
	}
	return fingerprint[:4] + "..." + fingerprint[len(fingerprint)-4:]
}
