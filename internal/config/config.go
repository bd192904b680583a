// Package config defines the global configuration structure for the pushdesk
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: values come from the
// OS environment, optionally overlaid by a local .env file. Any missing
// required value or invalid format fails startup immediately.
package config

import (
	"time"

	"pushdesk/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"pushdesk"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Push     PushConfig
	Worker   WorkerConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// PushConfig holds the FCM transport and credential settings.
type PushConfig struct {
	// CredentialsJSON is the raw service-account key JSON. Takes precedence
	// over CredentialsFile when both are set.
	CredentialsJSON SecretString `envconfig:"FCM_CREDENTIALS_JSON"`
	CredentialsFile string       `envconfig:"FCM_CREDENTIALS_FILE"`

	// EndpointBase overrides the FCM API base URL. Empty in production;
	// used by tests and local stubs.
	EndpointBase string `envconfig:"FCM_ENDPOINT_BASE"`

	SendTimeout time.Duration `envconfig:"PUSH_SEND_TIMEOUT" default:"10s"`

	// ServiceTimezone is the fixed local time zone used to derive
	// calendar-day keys for dedup key date parts.
	ServiceTimezone string `envconfig:"SERVICE_TIMEZONE" default:"Asia/Seoul"`
}

// WorkerConfig holds the delivery worker settings.
type WorkerConfig struct {
	// Token protects the worker trigger endpoint. When empty the endpoint
	// rejects every request.
	Token SecretString `envconfig:"PUSH_WORKER_TOKEN"`

	ID          string        `envconfig:"PUSH_WORKER_ID" default:""`
	BatchSize   int           `envconfig:"PUSH_WORKER_BATCH_SIZE" default:"50" validate:"min=1,max=500"`
	LockTTL     time.Duration `envconfig:"PUSH_WORKER_LOCK_TTL" default:"10m"`
	Parallelism int           `envconfig:"PUSH_WORKER_PARALLELISM" default:"4" validate:"min=1,max=32"`
}

// MetricsConfig holds CloudWatch metric publishing settings.
type MetricsConfig struct {
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"false"`
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"PushDesk"`
	AWSRegion string `envconfig:"AWS_REGION" default:"ap-northeast-2"`
}
