package config

import "time"

// Queue backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Queue       QueueConfig       `mapstructure:"queue" validate:"required"`
	Worker      WorkerConfig      `mapstructure:"worker" validate:"required"`
	Notify      NotifyConfig      `mapstructure:"notify" validate:"required"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Email       EmailConfig       `mapstructure:"email"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// PrincipalHeader carries the user id set by the upstream auth layer
	PrincipalHeader string `mapstructure:"principal_header" validate:"required"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
}

// RedisConfig contains connection settings for the redis backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
}

// QueueConfig selects the queue/result backend and its lease timing.
type QueueConfig struct {
	Backend       string        `mapstructure:"backend" validate:"required,oneof=memory postgres redis"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	ScanInterval  time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	ResultTTL     time.Duration `mapstructure:"result_ttl" validate:"gte=0"`
}

// WorkerConfig sizes the worker pool and sets the default retry policy.
type WorkerConfig struct {
	Count             int           `mapstructure:"count" validate:"required,gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gte=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxPollInterval   time.Duration `mapstructure:"max_poll_interval" validate:"gtefield=PollInterval"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	BackoffJitter     time.Duration `mapstructure:"backoff_jitter" validate:"gte=0"`
}

// NotifyConfig controls live connection delivery.
type NotifyConfig struct {
	BufferSize   int           `mapstructure:"buffer_size" validate:"required,gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// ObjectStoreConfig points the resize_image task at an S3-compatible store.
// The task is not registered when Endpoint is empty.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,hostname_port"`
	AccessKey string `mapstructure:"access_key" validate:"required_with=Endpoint"`
	SecretKey string `mapstructure:"secret_key" validate:"required_with=Endpoint"`
	Bucket    string `mapstructure:"bucket" validate:"required_with=Endpoint"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// MaxObjectSize caps the bytes read per object; 0 means 32 MiB
	MaxObjectSize int64 `mapstructure:"max_object_size" validate:"gte=0"`
}

// EmailConfig configures the send_email task. It is not registered when
// APIToken is empty.
type EmailConfig struct {
	APIURL     string        `mapstructure:"api_url" validate:"omitempty,url"`
	APIToken   string        `mapstructure:"api_token"`
	FromDomain string        `mapstructure:"from_domain" validate:"required_with=APIToken"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// ScheduleConfig holds recurring task intervals. Zero disables a schedule.
type ScheduleConfig struct {
	StatsInterval time.Duration `mapstructure:"stats_interval" validate:"gte=0"`
}
