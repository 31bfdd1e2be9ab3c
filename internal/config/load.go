package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TASKENGINE_SERVER_PORT.
const EnvPrefix = "TASKENGINE"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is like Load but reads the given config file instead of searching
// for config.yaml in the working directory.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the requirements of the selected backend.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	switch cfg.Queue.Backend {
	case BackendPostgres:
		if cfg.Database.URL == "" {
			return errors.New("config validation failed: database.url is required for the postgres backend")
		}
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return errors.New("config validation failed: redis.addr is required for the redis backend")
		}
	}

	// A lease that lapses while its task still runs means redelivery.
	switch {
	case cfg.Worker.HeartbeatInterval > 0 && cfg.Worker.HeartbeatInterval >= cfg.Queue.LeaseDuration:
		return fmt.Errorf("config validation failed: worker.heartbeat_interval (%s) must be shorter than queue.lease_duration (%s)",
			cfg.Worker.HeartbeatInterval, cfg.Queue.LeaseDuration)
	case cfg.Worker.HeartbeatInterval == 0 && cfg.Worker.Timeout > cfg.Queue.LeaseDuration:
		return fmt.Errorf("config validation failed: worker.timeout (%s) exceeds queue.lease_duration (%s) with heartbeats disabled",
			cfg.Worker.Timeout, cfg.Queue.LeaseDuration)
	}
	return nil
}

// setDefaults registers every key so environment variables are picked up
// even when no config file mentions them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.principal_header", "X-Principal-ID")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "taskengine")

	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.lease_duration", 30*time.Second)
	v.SetDefault("queue.scan_interval", 5*time.Second)
	v.SetDefault("queue.result_ttl", 600*time.Second)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.poll_interval", 100*time.Millisecond)
	v.SetDefault("worker.max_poll_interval", 2*time.Second)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.timeout", 60*time.Second)
	v.SetDefault("worker.backoff_base", time.Second)
	v.SetDefault("worker.backoff_max", 5*time.Minute)
	v.SetDefault("worker.backoff_jitter", 0)

	v.SetDefault("notify.buffer_size", 64)
	v.SetDefault("notify.write_timeout", 10*time.Second)

	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.access_key", "")
	v.SetDefault("object_store.secret_key", "")
	v.SetDefault("object_store.bucket", "media")
	v.SetDefault("object_store.use_ssl", false)
	v.SetDefault("object_store.max_object_size", 32<<20)

	v.SetDefault("email.api_url", "https://api.zeptomail.com/v1.1/email/template")
	v.SetDefault("email.api_token", "")
	v.SetDefault("email.from_domain", "kronk.uz")
	v.SetDefault("email.timeout", 15*time.Second)

	v.SetDefault("schedule.stats_interval", 30*time.Second)
}
