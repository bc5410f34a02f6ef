package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the configuration for the sync engine.
// Tags used:
// - mapstructure: used by viper to unmarshal
// - default: default value to set if missing
// - required: if "true", error if missing
type AppConfig struct {
	// Environment specifies the runtime environment (e.g., development, production).
	Environment string `mapstructure:"APP_ENV" default:"development"`
	// LogLevel defines the logging verbosity (e.g., debug, info, error).
	LogLevel string `mapstructure:"LOG_LEVEL" default:"info"`
	// ServerPort is the port where the server will listen.
	ServerPort int `mapstructure:"SERVER_PORT" default:"8080"`
	// InstanceName scopes the local fallback store of this engine instance.
	InstanceName string `mapstructure:"INSTANCE_NAME" default:"default"`

	// Remote holds the authoritative store configuration.
	Remote RemoteConfig `mapstructure:",squash"`

	// Local holds the local fallback store configuration.
	Local LocalConfig `mapstructure:",squash"`

	// Broadcast holds the cross-process bus configuration.
	Broadcast BroadcastConfig `mapstructure:",squash"`

	// Sync holds the coordinator tuning.
	Sync SyncConfig `mapstructure:",squash"`
}

// RemoteConfig describes the authoritative Redis store.
type RemoteConfig struct {
	// RedisURL is the connection URL, e.g. redis://localhost:6379/0.
	RedisURL string `mapstructure:"REDIS_URL" required:"true"`
	// WriteQuota is the number of writes allowed per quota window. 0 disables the budget.
	WriteQuota int `mapstructure:"REMOTE_WRITE_QUOTA" default:"0"`
	// QuotaWindowSec is the length of the fixed quota window in seconds.
	QuotaWindowSec int `mapstructure:"REMOTE_QUOTA_WINDOW_SEC" default:"60"`
}

// LocalConfig describes the on-device fallback store.
type LocalConfig struct {
	// Dir is the directory holding one SQLite file per instance.
	Dir string `mapstructure:"LOCAL_STORE_DIR" default:"./data"`
}

// BroadcastConfig selects the same-machine bus implementation.
type BroadcastConfig struct {
	// Driver is one of "redis", "file" or "memory".
	Driver string `mapstructure:"BROADCAST_DRIVER" default:"redis"`
	// Dir is the drop directory used by the file driver.
	Dir string `mapstructure:"BROADCAST_DIR" default:"./data/bus"`
}

// SyncConfig tunes the coordinator deadlines and queue.
type SyncConfig struct {
	// WriteTimeoutMs bounds a single remote write.
	WriteTimeoutMs int `mapstructure:"REMOTE_WRITE_TIMEOUT_MS" default:"3000"`
	// ProbeTimeoutMs bounds a single availability probe.
	ProbeTimeoutMs int `mapstructure:"PROBE_TIMEOUT_MS" default:"2000"`
	// ProbeEnabled turns the pre-write availability probe on or off.
	ProbeEnabled bool `mapstructure:"PROBE_ENABLED" default:"true"`
	// QueueLimit caps the number of distinct ids waiting behind the current attempt.
	QueueLimit int `mapstructure:"SYNC_QUEUE_LIMIT" default:"256"`
}

// WriteTimeout returns the remote write deadline.
func (s SyncConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// ProbeTimeout returns the availability probe deadline.
func (s SyncConfig) ProbeTimeout() time.Duration {
	return time.Duration(s.ProbeTimeoutMs) * time.Millisecond
}

// QuotaWindow returns the remote quota window.
func (r RemoteConfig) QuotaWindow() time.Duration {
	return time.Duration(r.QuotaWindowSec) * time.Second
}

// Load loads configuration from .env files and environment variables.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.AutomaticEnv()

	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config AppConfig

	if err := processTags(v, &config); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := validateRequired(&config); err != nil {
		return nil, err
	}

	if err := validateValues(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// processTags iterates over the struct fields, binds env keys and sets default values in Viper.
func processTags(v *viper.Viper, config interface{}) error {
	val := reflect.ValueOf(config)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	t := val.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Type.Kind() == reflect.Struct {
			if err := processTags(v, val.Field(i).Addr().Interface()); err != nil {
				return err
			}
			continue
		}

		key := field.Tag.Get("mapstructure")
		defaultValue := field.Tag.Get("default")

		if key != "" {
			if err := v.BindEnv(key); err != nil {
				return fmt.Errorf("failed to bind %s: %w", key, err)
			}
		}

		if key != "" && defaultValue != "" {
			v.SetDefault(key, defaultValue)
		}
	}
	return nil
}

// validateRequired checks if fields marked as required have non-zero values.
func validateRequired(config interface{}) error {
	val := reflect.ValueOf(config)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	t := val.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Type.Kind() == reflect.Struct {
			if err := validateRequired(val.Field(i).Addr().Interface()); err != nil {
				return err
			}
			continue
		}

		if field.Tag.Get("required") == "true" && isZero(val.Field(i)) {
			return fmt.Errorf("missing required configuration: %s", field.Tag.Get("mapstructure"))
		}
	}
	return nil
}

// validateValues rejects settings the engine cannot run with.
func validateValues(cfg *AppConfig) error {
	switch cfg.Broadcast.Driver {
	case "redis", "file", "memory":
	default:
		return fmt.Errorf("invalid configuration BROADCAST_DRIVER: %q", cfg.Broadcast.Driver)
	}
	if cfg.Sync.WriteTimeoutMs <= 0 {
		return fmt.Errorf("invalid configuration REMOTE_WRITE_TIMEOUT_MS: %d", cfg.Sync.WriteTimeoutMs)
	}
	if cfg.Sync.ProbeTimeoutMs <= 0 {
		return fmt.Errorf("invalid configuration PROBE_TIMEOUT_MS: %d", cfg.Sync.ProbeTimeoutMs)
	}
	if cfg.Remote.WriteQuota > 0 && cfg.Remote.QuotaWindowSec <= 0 {
		return fmt.Errorf("invalid configuration REMOTE_QUOTA_WINDOW_SEC: %d", cfg.Remote.QuotaWindowSec)
	}
	return nil
}

// isZero checks if a reflect.Value is the zero value for its type.
func isZero(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return v.String() == ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	default:
		return v.IsZero()
	}
}
