// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Approval ApprovalConfig `mapstructure:"approval"`
	OTEL     OTELConfig     `mapstructure:"otel"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string   `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	BearerToken     string   `mapstructure:"bearer_token"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PolicyConfig holds policy bundle configuration. An empty bundle path runs
// on the embedded default bundle.
type PolicyConfig struct {
	BundlePath string `mapstructure:"bundle_path"`
	Watch      bool   `mapstructure:"watch"`
}

// ExecutorConfig bounds tool execution.
type ExecutorConfig struct {
	TimeoutSeconds        int `mapstructure:"timeout_seconds"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
	RowCap                int `mapstructure:"row_cap"`
	PrivilegedRowCap      int `mapstructure:"privileged_row_cap"`
}

// Timeout returns the per-call deadline.
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AcquireTimeout returns the bounded wait for a pooled connection.
func (c ExecutorConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// ApprovalConfig holds approval-flow configuration.
type ApprovalConfig struct {
	TokenSecret          string `mapstructure:"token_secret"`
	TTLHours             int    `mapstructure:"ttl_hours"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
}

// TTL returns the approval token validity window.
func (c ApprovalConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// SweepInterval returns the background sweep cadence.
func (c ApprovalConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/datawarden")
		v.AddConfigPath("$HOME/.datawarden")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found - continue with defaults and env vars
		}
	}

	v.SetEnvPrefix("DATAWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Approval.TokenSecret == "" {
		return nil, fmt.Errorf("approval token secret is not configured (set APPROVAL_TOKEN_SECRET)")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "datawarden")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)

	// Policy defaults: embedded bundle; watching only takes effect once a
	// bundle path is set
	v.SetDefault("policy.bundle_path", "")
	v.SetDefault("policy.watch", true)

	// Executor defaults
	v.SetDefault("executor.timeout_seconds", 30)
	v.SetDefault("executor.acquire_timeout_seconds", 5)
	v.SetDefault("executor.row_cap", 1000)
	v.SetDefault("executor.privileged_row_cap", 10000)

	// Approval defaults
	v.SetDefault("approval.ttl_hours", 24)
	v.SetDefault("approval.sweep_interval_seconds", 300)

	// OTEL defaults
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "datawarden")
	v.SetDefault("otel.sampling_rate", 1.0)
}

func bindEnvVars(v *viper.Viper) {
	// Database credentials from env
	if val := os.Getenv("POSTGRES_USER"); val != "" {
		v.Set("database.user", val)
	}
	if val := os.Getenv("POSTGRES_PASSWORD"); val != "" {
		v.Set("database.password", val)
	}

	// Secrets from env
	if val := os.Getenv("APPROVAL_TOKEN_SECRET"); val != "" {
		v.Set("approval.token_secret", val)
	}
	if val := os.Getenv("AUTH_BEARER_TOKEN"); val != "" {
		v.Set("server.bearer_token", val)
	}
}
