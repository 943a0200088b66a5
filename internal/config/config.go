// Package config loads process configuration: a typed tree with env tags,
// an optional YAML file, and environment-variable overrides applied last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP read API and the bidirectional/SSE listeners.
type ServerConfig struct {
	Host              string `json:"host" env:"SERVER_HOST"`
	Port              int    `json:"port" env:"SERVER_PORT"`
	MaxConnections    int    `json:"max_connections" env:"SERVER_MAX_CONNECTIONS"`
	HeartbeatSeconds  int    `json:"heartbeat_seconds" env:"SERVER_HEARTBEAT_SECONDS"`
	ClientTimeoutSecs int    `json:"client_timeout_seconds" env:"SERVER_CLIENT_TIMEOUT_SECONDS"`
}

// StoreConfig controls the Store Gateway's backend connection and retry policy.
type StoreConfig struct {
	Addr             string `json:"addr" env:"STORE_ADDR"`
	Password         string `json:"password" env:"STORE_PASSWORD"`
	DB               int    `json:"db" env:"STORE_DB"`
	MaxRetries       int    `json:"max_retries" env:"STORE_MAX_RETRIES"`
	OpTimeoutSeconds int    `json:"op_timeout_seconds" env:"STORE_OP_TIMEOUT_SECONDS"`
	DeadlineSeconds  int    `json:"deadline_seconds" env:"STORE_DEADLINE_SECONDS"`
}

// ProgressConfig controls the Progress Engine.
type ProgressConfig struct {
	RateWindowSamples    int `json:"rate_window_samples" env:"PROGRESS_RATE_WINDOW_SAMPLES"`
	TimelineCapacity     int `json:"timeline_capacity" env:"PROGRESS_TIMELINE_CAPACITY"`
	CleanupIntervalHours int `json:"cleanup_interval_hours" env:"PROGRESS_CLEANUP_INTERVAL_HOURS"`
	CompletedTaskTTLDays int `json:"completed_task_ttl_days" env:"PROGRESS_COMPLETED_TASK_TTL_DAYS"`
}

// SeriesConfig controls the Metric Series Store.
type SeriesConfig struct {
	Capacity int `json:"capacity" env:"SERIES_CAPACITY"`
}

// AlertConfig controls the Alert Engine.
type AlertConfig struct {
	EvalIntervalSeconds       int      `json:"eval_interval_seconds" env:"ALERT_EVAL_INTERVAL_SECONDS"`
	EscalationIntervalSeconds int      `json:"escalation_interval_seconds" env:"ALERT_ESCALATION_INTERVAL_SECONDS"`
	MaintenanceIntervalHours  int      `json:"maintenance_interval_hours" env:"ALERT_MAINTENANCE_INTERVAL_HOURS"`
	HistoryMax                int      `json:"history_max" env:"ALERT_HISTORY_MAX"`
	WebhookURL                string   `json:"webhook_url" env:"ALERT_WEBHOOK_URL"`
	SlackWebhookURL           string   `json:"slack_webhook_url" env:"ALERT_SLACK_WEBHOOK_URL"`
	SMTPAddr                  string   `json:"smtp_addr" env:"ALERT_SMTP_ADDR"`
	SMTPFrom                  string   `json:"smtp_from" env:"ALERT_SMTP_FROM"`
	SMTPTo                    []string `json:"smtp_to" env:"ALERT_SMTP_TO"`
}

// OptimizerConfig controls the Performance Optimizer.
type OptimizerConfig struct {
	IntervalSeconds         int  `json:"interval_seconds" env:"OPTIMIZER_INTERVAL_SECONDS"`
	AnalysisIntervalMinutes int  `json:"analysis_interval_minutes" env:"OPTIMIZER_ANALYSIS_INTERVAL_MINUTES"`
	DefaultCooldownMinutes  int  `json:"default_cooldown_minutes" env:"OPTIMIZER_DEFAULT_COOLDOWN_MINUTES"`
	DryRun                  bool `json:"dry_run" env:"OPTIMIZER_DRY_RUN"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// AuthConfig controls connection token validation.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// Config is the top-level configuration tree.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Progress  ProgressConfig  `json:"progress"`
	Series    SeriesConfig    `json:"series"`
	Alert     AlertConfig     `json:"alert"`
	Optimizer OptimizerConfig `json:"optimizer"`
	Logging   LoggingConfig   `json:"logging"`
	Auth      AuthConfig      `json:"auth"`
}

// New returns a configuration populated with the documented defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			MaxConnections:    1000,
			HeartbeatSeconds:  30,
			ClientTimeoutSecs: 120,
		},
		Store: StoreConfig{
			Addr:             "localhost:6379",
			DB:               0,
			MaxRetries:       3,
			OpTimeoutSeconds: 5,
			DeadlineSeconds:  15,
		},
		Progress: ProgressConfig{
			RateWindowSamples:    5,
			TimelineCapacity:     1000,
			CleanupIntervalHours: 24,
			CompletedTaskTTLDays: 7,
		},
		Series: SeriesConfig{Capacity: 1000},
		Alert: AlertConfig{
			EvalIntervalSeconds:       30,
			EscalationIntervalSeconds: 60,
			MaintenanceIntervalHours:  1,
			HistoryMax:                10000,
		},
		Optimizer: OptimizerConfig{
			IntervalSeconds:         300,
			AnalysisIntervalMinutes: 10,
			DefaultCooldownMinutes:  30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "taskstream",
		},
	}
}

// Load loads configuration from an optional YAML file then applies
// environment-variable overrides, in that precedence order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Duration helpers centralize the seconds/minutes/hours-to-Duration conversion
// so components don't each repeat time.Duration(n) * time.Second.

func (s ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

func (s ServerConfig) ClientTimeout() time.Duration {
	return time.Duration(s.ClientTimeoutSecs) * time.Second
}

func (s StoreConfig) OpTimeout() time.Duration {
	return time.Duration(s.OpTimeoutSeconds) * time.Second
}

func (s StoreConfig) Deadline() time.Duration {
	return time.Duration(s.DeadlineSeconds) * time.Second
}

func (p ProgressConfig) CleanupInterval() time.Duration {
	return time.Duration(p.CleanupIntervalHours) * time.Hour
}

func (p ProgressConfig) CompletedTaskTTL() time.Duration {
	return time.Duration(p.CompletedTaskTTLDays) * 24 * time.Hour
}

func (a AlertConfig) EvalInterval() time.Duration {
	return time.Duration(a.EvalIntervalSeconds) * time.Second
}

func (a AlertConfig) EscalationInterval() time.Duration {
	return time.Duration(a.EscalationIntervalSeconds) * time.Second
}

func (a AlertConfig) MaintenanceInterval() time.Duration {
	return time.Duration(a.MaintenanceIntervalHours) * time.Hour
}

func (o OptimizerConfig) Interval() time.Duration {
	return time.Duration(o.IntervalSeconds) * time.Second
}

func (o OptimizerConfig) AnalysisInterval() time.Duration {
	return time.Duration(o.AnalysisIntervalMinutes) * time.Minute
}

func (o OptimizerConfig) DefaultCooldown() time.Duration {
	return time.Duration(o.DefaultCooldownMinutes) * time.Minute
}
