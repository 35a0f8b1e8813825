package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address             string `yaml:"address"`
		ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
		DebugEndpoints      bool   `yaml:"debug_endpoints"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup BackupConfig `yaml:"backup"`

	Redis struct {
		Address               string `yaml:"address"`
		Password              string `yaml:"password"`
		DB                    int    `yaml:"db"`
		CacheTTLSeconds       int    `yaml:"cache_ttl_seconds"`
		IdempotencyTTLSeconds int    `yaml:"idempotency_ttl_seconds"`
		LockTTLSeconds        int    `yaml:"lock_ttl_seconds"`
	} `yaml:"redis"`

	RabbitMQ struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"rabbitmq"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Queue struct {
		Timezone             string  `yaml:"timezone"`
		HoldSeconds          int     `yaml:"hold_seconds"`
		TickMillis           int     `yaml:"tick_millis"`
		NoticeWindowMinutes  int     `yaml:"notice_window_minutes"`
		MaxConcurrentEntries int     `yaml:"max_concurrent_entries"`
		NoticesPerSecond     float64 `yaml:"notices_per_second"`
		NoticeBurst          int     `yaml:"notice_burst"`
	} `yaml:"queue"`

	FloorPlan struct {
		Path                 string `yaml:"path"`
		WatchIntervalSeconds int    `yaml:"watch_interval_seconds"`
	} `yaml:"floor_plan"`

	RateLimit struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	Audit struct {
		Enabled       bool   `yaml:"enabled"`
		ExportDir     string `yaml:"export_dir"`
		ExportHour    int    `yaml:"export_hour"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"audit"`
}

// BackupConfig controls periodic SQLite snapshots.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	StoragePath   string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads the YAML config at path. A .env file next to the working directory is
// loaded first so ${VAR} placeholders can reference it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return nil, err
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/tablequeue.db"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "tablequeue.events"
	}
	if c.Monitoring.HealthCheckPort == 0 {
		c.Monitoring.HealthCheckPort = 8090
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Queue.Timezone == "" {
		c.Queue.Timezone = "Asia/Kolkata"
	}
	if c.Queue.NoticeWindowMinutes <= 0 {
		c.Queue.NoticeWindowMinutes = 15
	}
	if c.Queue.MaxConcurrentEntries <= 0 {
		c.Queue.MaxConcurrentEntries = 10
	}
	if c.FloorPlan.Path == "" {
		c.FloorPlan.Path = "configs/floorplan.yaml"
	}
	if c.Audit.ExportDir == "" {
		c.Audit.ExportDir = "data/exports"
	}
}

// Location resolves the restaurant time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Queue.Timezone)
}

// MaxHoldSeconds is the longest decision window an offer may carry.
const MaxHoldSeconds = 180

func (c *Config) validate() error {
	if c.Queue.HoldSeconds > MaxHoldSeconds {
		return fmt.Errorf("queue.hold_seconds: %d exceeds the %ds limit", c.Queue.HoldSeconds, MaxHoldSeconds)
	}
	return nil
}

// HoldDuration is the configured decision window, never longer than MaxHoldSeconds.
func (c *Config) HoldDuration() time.Duration {
	if c.Queue.HoldSeconds <= 0 || c.Queue.HoldSeconds > MaxHoldSeconds {
		return MaxHoldSeconds * time.Second
	}
	return time.Duration(c.Queue.HoldSeconds) * time.Second
}

func (c *Config) TickInterval() time.Duration {
	if c.Queue.TickMillis <= 0 {
		return time.Second
	}
	return time.Duration(c.Queue.TickMillis) * time.Millisecond
}

func (c *Config) NoticeWindow() time.Duration {
	return time.Duration(c.Queue.NoticeWindowMinutes) * time.Minute
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	if c.Redis.IdempotencyTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.IdempotencyTTLSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	if c.Redis.LockTTLSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Redis.LockTTLSeconds) * time.Second
}

func (c *Config) FloorPlanWatchInterval() time.Duration {
	if c.FloorPlan.WatchIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.FloorPlan.WatchIntervalSeconds) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	if c.Server.ReadTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	if c.Server.WriteTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
}
