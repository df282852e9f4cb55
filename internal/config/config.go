// Package config provides YAML-based configuration loading for Greenroom.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Greenroom configuration, loaded from greenroom.yaml.
type Config struct {
	DB        DBConfig        `yaml:"db"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Frontdesk FrontdeskConfig `yaml:"frontdesk"`
}

// DBConfig holds connection settings for the scheduler database.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	User     string `yaml:"user"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// SchedulerConfig tunes round scheduling behavior.
type SchedulerConfig struct {
	DebounceMs int `yaml:"debounce_ms"` // delay before the first run after human input
}

// Debounce returns the debounce window as a duration.
func (s SchedulerConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// WorkerConfig tunes the run-executing worker.
type WorkerConfig struct {
	Count               int `yaml:"count"`                 // concurrent executors
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"` // liveness refresh period
	PollIntervalMs      int `yaml:"poll_interval_ms"`      // queue re-poll when idle
}

// HeartbeatInterval returns the heartbeat refresh period as a duration.
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMs) * time.Millisecond
}

// PollInterval returns the idle re-poll period as a duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// ReaperConfig tunes the stale-run reaper.
type ReaperConfig struct {
	Schedule  string `yaml:"schedule"`   // 5-field cron expression; empty = interval mode
	IntervalS int    `yaml:"interval_s"` // sweep interval when no cron schedule is set
	TimeoutS  int    `yaml:"timeout_s"`  // heartbeat silence before a run is reaped
}

// Interval returns the sweep interval as a duration.
func (r ReaperConfig) Interval() time.Duration {
	return time.Duration(r.IntervalS) * time.Second
}

// Timeout returns the heartbeat liveness threshold as a duration.
func (r ReaperConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutS) * time.Second
}

// DashboardConfig holds HTTP dashboard settings.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// FrontdeskConfig configures chat-platform frontends.
type FrontdeskConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord bot credentials and the channel-to-conversation
// binding.
type DiscordConfig struct {
	BotToken       string `yaml:"bot_token"`
	ChannelID      string `yaml:"channel_id"`
	ConversationID string `yaml:"conversation_id"`
}

// SlackConfig holds Slack Socket Mode credentials and the
// channel-to-conversation binding.
type SlackConfig struct {
	AppToken       string `yaml:"app_token"`
	BotToken       string `yaml:"bot_token"`
	ChannelID      string `yaml:"channel_id"`
	ConversationID string `yaml:"conversation_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with all defaults applied and no file input.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = "greenroom.db"
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "greenroom"
	}
	if c.Scheduler.DebounceMs == 0 {
		c.Scheduler.DebounceMs = 750
	}
	if c.Worker.Count == 0 {
		c.Worker.Count = 2
	}
	if c.Worker.HeartbeatIntervalMs == 0 {
		c.Worker.HeartbeatIntervalMs = 10_000
	}
	if c.Worker.PollIntervalMs == 0 {
		c.Worker.PollIntervalMs = 500
	}
	if c.Reaper.IntervalS == 0 {
		c.Reaper.IntervalS = 30
	}
	if c.Reaper.TimeoutS == 0 {
		c.Reaper.TimeoutS = 120
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if c.Scheduler.DebounceMs < 0 {
		errs = append(errs, "scheduler.debounce_ms must be >= 0")
	}
	if c.Reaper.Timeout() < c.Worker.HeartbeatInterval() {
		errs = append(errs, "reaper.timeout_s must exceed worker.heartbeat_interval_ms")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
