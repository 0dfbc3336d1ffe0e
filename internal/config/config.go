// Package config loads the single top-level Argus configuration document.
//
// One yaml file configures both binaries: the server reads database, auth,
// retention, analysis and ml sections; the agent reads the agent section.
// Environment variables prefixed ARGUS_ override the file for secrets.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Retention RetentionConfig `yaml:"retention"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	ML        MLConfig        `yaml:"ml"`
	Bus       BusConfig       `yaml:"bus"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Agent     AgentConfig     `yaml:"agent"`

	// Rules holds per-rule threshold overrides, keyed rule name → field.
	Rules map[string]map[string]float64 `yaml:"rules"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Workers int    `yaml:"workers"`
}

type AuthConfig struct {
	TokenSecret       string `yaml:"token_secret"`
	TokenTTLDays      int    `yaml:"token_ttl_days"`
	BootstrapEmail    string `yaml:"bootstrap_email"`
	BootstrapPassword string `yaml:"bootstrap_password"`
}

type RetentionConfig struct {
	LogsDays      int `yaml:"logs_days"`
	MetricsDays   int `yaml:"metrics_days"`
	ProcessesDays int `yaml:"processes_days"`
	AlertsDays    int `yaml:"alerts_days"`
}

type AnalysisConfig struct {
	RulePeriodSec     int `yaml:"rule_period_sec"`
	DedupWindowSec    int `yaml:"dedup_window_sec"`
	LivenessWindowSec int `yaml:"liveness_window_sec"`
}

type MLConfig struct {
	Enabled    bool         `yaml:"enabled"`
	PeriodSec  int          `yaml:"period_sec"`
	ModelPath  string       `yaml:"model_path"`
	Thresholds MLThresholds `yaml:"thresholds"`
}

type MLThresholds struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
	Low    float64 `yaml:"low"`
}

type BusConfig struct {
	// RedisAddr enables the Redis-backed bus for multi-pod dashboards.
	// Empty means in-process only.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type AgentConfig struct {
	ServerURL          string   `yaml:"server_url"`
	InvitationPath     string   `yaml:"invitation_path"`
	CredentialPath     string   `yaml:"credential_path"`
	SpoolDir           string   `yaml:"spool_dir"`
	SpoolCapBytes      int64    `yaml:"spool_cap_bytes"`
	LogPaths           []string `yaml:"log_paths"`
	HistoryPaths       []string `yaml:"history_paths"`
	MetricsIntervalSec int      `yaml:"metrics_interval_sec"`
	ProcessIntervalSec int      `yaml:"process_interval_sec"`
	CommandIntervalSec int      `yaml:"command_interval_sec"`
	HeartbeatSec       int      `yaml:"heartbeat_sec"`
}

// Load reads the yaml document at path, applies defaults, and overlays
// ARGUS_* environment variables. A missing file is not an error: a config
// built purely from env and defaults is a supported deployment mode.
func Load(path string) (*Config, error) {
	var cfg Config
	// Anomaly detection is on unless the document says otherwise. Set before
	// decode: yaml leaves absent fields untouched, so an explicit
	// `enabled: false` still wins.
	cfg.ML.Enabled = true

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ARGUS_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("ARGUS_TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := os.Getenv("ARGUS_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("ARGUS_REDIS_ADDR"); v != "" {
		c.Bus.RedisAddr = v
	}
	if v := os.Getenv("ARGUS_SERVER_URL"); v != "" {
		c.Agent.ServerURL = v
	}
	if v := os.Getenv("ARGUS_ML_MODEL_PATH"); v != "" {
		c.ML.ModelPath = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 20
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = runtime.NumCPU()
	}
	if c.Auth.TokenTTLDays == 0 {
		c.Auth.TokenTTLDays = 7
	}
	if c.Retention.LogsDays == 0 {
		c.Retention.LogsDays = 30
	}
	if c.Retention.MetricsDays == 0 {
		c.Retention.MetricsDays = 90
	}
	if c.Retention.ProcessesDays == 0 {
		c.Retention.ProcessesDays = 30
	}
	if c.Retention.AlertsDays == 0 {
		c.Retention.AlertsDays = 180
	}
	if c.Analysis.RulePeriodSec == 0 {
		c.Analysis.RulePeriodSec = 30
	}
	if c.Analysis.DedupWindowSec == 0 {
		c.Analysis.DedupWindowSec = 300
	}
	if c.Analysis.LivenessWindowSec == 0 {
		c.Analysis.LivenessWindowSec = 90
	}
	if c.ML.PeriodSec == 0 {
		c.ML.PeriodSec = 600
	}
	if c.ML.ModelPath == "" {
		c.ML.ModelPath = "./models/latest"
	}
	if c.ML.Thresholds == (MLThresholds{}) {
		c.ML.Thresholds = MLThresholds{High: -0.6, Medium: -0.5, Low: -0.4}
	}
	if c.Agent.SpoolDir == "" {
		c.Agent.SpoolDir = "/var/lib/argus-agent/spool"
	}
	if c.Agent.SpoolCapBytes == 0 {
		c.Agent.SpoolCapBytes = 1 << 30 // 1 GiB per telemetry kind
	}
	if c.Agent.CredentialPath == "" {
		c.Agent.CredentialPath = "/var/lib/argus-agent/credentials.json"
	}
	if len(c.Agent.LogPaths) == 0 {
		c.Agent.LogPaths = []string{"/var/log/syslog", "/var/log/auth.log"}
	}
	if c.Agent.MetricsIntervalSec == 0 {
		c.Agent.MetricsIntervalSec = 60
	}
	if c.Agent.ProcessIntervalSec == 0 {
		c.Agent.ProcessIntervalSec = 60
	}
	if c.Agent.CommandIntervalSec == 0 {
		c.Agent.CommandIntervalSec = 300
	}
	if c.Agent.HeartbeatSec == 0 {
		c.Agent.HeartbeatSec = 60
	}
}

// ValidateServer checks the settings the server cannot start without.
func (c *Config) ValidateServer() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	return nil
}

// RuleThreshold returns the configured override for rules.<name>.<field>,
// or def when no override is present.
func (c *Config) RuleThreshold(rule, field string, def float64) float64 {
	if fields, ok := c.Rules[rule]; ok {
		if v, ok := fields[field]; ok {
			return v
		}
	}
	return def
}

// Durations derived from the integer-seconds knobs.

func (c *Config) RulePeriod() time.Duration {
	return time.Duration(c.Analysis.RulePeriodSec) * time.Second
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Analysis.DedupWindowSec) * time.Second
}

func (c *Config) LivenessWindow() time.Duration {
	return time.Duration(c.Analysis.LivenessWindowSec) * time.Second
}

func (c *Config) MLPeriod() time.Duration {
	return time.Duration(c.ML.PeriodSec) * time.Second
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLDays) * 24 * time.Hour
}
