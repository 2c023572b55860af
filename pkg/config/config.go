// Package config provides TOML configuration loading for lightguide.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure.
type Config struct {
	Agent  AgentConfig  `toml:"agent"`
	Server ServerConfig `toml:"server"`
	Watch  WatchConfig  `toml:"watch"`
}

// AgentConfig holds settings for the telemetry agent.
type AgentConfig struct {
	Listen            string   `toml:"listen"`
	Interval          string   `toml:"interval"`
	BusCapacity       int      `toml:"bus_capacity"`
	MaxConnections    int      `toml:"max_connections"`
	IntervalPolicy    string   `toml:"interval_policy"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	StartPaused       bool     `toml:"start_paused"`
	DiskPath          string   `toml:"disk_path"`
	WriteTimeout      string   `toml:"write_timeout"`
	ReadLimit         int64    `toml:"read_limit"`
	OriginPatterns    []string `toml:"origin_patterns"`
	LogLevel          string   `toml:"log_level"`
}

// ServerConfig holds settings for the event server.
type ServerConfig struct {
	Listen         string `toml:"listen"`
	DBPath         string `toml:"db_path"`
	FanoutCapacity int    `toml:"fanout_capacity"`
	KeepAlive      string `toml:"keep_alive"`
	IdleTTL        string `toml:"idle_ttl"`
	SweepInterval  string `toml:"sweep_interval"`
	UploadLimitMB  int64  `toml:"upload_limit_mb"`
	LogLevel       string `toml:"log_level"`
}

// WatchConfig holds settings for the terminal consumer.
type WatchConfig struct {
	AgentURL     string `toml:"agent_url"`
	IntervalSecs uint64 `toml:"interval_secs"`
}

var validPolicies = map[string]bool{"last": true, "fastest": true, "fixed": true}

// ParseWriteTimeout parses the per-frame write deadline for consumers.
func (a *AgentConfig) ParseWriteTimeout() (time.Duration, error) {
	return parseDuration(a.WriteTimeout, 10*time.Second)
}

// ParseInterval parses the sampling interval.
func (a *AgentConfig) ParseInterval() (time.Duration, error) {
	return parseDuration(a.Interval, 5*time.Second)
}

// ParseHeartbeatInterval parses the heartbeat interval. Zero disables it.
func (a *AgentConfig) ParseHeartbeatInterval() (time.Duration, error) {
	return parseDuration(a.HeartbeatInterval, 0)
}

// ParseKeepAlive parses the stream keep-alive interval.
func (s *ServerConfig) ParseKeepAlive() (time.Duration, error) {
	return parseDuration(s.KeepAlive, time.Second)
}

// ParseIdleTTL parses how long an unused channel is kept. Zero keeps
// channels forever.
func (s *ServerConfig) ParseIdleTTL() (time.Duration, error) {
	return parseDuration(s.IdleTTL, 10*time.Minute)
}

// ParseSweepInterval parses how often idle channels are swept.
func (s *ServerConfig) ParseSweepInterval() (time.Duration, error) {
	return parseDuration(s.SweepInterval, time.Minute)
}

// UploadLimit returns the upload size limit in bytes.
func (s *ServerConfig) UploadLimit() int64 {
	return s.UploadLimitMB << 20
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a TOML config file, applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (cfg *Config) Validate() error {
	var errs []error

	if !validPolicies[cfg.Agent.IntervalPolicy] {
		errs = append(errs, fmt.Errorf("agent.interval_policy %q must be last, fastest or fixed", cfg.Agent.IntervalPolicy))
	}
	if cfg.Agent.BusCapacity <= 0 {
		errs = append(errs, fmt.Errorf("agent.bus_capacity must be positive, got %d", cfg.Agent.BusCapacity))
	}
	if cfg.Agent.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_connections must be positive, got %d", cfg.Agent.MaxConnections))
	}
	if d, err := cfg.Agent.ParseInterval(); err != nil {
		errs = append(errs, fmt.Errorf("agent.interval: %w", err))
	} else if d == 0 {
		errs = append(errs, errors.New("agent.interval must be positive"))
	}
	if _, err := cfg.Agent.ParseHeartbeatInterval(); err != nil {
		errs = append(errs, fmt.Errorf("agent.heartbeat_interval: %w", err))
	}
	if d, err := cfg.Agent.ParseWriteTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("agent.write_timeout: %w", err))
	} else if d == 0 {
		errs = append(errs, errors.New("agent.write_timeout must be positive"))
	}
	if cfg.Agent.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("agent.read_limit must not be negative, got %d", cfg.Agent.ReadLimit))
	}
	// Nothing can resume a paused sampler under the fixed policy.
	if cfg.Agent.StartPaused && cfg.Agent.IntervalPolicy == "fixed" {
		errs = append(errs, errors.New("agent.start_paused cannot be combined with interval_policy \"fixed\""))
	}

	if cfg.Server.FanoutCapacity <= 0 {
		errs = append(errs, fmt.Errorf("server.fanout_capacity must be positive, got %d", cfg.Server.FanoutCapacity))
	}
	if cfg.Server.UploadLimitMB <= 0 {
		errs = append(errs, fmt.Errorf("server.upload_limit_mb must be positive, got %d", cfg.Server.UploadLimitMB))
	}
	if d, err := cfg.Server.ParseKeepAlive(); err != nil {
		errs = append(errs, fmt.Errorf("server.keep_alive: %w", err))
	} else if d == 0 {
		errs = append(errs, errors.New("server.keep_alive must be positive"))
	}
	ttl, ttlErr := cfg.Server.ParseIdleTTL()
	if ttlErr != nil {
		errs = append(errs, fmt.Errorf("server.idle_ttl: %w", ttlErr))
	}
	sweep, sweepErr := cfg.Server.ParseSweepInterval()
	if sweepErr != nil {
		errs = append(errs, fmt.Errorf("server.sweep_interval: %w", sweepErr))
	}
	if ttlErr == nil && sweepErr == nil && ttl > 0 && sweep == 0 {
		errs = append(errs, errors.New("server.sweep_interval must be positive when idle_ttl is set"))
	}

	if cfg.Watch.IntervalSecs == 0 {
		errs = append(errs, errors.New("watch.interval_secs must be positive"))
	}

	return errors.Join(errs...)
}

func (cfg *Config) expandPaths() {
	cfg.Server.DBPath = ExpandPath(cfg.Server.DBPath)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {

	// Agent defaults
	if cfg.Agent.Listen == "" {
		cfg.Agent.Listen = ":8080"
	}
	if cfg.Agent.Interval == "" {
		cfg.Agent.Interval = "5s"
	}
	if cfg.Agent.BusCapacity == 0 {
		cfg.Agent.BusCapacity = 1000
	}
	if cfg.Agent.MaxConnections == 0 {
		cfg.Agent.MaxConnections = 256
	}
	if cfg.Agent.IntervalPolicy == "" {
		cfg.Agent.IntervalPolicy = "last"
	}
	if cfg.Agent.HeartbeatInterval == "" {
		cfg.Agent.HeartbeatInterval = "0s"
	}
	if cfg.Agent.DiskPath == "" {
		cfg.Agent.DiskPath = "/"
	}
	if cfg.Agent.WriteTimeout == "" {
		cfg.Agent.WriteTimeout = "10s"
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}

	// Server defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":3000"
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = "/var/lib/lightguide/server.db"
	}
	if cfg.Server.FanoutCapacity == 0 {
		cfg.Server.FanoutCapacity = 100
	}
	if cfg.Server.KeepAlive == "" {
		cfg.Server.KeepAlive = "1s"
	}
	if cfg.Server.IdleTTL == "" {
		cfg.Server.IdleTTL = "10m"
	}
	if cfg.Server.SweepInterval == "" {
		cfg.Server.SweepInterval = "1m"
	}
	if cfg.Server.UploadLimitMB == 0 {
		cfg.Server.UploadLimitMB = 100
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	// Watch defaults
	if cfg.Watch.AgentURL == "" {
		cfg.Watch.AgentURL = "ws://localhost:8080"
	}
	if cfg.Watch.IntervalSecs == 0 {
		cfg.Watch.IntervalSecs = 5
	}
}
