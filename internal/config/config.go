// Package config loads the luigid configuration file. The file is read once
// at startup and the resulting Config is immutable for the process lifetime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all luigid configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	IPFilter  IPFilterConfig  `toml:"ipfilter"`
	Audit     AuditConfig     `toml:"audit"`
	Commands  CommandsConfig  `toml:"commands"`
	Registry  RegistryConfig  `toml:"registry"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	Sensors   SensorsConfig   `toml:"sensors"`
	Scheduler SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port     int    `toml:"port"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
	// DevMode includes error detail in 500 responses. Never enable in production.
	DevMode bool `toml:"dev_mode"`
}

// AuthConfig is the single static credential. Secret may be plain text
// (compared in constant time) or a bcrypt hash (recognized by its $2 prefix).
type AuthConfig struct {
	Username string `toml:"username"`
	Secret   string `toml:"secret"`
	// TokenTTLSeconds bounds the lifetime of issued session tokens.
	TokenTTLSeconds int `toml:"token_ttl_seconds"`
	// TokenSecret signs session tokens. Empty disables the token exchange.
	TokenSecret string `toml:"token_secret"`
}

type RateLimitConfig struct {
	GlobalLimit        int `toml:"global_limit"`
	GlobalWindowSec    int `toml:"global_window_seconds"`
	AuthLimit          int `toml:"auth_limit"`
	AuthWindowSec      int `toml:"auth_window_seconds"`
	OperationLimit     int `toml:"operation_limit"`
	OperationWindowSec int `toml:"operation_window_seconds"`
	SlowdownThreshold  int `toml:"slowdown_threshold"`
	SlowdownStepMs     int `toml:"slowdown_step_ms"`
	SlowdownMaxMs      int `toml:"slowdown_max_ms"`
	SlowdownWindowSec  int `toml:"slowdown_window_seconds"`
}

// IPFilterConfig selects the caller filtering policy.
// Mode "allowlist" permits only the listed addresses/CIDRs; mode "lan"
// permits loopback plus private and link-local ranges.
type IPFilterConfig struct {
	Mode    string   `toml:"mode"`
	Allowed []string `toml:"allowed"`
}

type AuditConfig struct {
	Path           string `toml:"path"`
	MaxSizeBytes   int64  `toml:"max_size_bytes"`
	MaxGenerations int    `toml:"max_generations"`
}

// CommandsConfig fixes the executable whitelist at process start.
type CommandsConfig struct {
	Allowed        []string `toml:"allowed"`
	ServiceControl string   `toml:"service_control"`
	ServiceVerbs   []string `toml:"service_verbs"`
	TimeoutSec     int      `toml:"timeout_seconds"`
	KillGraceSec   int      `toml:"kill_grace_seconds"`
}

type RegistryConfig struct {
	Dir string `toml:"dir"`
}

type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	ClientID string `toml:"client_id"`
}

type SensorsConfig struct {
	DBPath             string `toml:"db_path"`
	PublishIntervalSec int    `toml:"publish_interval_seconds"`
	RetentionDays      int    `toml:"retention_days"`
}

type SchedulerConfig struct {
	Enabled         bool   `toml:"enabled"`
	UpdateCheckSpec string `toml:"update_check_spec"`
	RotateSweepSpec string `toml:"rotate_sweep_spec"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8470,
			DataDir:  "/var/lib/luigid",
			LogLevel: "info",
		},
		Auth: AuthConfig{
			TokenTTLSeconds: 900,
		},
		RateLimit: RateLimitConfig{
			GlobalLimit:        120,
			GlobalWindowSec:    60,
			AuthLimit:          5,
			AuthWindowSec:      300,
			OperationLimit:     10,
			OperationWindowSec: 60,
			SlowdownThreshold:  60,
			SlowdownStepMs:     100,
			SlowdownMaxMs:      2000,
			SlowdownWindowSec:  60,
		},
		IPFilter: IPFilterConfig{
			Mode: "lan",
		},
		Audit: AuditConfig{
			Path:           "/var/log/luigid/audit.log",
			MaxSizeBytes:   5 * 1024 * 1024,
			MaxGenerations: 5,
		},
		Commands: CommandsConfig{
			Allowed:        []string{"systemctl", "journalctl", "apt-get", "reboot", "shutdown"},
			ServiceControl: "systemctl",
			ServiceVerbs:   []string{"status", "is-active", "is-enabled", "start", "stop", "restart", "enable", "disable"},
			TimeoutSec:     30,
			KillGraceSec:   5,
		},
		Registry: RegistryConfig{
			Dir: "/etc/luigi/modules.d",
		},
		MQTT: MQTTConfig{
			Port:     1883,
			ClientID: "luigid",
		},
		Sensors: SensorsConfig{
			DBPath:             "/var/lib/luigid/sensors.db",
			PublishIntervalSec: 60,
			RetentionDays:      30,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			UpdateCheckSpec: "0 4 * * *",
			RotateSweepSpec: "*/30 * * * *",
		},
	}
}

// Load reads config from a TOML file. The file carries the credential, so a
// group- or world-readable file is refused outright.
func Load(path string) (*Config, error) {
	if err := checkPermissions(path); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations that would weaken the gateway.
func (c *Config) Validate() error {
	if c.Auth.Username == "" || c.Auth.Secret == "" {
		return fmt.Errorf("config: auth.username and auth.secret are required")
	}
	if c.IPFilter.Mode != "lan" && c.IPFilter.Mode != "allowlist" {
		return fmt.Errorf("config: ipfilter.mode must be %q or %q, got %q", "lan", "allowlist", c.IPFilter.Mode)
	}
	if c.IPFilter.Mode == "allowlist" && len(c.IPFilter.Allowed) == 0 {
		return fmt.Errorf("config: ipfilter.mode allowlist requires at least one entry")
	}
	if len(c.Commands.Allowed) == 0 {
		return fmt.Errorf("config: commands.allowed must not be empty")
	}
	if c.RateLimit.GlobalLimit <= 0 || c.RateLimit.AuthLimit <= 0 || c.RateLimit.OperationLimit <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	return nil
}

// CommandTimeout returns the sandbox execution timeout.
func (c *Config) CommandTimeout() time.Duration {
	if c.Commands.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Commands.TimeoutSec) * time.Second
}

// KillGrace returns the delay between SIGTERM and SIGKILL.
func (c *Config) KillGrace() time.Duration {
	if c.Commands.KillGraceSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Commands.KillGraceSec) * time.Second
}

// checkPermissions refuses config files readable by anyone but the owner.
// Windows has no usable unix permission bits, so the check is skipped there.
func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("config: %s is readable by group or others (mode %o); chmod 600 it", path, info.Mode().Perm())
	}
	return nil
}
