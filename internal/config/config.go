package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds every knob the substrate needs to construct the RS/AL/GA
// trio and drive the CLI. HOST/PORT/RATE_LIMIT_* are accepted and stored
// for the (absent) frontend process to read; they have no effect here.
type Config struct {
	DBPath             string        `yaml:"db_path" mapstructure:"db_path"`
	ArchivePath        string        `yaml:"archive_path" mapstructure:"archive_path"`
	ArchiveLockTimeout time.Duration `yaml:"archive_lock_timeout" mapstructure:"archive_lock_timeout"`

	WorktreesEnabled   bool   `yaml:"worktrees_enabled" mapstructure:"worktrees_enabled"`
	GitIdentityEnabled bool   `yaml:"git_identity_enabled" mapstructure:"git_identity_enabled"`
	AgentMailBypass    bool   `yaml:"agent_mail_bypass" mapstructure:"agent_mail_bypass"`
	RunMode            string `yaml:"run_mode" mapstructure:"run_mode"`

	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`

	RateLimitEnabled bool    `yaml:"rate_limit_enabled" mapstructure:"rate_limit_enabled"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`

	Log LogConfig `yaml:"log" mapstructure:"log"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		DBPath:             "agent-mail.db",
		ArchivePath:        "agent-mail-archive",
		ArchiveLockTimeout: 30 * time.Second,
		WorktreesEnabled:   false,
		GitIdentityEnabled: true,
		AgentMailBypass:    false,
		RunMode:            "standalone",
		Host:               "127.0.0.1",
		Port:               8787,
		RateLimitEnabled:   false,
		RateLimitRPS:       10,
		RateLimitBurst:     20,
		Log:                LogConfig{Level: "info"},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function, so tests can supply isolated environment values. The yaml
// config file (if present) is parsed via viper; named environment
// variables then override it field by field, env always winning.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply config file: %w", err)
		}
	}

	applyEnvOverrides(cfg, getenv)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if s := getenv("DB_PATH"); s != "" {
		cfg.DBPath = s
	}
	if s := getenv("ARCHIVE_PATH"); s != "" {
		cfg.ArchivePath = s
	}
	if s := getenv("ARCHIVE_LOCK_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.ArchiveLockTimeout = d
		}
	}
	if s := getenv("WORKTREES_ENABLED"); s != "" {
		cfg.WorktreesEnabled = parseBool(s, cfg.WorktreesEnabled)
	}
	if s := getenv("GIT_IDENTITY_ENABLED"); s != "" {
		cfg.GitIdentityEnabled = parseBool(s, cfg.GitIdentityEnabled)
	}
	if s := getenv("AGENT_MAIL_BYPASS"); s != "" {
		cfg.AgentMailBypass = parseBool(s, cfg.AgentMailBypass)
	}
	if s := getenv("RUN_MODE"); s != "" {
		cfg.RunMode = s
	}
	if s := getenv("HOST"); s != "" {
		cfg.Host = s
	}
	if s := getenv("PORT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.Port = n
		}
	}
	if s := getenv("RATE_LIMIT_ENABLED"); s != "" {
		cfg.RateLimitEnabled = parseBool(s, cfg.RateLimitEnabled)
	}
	if s := getenv("RATE_LIMIT_RPS"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if s := getenv("RATE_LIMIT_BURST"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.RateLimitBurst = n
		}
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "agent-mail", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-mail", "config.yaml")
}
