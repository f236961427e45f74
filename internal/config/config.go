package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jianjunlu/claude-relay-service/internal/account"
	"github.com/jianjunlu/claude-relay-service/internal/relay"
)

// APIKey is one statically configured downstream credential.
type APIKey struct {
	ID          string   `json:"id"`
	Token       string   `json:"token"`
	Permissions []string `json:"permissions"`
	Models      []string `json:"models,omitempty"`
}

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Config is the full relay configuration, loaded from a JSON file.
type Config struct {
	Server                ServerConfig      `json:"server"`
	JWTSecret             string            `json:"jwtSecret"`
	UserAgent             string            `json:"userAgent,omitempty"`
	RequestTimeoutSeconds int               `json:"requestTimeoutSeconds,omitempty"`
	MetricsStdout         bool              `json:"metricsStdout,omitempty"`
	UsageDBPath           string            `json:"usageDbPath,omitempty"`
	APIKeys               []APIKey          `json:"apiKeys"`
	Accounts              []account.Account `json:"accounts"`

	// ConfigFile is the path the config was loaded from, kept for the
	// watcher. Not serialized.
	ConfigFile string `json:"-"`
}

// DefaultPath returns the per-user config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".claude-relay", "config.json")
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ConfigFile = path
	cfg.applyDefaults()

	if cfg.JWTSecret == "" && len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("config %s: need jwtSecret or at least one static API key", path)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.UsageDBPath == "" {
		c.UsageDBPath = filepath.Join(filepath.Dir(c.ConfigFile), "usage.db")
	}
}

// Timeout returns the upstream request timeout.
func (c *Config) Timeout() time.Duration {
	if c.RequestTimeoutSeconds > 0 {
		return time.Duration(c.RequestTimeoutSeconds) * time.Second
	}
	return relay.DefaultTimeout
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
