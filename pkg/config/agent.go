package config

import (
	"os"
	"path/filepath"
	"strings"
)

// AgentConfig configures the reference polling agent.
type AgentConfig struct {
	Server  AgentServerConfig `yaml:"server"`
	State   StateConfig       `yaml:"state"`
	Polling PollingConfig     `yaml:"polling"`
	Logging LoggingConfig     `yaml:"logging"`
}

type AgentServerConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type StateConfig struct {
	// Path of the JSON file holding the agent uuid and issued secret.
	IdentityPath string `yaml:"identity_path"`
}

type PollingConfig struct {
	// Used until the server hands out its own heartbeat interval.
	HeartbeatInterval int `yaml:"heartbeat_interval_s"`
	Jitter            int `yaml:"jitter_s"`
	// Every Nth heartbeat carries the system profile.
	ProfileEvery int `yaml:"profile_every"`
}

// DefaultAgentConfig returns a config with sensible defaults
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: AgentServerConfig{
			URL:             "http://localhost:8000",
			RequestTimeout:  15,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		State: StateConfig{
			IdentityPath: "/var/lib/appcenter-agent/identity.json",
		},
		Polling: PollingConfig{
			HeartbeatInterval: 60,
			Jitter:            5,
			ProfileEvery:      60,
		},
		Logging: LoggingConfig{
			Level:         "info",
			HumanReadable: true,
		},
	}
}

// LoadAgent reads config from file with env var overrides
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("APPCENTER_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if level := os.Getenv("APPCENTER_AGENT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.State.IdentityPath == "" && path != "" {
		cfg.State.IdentityPath = filepath.Join(filepath.Dir(path), "identity.json")
	}
	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return &Error{"server URL must be http or https"}
	}
	if c.Polling.HeartbeatInterval < 5 {
		return ErrInvalidInterval
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 15
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Polling.ProfileEvery <= 0 {
		c.Polling.ProfileEvery = 60
	}
	return nil
}
