package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the process-level settings of the AppCenter server.
// Tunables that operators change at runtime live in the settings table instead.
type ServerConfig struct {
	Server    HTTPConfig      `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type HTTPConfig struct {
	Listen           string `yaml:"listen"`
	RequestTimeout   int    `yaml:"request_timeout_s"`
	UploadDir        string `yaml:"upload_dir"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
	MaxIconBytes     int64  `yaml:"max_icon_bytes"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"`
}

type AuthConfig struct {
	AdminToken     string `yaml:"admin_token"`
	AdminTokenFile string `yaml:"admin_token_file"`
}

type SweeperConfig struct {
	OfflineCheckInterval int  `yaml:"offline_check_interval_s"`
	PruneInterval        int  `yaml:"prune_interval_s"`
	Disabled             bool `yaml:"disabled"`
}

type RateLimitConfig struct {
	RegisterPerMinute int `yaml:"register_per_minute"`
	RegisterBurst     int `yaml:"register_burst"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// DefaultServerConfig returns a config with sensible defaults
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server: HTTPConfig{
			Listen:           ":8000",
			RequestTimeout:   30,
			UploadDir:        "/var/lib/appcenter/uploads",
			MaxUploadBytes:   2 << 30,
			MaxIconBytes:     5 << 20,
			ShutdownTimeoutS: 10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "/var/lib/appcenter/appcenter.db",
		},
		Sweeper: SweeperConfig{
			OfflineCheckInterval: 120,
			PruneInterval:        86400,
		},
		RateLimit: RateLimitConfig{
			RegisterPerMinute: 30,
			RegisterBurst:     10,
		},
		Logging: LoggingConfig{
			Level:         "info",
			JSON:          false,
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// LoadServer reads config from file with env var overrides
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if listen := os.Getenv("APPCENTER_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if dir := os.Getenv("APPCENTER_UPLOAD_DIR"); dir != "" {
		cfg.Server.UploadDir = dir
	}
	if driver := os.Getenv("APPCENTER_DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := os.Getenv("APPCENTER_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if token := os.Getenv("APPCENTER_ADMIN_TOKEN"); token != "" {
		cfg.Auth.AdminToken = token
	}
	if level := os.Getenv("APPCENTER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if cfg.Auth.AdminToken == "" && cfg.Auth.AdminTokenFile != "" {
		data, err := os.ReadFile(cfg.Auth.AdminTokenFile)
		if err != nil {
			return nil, err
		}
		cfg.Auth.AdminToken = strings.TrimSpace(string(data))
	}

	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		return ErrMissingListen
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return &Error{"database driver must be sqlite or postgres"}
	}
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}
	if c.Server.UploadDir == "" {
		return ErrMissingUploadDir
	}
	if len(c.Auth.AdminToken) < 16 {
		return ErrWeakAdminToken
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 2 << 30
	}
	if c.Server.MaxIconBytes <= 0 {
		c.Server.MaxIconBytes = 5 << 20
	}
	if c.Server.ShutdownTimeoutS <= 0 {
		c.Server.ShutdownTimeoutS = 10
	}
	if c.Sweeper.OfflineCheckInterval < 10 {
		c.Sweeper.OfflineCheckInterval = 120
	}
	if c.Sweeper.PruneInterval < 60 {
		c.Sweeper.PruneInterval = 86400
	}
	if c.RateLimit.RegisterBurst <= 0 {
		c.RateLimit.RegisterBurst = 1
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

func readYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, out); err != nil {
			return err
		}
	}
	return nil
}

var (
	ErrMissingListen    = &Error{"listen address is required"}
	ErrMissingDSN       = &Error{"database dsn is required"}
	ErrMissingUploadDir = &Error{"upload dir is required"}
	ErrWeakAdminToken   = &Error{"admin token must be at least 16 characters"}
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"heartbeat interval must be >= 5s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
