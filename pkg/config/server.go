package config

import (
	"os"
	"path/filepath"
	"time"
)

// ServerConfig configures the center server.
type ServerConfig struct {
	Listen    string          `yaml:"listen"`
	Storage   StorageConfig   `yaml:"storage"`
	Whitelist WhitelistConfig `yaml:"whitelist"`
	Security  SecurityConfig  `yaml:"security"`
	Shell     ShellConfig     `yaml:"shell"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type WhitelistConfig struct {
	Path string `yaml:"path"`
}

type ShellConfig struct {
	MaxSessionsPerDevice int `yaml:"max_sessions_per_device"`
	IdleTimeoutS         int `yaml:"idle_timeout_s"`
	ReapIntervalS        int `yaml:"reap_interval_s"`
	SendBuffer           int `yaml:"send_buffer"`
}

type HeartbeatConfig struct {
	OnlineWindowS int `yaml:"online_window_s"`
}

type RateLimitConfig struct {
	AdminInitPerMinute    int `yaml:"admin_init_per_minute"`
	AuthFailuresPerMinute int `yaml:"auth_failures_per_minute"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ":8080",
		Storage: StorageConfig{
			DataDir: "/var/lib/edgepulse",
		},
		Security: defaultSecurity(),
		Shell: ShellConfig{
			MaxSessionsPerDevice: 3,
			IdleTimeoutS:         1800,
			ReapIntervalS:        60,
			SendBuffer:           256,
		},
		Heartbeat: HeartbeatConfig{
			OnlineWindowS: 120,
		},
		RateLimit: RateLimitConfig{
			AdminInitPerMinute:    5,
			AuthFailuresPerMinute: 30,
		},
		Metrics: MetricsConfig{
			Enable: true,
		},
		Logging: LoggingConfig{
			Level:         "info",
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// LoadServer reads server config from file with env var overrides
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if listen := os.Getenv("EDGEPULSE_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if dir := os.Getenv("EDGEPULSE_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if db := os.Getenv("EDGEPULSE_DB_PATH"); db != "" {
		cfg.Storage.Database = db
	}
	if wl := os.Getenv("EDGEPULSE_WHITELIST"); wl != "" {
		cfg.Whitelist.Path = wl
	}
	if level := os.Getenv("EDGEPULSE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if os.Getenv("EDGEPULSE_LOG_FORMAT") == "json" {
		cfg.Logging.JSON = true
	}
	return cfg, nil
}

// DatabasePath is the sqlite file holding all server state.
func (c *ServerConfig) DatabasePath() string {
	if c.Storage.Database != "" {
		return c.Storage.Database
	}
	return filepath.Join(c.Storage.DataDir, "edgepulse.db")
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return &Error{"listen address is required"}
	}
	if c.Storage.DataDir == "" && c.Storage.Database == "" {
		return &Error{"storage data_dir or database is required"}
	}
	if err := c.Security.validate(); err != nil {
		return err
	}
	if c.Shell.MaxSessionsPerDevice <= 0 {
		c.Shell.MaxSessionsPerDevice = 3
	}
	if c.Shell.IdleTimeoutS <= 0 {
		c.Shell.IdleTimeoutS = 1800
	}
	if c.Shell.ReapIntervalS <= 0 {
		c.Shell.ReapIntervalS = 60
	}
	if c.Shell.SendBuffer <= 0 {
		c.Shell.SendBuffer = 256
	}
	if c.Heartbeat.OnlineWindowS <= 0 {
		c.Heartbeat.OnlineWindowS = 120
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

func (s SecurityConfig) Tolerance() time.Duration {
	return time.Duration(s.TimestampToleranceS) * time.Second
}

func (s SecurityConfig) Retention() time.Duration {
	return time.Duration(s.NonceRetentionS) * time.Second
}

func (s ShellConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutS) * time.Second
}

func (s ShellConfig) ReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalS) * time.Second
}

func (h HeartbeatConfig) OnlineWindow() time.Duration {
	return time.Duration(h.OnlineWindowS) * time.Second
}
