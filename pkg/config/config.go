package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"gopkg.in/yaml.v3"
)

type AgentConfig struct {
	Server    ConnectionConfig `yaml:"server"`
	Client    ClientConfig     `yaml:"client"`
	Polling   PollingConfig    `yaml:"polling"`
	Execution ExecutionConfig  `yaml:"execution"`
	Shell     AgentShellConfig `yaml:"shell"`
	Security  SecurityConfig   `yaml:"security"`
	Storage   StorageConfig    `yaml:"storage"`
	Health    HealthConfig     `yaml:"health"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

type ConnectionConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type ClientConfig struct {
	ID            string `yaml:"id"`
	SecretKey     string `yaml:"secret_key"`
	SecretKeyFile string `yaml:"secret_key_file"`
}

type PollingConfig struct {
	Interval          int `yaml:"interval_s"`
	Jitter            int `yaml:"jitter_s"`
	HeartbeatInterval int `yaml:"heartbeat_interval_s"`
}

type ExecutionConfig struct {
	DefaultTimeout int    `yaml:"default_timeout_s"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
	Shell          string `yaml:"shell"`
}

type AgentShellConfig struct {
	Enable         bool   `yaml:"enable"`
	Program        string `yaml:"program"`
	ReconnectDelay int    `yaml:"reconnect_s"`
}

type SecurityConfig struct {
	TimestampToleranceS int `yaml:"timestamp_tolerance_s"`
	NonceRetentionS     int `yaml:"nonce_retention_s"`
}

type StorageConfig struct {
	DataDir  string `yaml:"data_dir"`
	Database string `yaml:"database"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
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

// DefaultConfig returns an agent config with sensible defaults
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Server: ConnectionConfig{
			URL:             "http://localhost:8080",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Polling: PollingConfig{
			Interval:          5,
			Jitter:            1,
			HeartbeatInterval: 30,
		},
		Execution: ExecutionConfig{
			DefaultTimeout: 60,
			MaxOutputBytes: 65536,
			Shell:          "/bin/sh",
		},
		Shell: AgentShellConfig{
			Enable:         true,
			Program:        "/bin/bash",
			ReconnectDelay: 5,
		},
		Security: defaultSecurity(),
		Storage: StorageConfig{
			DataDir: "/var/lib/edgepulse-agent",
		},
		Health: HealthConfig{
			TimeDriftMaxS: 60,
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

func defaultSecurity() SecurityConfig {
	return SecurityConfig{
		TimestampToleranceS: int(auth.DefaultTimestampTolerance.Seconds()),
		NonceRetentionS:     int(auth.DefaultNonceRetention.Seconds()),
	}
}

// Load reads agent config from file with env var overrides
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("EDGEPULSE_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if id := os.Getenv("EDGEPULSE_CLIENT_ID"); id != "" {
		cfg.Client.ID = id
	}
	if key := os.Getenv("EDGEPULSE_SECRET_KEY"); key != "" {
		cfg.Client.SecretKey = key
	}
	if keyFile := os.Getenv("EDGEPULSE_SECRET_KEY_FILE"); keyFile != "" {
		cfg.Client.SecretKeyFile = keyFile
	}
	if dir := os.Getenv("EDGEPULSE_AGENT_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if level := os.Getenv("EDGEPULSE_AGENT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.Client.SecretKey == "" && cfg.Client.SecretKeyFile == "" {
		if defaultPath := defaultSecretPath(path); defaultPath != "" {
			cfg.Client.SecretKeyFile = defaultPath
		}
	}

	return cfg, nil
}

func readYAML(path string, out any) error {
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

func defaultSecretPath(configPath string) string {
	if configPath == "" {
		return ""
	}
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "secret.key")
}

// SecretKey returns the inline secret or the trimmed contents of the secret file.
func (c *AgentConfig) SecretKey() (string, error) {
	if c.Client.SecretKey != "" {
		return c.Client.SecretKey, nil
	}
	if c.Client.SecretKeyFile == "" {
		return "", ErrMissingSecretKey
	}
	data, err := os.ReadFile(c.Client.SecretKeyFile)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", ErrMissingSecretKey
	}
	return key, nil
}

// NonceDatabase is where the agent keeps used nonces.
func (c *AgentConfig) NonceDatabase() string {
	if c.Storage.Database != "" {
		return c.Storage.Database
	}
	return filepath.Join(c.Storage.DataDir, "nonces.db")
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return &Error{"server URL must be http or https"}
	}
	if c.Client.ID == "" {
		return ErrMissingClientID
	}
	if c.Polling.Interval < 1 {
		return ErrInvalidInterval
	}
	if err := c.Security.validate(); err != nil {
		return err
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Polling.HeartbeatInterval <= 0 {
		c.Polling.HeartbeatInterval = 30
	}
	if c.Execution.DefaultTimeout <= 0 {
		c.Execution.DefaultTimeout = 60
	}
	if c.Execution.MaxOutputBytes <= 0 {
		c.Execution.MaxOutputBytes = 65536
	}
	if c.Execution.Shell == "" {
		c.Execution.Shell = "/bin/sh"
	}
	if c.Shell.Program == "" {
		c.Shell.Program = "/bin/sh"
	}
	if c.Shell.ReconnectDelay <= 0 {
		c.Shell.ReconnectDelay = 5
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

func (s SecurityConfig) validate() error {
	tolerance := s.Tolerance()
	retention := s.Retention()
	if err := auth.CheckWindows(tolerance, retention); err != nil {
		return &Error{err.Error()}
	}
	return nil
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrMissingClientID  = &Error{"client id is required"}
	ErrMissingSecretKey = &Error{"client secret key is required"}
	ErrInvalidInterval  = &Error{"poll interval must be >= 1s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
