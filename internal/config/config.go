package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the system-wide settings coordinator. Precedence is
// file > environment > defaults.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	Counter   *CounterConfig   `json:"counter"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
}

// DatabaseConfig configures the SQLite entity store.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// CounterConfig selects and tunes the capacity counter store. Driver
// "sqlite" shares the entity store database; "postgres" points the gate
// at a shared PostgreSQL instance so horizontally scaled processes
// serialize on the same counter.
type CounterConfig struct {
	Driver            string        `json:"driver"`
	PostgresDSN       string        `json:"postgres_dsn"`
	ReserveTimeout    time.Duration `json:"reserve_timeout"`
	ReconcileInterval time.Duration `json:"reconcile_interval"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// WebSocketConfig configures subscriber connections.
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	SendBuffer   int           `json:"send_buffer"`
}

// SessionConfig carries the lifecycle defaults sessions fall back to when
// they have no per-session override, plus the trigger retry policy.
type SessionConfig struct {
	OpenLeadTime   time.Duration `json:"open_lead_time"`
	EndGracePeriod time.Duration `json:"end_grace_period"`
	LateThreshold  time.Duration `json:"late_threshold"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryBackoff   time.Duration `json:"retry_backoff"`
}

// DefaultConfig returns production defaults: local SQLite, the SQLite
// counter backend, 10 minute open lead, 15 minute end grace, 10 minute
// late threshold.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./gatecheck.db",
			Timeout: 30 * time.Second,
		},
		Counter: &CounterConfig{
			Driver:            "sqlite",
			ReserveTimeout:    2 * time.Second,
			ReconcileInterval: time.Minute,
		},
		HTTP: &HTTPConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   100,
		},
		Session: &SessionConfig{
			OpenLeadTime:   10 * time.Minute,
			EndGracePeriod: 15 * time.Minute,
			LateThreshold:  10 * time.Minute,
			RetryAttempts:  3,
			RetryBackoff:   500 * time.Millisecond,
		},
	}
}

// Validate catches invalid configurations before component initialization.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Counter == nil {
		return fmt.Errorf("counter configuration is required")
	}
	switch c.Counter.Driver {
	case "sqlite":
	case "postgres":
		if c.Counter.PostgresDSN == "" {
			return fmt.Errorf("postgres counter driver requires a DSN")
		}
	default:
		return fmt.Errorf("counter driver must be 'sqlite' or 'postgres'")
	}
	if c.Counter.ReserveTimeout <= 0 {
		return fmt.Errorf("counter reserve timeout must be positive")
	}
	if c.Counter.ReconcileInterval <= 0 {
		return fmt.Errorf("counter reconcile interval must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.OpenLeadTime < 0 || c.Session.EndGracePeriod < 0 || c.Session.LateThreshold < 0 {
		return fmt.Errorf("session timing defaults cannot be negative")
	}
	if c.Session.RetryAttempts <= 0 {
		return fmt.Errorf("session retry attempts must be positive")
	}
	if c.Session.RetryBackoff <= 0 {
		return fmt.Errorf("session retry backoff must be positive")
	}

	return nil
}

// LoadFromEnv returns the defaults overridden by GATECHECK_* environment
// variables. Unparseable values fall back silently to the default.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if path := os.Getenv("GATECHECK_DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if v := os.Getenv("GATECHECK_DATABASE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Database.Timeout = d
		}
	}

	if driver := os.Getenv("GATECHECK_COUNTER_DRIVER"); driver != "" {
		config.Counter.Driver = driver
	}
	if dsn := os.Getenv("GATECHECK_COUNTER_POSTGRES_DSN"); dsn != "" {
		config.Counter.PostgresDSN = dsn
	}
	if v := os.Getenv("GATECHECK_COUNTER_RESERVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Counter.ReserveTimeout = d
		}
	}
	if v := os.Getenv("GATECHECK_COUNTER_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Counter.ReconcileInterval = d
		}
	}

	if host := os.Getenv("GATECHECK_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if v := os.Getenv("GATECHECK_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.HTTP.Port = p
		}
	}
	if v := os.Getenv("GATECHECK_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("GATECHECK_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HTTP.WriteTimeout = d
		}
	}
	if v := os.Getenv("GATECHECK_HTTP_ALLOWED_ORIGINS"); v != "" {
		config.HTTP.AllowedOrigins = strings.Split(v, ",")
	}

	if v := os.Getenv("GATECHECK_WEBSOCKET_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WebSocket.PingInterval = d
		}
	}
	if v := os.Getenv("GATECHECK_WEBSOCKET_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WebSocket.ReadTimeout = d
		}
	}
	if v := os.Getenv("GATECHECK_WEBSOCKET_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WebSocket.WriteTimeout = d
		}
	}
	if v := os.Getenv("GATECHECK_WEBSOCKET_SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.WebSocket.SendBuffer = n
		}
	}

	if v := os.Getenv("GATECHECK_SESSION_OPEN_LEAD_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Session.OpenLeadTime = d
		}
	}
	if v := os.Getenv("GATECHECK_SESSION_END_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Session.EndGracePeriod = d
		}
	}
	if v := os.Getenv("GATECHECK_SESSION_LATE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Session.LateThreshold = d
		}
	}

	return config
}

// ConfigFile mirrors Config with string durations for JSON parsing.
type ConfigFile struct {
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	Counter *struct {
		Driver            string `json:"driver"`
		PostgresDSN       string `json:"postgres_dsn"`
		ReserveTimeout    string `json:"reserve_timeout"`
		ReconcileInterval string `json:"reconcile_interval"`
	} `json:"counter"`
	HTTP *struct {
		Host           string   `json:"host"`
		Port           int      `json:"port"`
		ReadTimeout    string   `json:"read_timeout"`
		WriteTimeout   string   `json:"write_timeout"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		SendBuffer   int    `json:"send_buffer"`
	} `json:"websocket"`
	Session *struct {
		OpenLeadTime   string `json:"open_lead_time"`
		EndGracePeriod string `json:"end_grace_period"`
		LateThreshold  string `json:"late_threshold"`
		RetryAttempts  int    `json:"retry_attempts"`
		RetryBackoff   string `json:"retry_backoff"`
	} `json:"session"`
}

// LoadFromFile loads a JSON configuration file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := DefaultConfig()

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		setDuration(&config.Database.Timeout, file.Database.Timeout)
	}
	if file.Counter != nil {
		if file.Counter.Driver != "" {
			config.Counter.Driver = file.Counter.Driver
		}
		if file.Counter.PostgresDSN != "" {
			config.Counter.PostgresDSN = file.Counter.PostgresDSN
		}
		setDuration(&config.Counter.ReserveTimeout, file.Counter.ReserveTimeout)
		setDuration(&config.Counter.ReconcileInterval, file.Counter.ReconcileInterval)
	}
	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if len(file.HTTP.AllowedOrigins) > 0 {
			config.HTTP.AllowedOrigins = file.HTTP.AllowedOrigins
		}
		setDuration(&config.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		setDuration(&config.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		if file.WebSocket.SendBuffer > 0 {
			config.WebSocket.SendBuffer = file.WebSocket.SendBuffer
		}
		setDuration(&config.WebSocket.PingInterval, file.WebSocket.PingInterval)
		setDuration(&config.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		setDuration(&config.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
	}
	if file.Session != nil {
		if file.Session.RetryAttempts > 0 {
			config.Session.RetryAttempts = file.Session.RetryAttempts
		}
		setDuration(&config.Session.OpenLeadTime, file.Session.OpenLeadTime)
		setDuration(&config.Session.EndGracePeriod, file.Session.EndGracePeriod)
		setDuration(&config.Session.LateThreshold, file.Session.LateThreshold)
		setDuration(&config.Session.RetryBackoff, file.Session.RetryBackoff)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadWithPrecedence loads configuration as file > environment > defaults.
// A missing or unreadable file degrades to environment and defaults.
func LoadWithPrecedence(path string) *Config {
	config := LoadFromEnv()

	if path != "" {
		if fileConfig, err := LoadFromFile(path); err == nil {
			config = fileConfig
		}
	}

	return config
}

func setDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}
