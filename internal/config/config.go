// Package config loads the daemon configuration from YAML with environment
// overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Pairs    []string `yaml:"pairs"`
	MaxPairs int      `yaml:"max_pairs"`

	Stream     StreamConfig     `yaml:"stream"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Timeseries TimeseriesConfig `yaml:"timeseries"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

type StreamConfig struct {
	UpdateInterval          string `yaml:"update_interval"`
	ReconnectDelayMs        int    `yaml:"reconnect_delay_ms"`
	PingIntervalMs          int    `yaml:"ping_interval_ms"`
	MaxConnectionsPerMinute int    `yaml:"max_connections_per_minute"`
	SpotWSBase              string `yaml:"spot_ws_base"`
	FuturesWSBase           string `yaml:"futures_ws_base"`
}

type ExchangeConfig struct {
	SpotRESTBase    string `yaml:"spot_rest_base"`
	FuturesRESTBase string `yaml:"futures_rest_base"`
	WeightPerMinute int    `yaml:"weight_per_minute"`
	TimeoutMs       int    `yaml:"timeout_ms"`
}

type MetricsConfig struct {
	DebounceMs             int `yaml:"debounce_ms"`
	CoreSaveIntervalMs     int `yaml:"core_save_interval_ms"`
	AdvancedSaveIntervalMs int `yaml:"advanced_save_interval_ms"`
}

type TimeseriesConfig struct {
	Backend       string `yaml:"backend"` // redis, postgres, memory
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

type SupervisorConfig struct {
	TickIntervalMs   int `yaml:"tick_interval_ms"`
	MaxSymbolRetries int `yaml:"max_symbol_retries"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the production defaults. A zero-value YAML file yields
// exactly this configuration.
func Default() Config {
	return Config{
		Pairs:    nil,
		MaxPairs: 30,
		Stream: StreamConfig{
			UpdateInterval:          "1000ms",
			ReconnectDelayMs:        5000,
			PingIntervalMs:          30000,
			MaxConnectionsPerMinute: 50,
			SpotWSBase:              "wss://stream.binance.com:9443",
			FuturesWSBase:           "wss://fstream.binance.com",
		},
		Exchange: ExchangeConfig{
			SpotRESTBase:    "https://api.binance.com",
			FuturesRESTBase: "https://fapi.binance.com",
			WeightPerMinute: 6000,
			TimeoutMs:       12000,
		},
		Metrics: MetricsConfig{
			DebounceMs:             100,
			CoreSaveIntervalMs:     30000,
			AdvancedSaveIntervalMs: 30000,
		},
		Timeseries: TimeseriesConfig{
			Backend: "memory",
		},
		Supervisor: SupervisorConfig{
			TickIntervalMs:   15000,
			MaxSymbolRetries: 10,
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path, layered over defaults. An empty path
// returns defaults. Environment overrides apply last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DEPTHWATCH_PAIRS"); v != "" {
		c.Pairs = splitList(v)
	}
	if v := os.Getenv("DEPTHWATCH_REDIS_ADDR"); v != "" {
		c.Timeseries.RedisAddr = v
		if c.Timeseries.Backend == "memory" {
			c.Timeseries.Backend = "redis"
		}
	}
	if v := os.Getenv("DEPTHWATCH_REDIS_PASSWORD"); v != "" {
		c.Timeseries.RedisPassword = v
	}
	if v := os.Getenv("DEPTHWATCH_POSTGRES_DSN"); v != "" {
		c.Timeseries.PostgresDSN = v
		c.Timeseries.Backend = "postgres"
	}
	if v := os.Getenv("DEPTHWATCH_HTTP_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("DEPTHWATCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DEPTHWATCH_MAX_PAIRS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxPairs = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) normalize() {
	for i, p := range c.Pairs {
		c.Pairs[i] = strings.ToUpper(strings.TrimSpace(p))
	}
	if c.MaxPairs <= 0 {
		c.MaxPairs = 30
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Stream.UpdateInterval {
	case "100ms", "500ms", "1000ms", "":
	default:
		return fmt.Errorf("config: unknown update_interval %q", c.Stream.UpdateInterval)
	}
	switch c.Timeseries.Backend {
	case "memory", "redis", "postgres", "":
	default:
		return fmt.Errorf("config: unknown timeseries backend %q", c.Timeseries.Backend)
	}
	if c.Timeseries.Backend == "redis" && c.Timeseries.RedisAddr == "" {
		return fmt.Errorf("config: redis backend selected without redis_addr")
	}
	if c.Timeseries.Backend == "postgres" && c.Timeseries.PostgresDSN == "" {
		return fmt.Errorf("config: postgres backend selected without postgres_dsn")
	}
	if c.Stream.MaxConnectionsPerMinute < 0 {
		return fmt.Errorf("config: max_connections_per_minute must be positive")
	}
	return nil
}

// Durations derived from the millisecond fields.

func (c StreamConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c StreamConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

func (c ExchangeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c MetricsConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c MetricsConfig) CoreSaveInterval() time.Duration {
	return time.Duration(c.CoreSaveIntervalMs) * time.Millisecond
}

func (c MetricsConfig) AdvancedSaveInterval() time.Duration {
	return time.Duration(c.AdvancedSaveIntervalMs) * time.Millisecond
}

func (c SupervisorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}
