package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MQTT    MQTTConfig    `json:"mqtt"`
	Bridge  BridgeConfig  `json:"bridge"`
	Logging LogConfig     `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
}

type MQTTConfig struct {
	Broker   string `json:"broker"`
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Password string `json:"password"`
	TLS      struct {
		Enable   bool   `json:"enable"`
		CertFile string `json:"certFile"`
		KeyFile  string `json:"keyFile"`
		CAFile   string `json:"caFile"`
	} `json:"tls"`
}

// BridgeConfig describes one bridge instance: its identity, topic namespace,
// delivery defaults and the timing knobs of the poll loop and correlator.
type BridgeConfig struct {
	InstanceID     string `json:"instanceId"`
	BaseTopic      string `json:"baseTopic"`
	Version        string `json:"version"`
	QoS            int    `json:"qos"`
	RetainState    bool   `json:"retainState"`
	DeviceRegistry string `json:"deviceRegistry"` // path to the YAML device registry

	UpdateInterval       string `json:"updateInterval"`       // poll tick, duration string
	StalenessWindow      string `json:"stalenessWindow"`      // max inbound message age
	MaxConsecutiveErrors int    `json:"maxConsecutiveErrors"` // poll-loop circuit breaker

	CorrelationTTL  string `json:"correlationTTL"`  // default pending-command TTL
	SweepInterval   string `json:"sweepInterval"`   // pending-command sweep period
	ConnectRetry    string `json:"connectRetry"`    // delay between connect attempts
	MaxConnectRetry int    `json:"maxConnectRetry"` // 0 = retry forever
}

type LogConfig struct {
	Level       string `json:"level"` // debug, info, warn, error
	LogToFile   bool   `json:"logToFile"`
	LogToStdout bool   `json:"logToStdout"`
	Directory   string `json:"directory"`
	MaxSize     int    `json:"maxSize"` // megabytes
	MaxAge      int    `json:"maxAge"`  // days
	MaxBackups  int    `json:"maxBackups"`
	Compress    bool   `json:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled"`
	Address        string `json:"address"`
	Path           string `json:"path"`
	UpdateInterval string `json:"updateInterval"` // Duration string
}

// Load reads and parses the configuration file. Broker credentials may be
// supplied or overridden through the environment (optionally via a .env file)
// so they can stay out of the config file on shared hosts.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	// Validate the configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyDefaults(config *Config) {
	// Set defaults for the bridge
	if config.Bridge.BaseTopic == "" {
		config.Bridge.BaseTopic = "bridge"
	}
	if config.Bridge.Version == "" {
		config.Bridge.Version = "v1"
	}
	if config.Bridge.DeviceRegistry == "" {
		config.Bridge.DeviceRegistry = "devices.yaml"
	}
	if config.Bridge.UpdateInterval == "" {
		config.Bridge.UpdateInterval = "10s"
	}
	if config.Bridge.StalenessWindow == "" {
		config.Bridge.StalenessWindow = "30s"
	}
	if config.Bridge.MaxConsecutiveErrors <= 0 {
		config.Bridge.MaxConsecutiveErrors = 5
	}
	if config.Bridge.CorrelationTTL == "" {
		config.Bridge.CorrelationTTL = "60s"
	}
	if config.Bridge.SweepInterval == "" {
		config.Bridge.SweepInterval = "60s"
	}
	if config.Bridge.ConnectRetry == "" {
		config.Bridge.ConnectRetry = "5s"
	}

	// Set defaults for logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if !config.Logging.LogToFile && !config.Logging.LogToStdout {
		config.Logging.LogToStdout = true
	}

	// Set defaults for metrics
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":2112"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.UpdateInterval == "" {
		config.Metrics.UpdateInterval = "15s"
	}
}

// applyEnvOverrides overlays broker settings from the environment. A missing
// .env file is not an error; plain environment variables still apply.
func applyEnvOverrides(config *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("MQTT_BROKER"); v != "" {
		config.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		config.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		config.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		config.MQTT.Password = v
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate MQTT config
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker address is required")
	}

	// Validate TLS config if enabled
	if cfg.MQTT.TLS.Enable {
		if cfg.MQTT.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.CAFile == "" {
			return fmt.Errorf("tls ca file is required when tls is enabled")
		}
	}

	// Validate bridge config
	if cfg.Bridge.InstanceID == "" {
		return fmt.Errorf("bridge instance id is required")
	}
	if cfg.Bridge.QoS < 0 || cfg.Bridge.QoS > 2 {
		return fmt.Errorf("invalid qos level: %d", cfg.Bridge.QoS)
	}
	for name, value := range map[string]string{
		"updateInterval":  cfg.Bridge.UpdateInterval,
		"stalenessWindow": cfg.Bridge.StalenessWindow,
		"correlationTTL":  cfg.Bridge.CorrelationTTL,
		"sweepInterval":   cfg.Bridge.SweepInterval,
		"connectRetry":    cfg.Bridge.ConnectRetry,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if cfg.Bridge.MaxConnectRetry < 0 {
		return fmt.Errorf("maxConnectRetry must not be negative")
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}
	if cfg.Logging.LogToFile && cfg.Logging.Directory == "" {
		return fmt.Errorf("log directory is required when logging to file")
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(devicesPath, metricsAddr, metricsPath string) {
	if devicesPath != "" {
		c.Bridge.DeviceRegistry = devicesPath
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
}

// Duration accessors. Values are validated at load time, so parse errors here
// fall back to the documented defaults rather than surfacing again.

func (b *BridgeConfig) UpdateIntervalDuration() time.Duration {
	return parseDurationOr(b.UpdateInterval, 10*time.Second)
}

func (b *BridgeConfig) StalenessWindowDuration() time.Duration {
	return parseDurationOr(b.StalenessWindow, 30*time.Second)
}

func (b *BridgeConfig) CorrelationTTLDuration() time.Duration {
	return parseDurationOr(b.CorrelationTTL, 60*time.Second)
}

func (b *BridgeConfig) SweepIntervalDuration() time.Duration {
	return parseDurationOr(b.SweepInterval, 60*time.Second)
}

func (b *BridgeConfig) ConnectRetryDuration() time.Duration {
	return parseDurationOr(b.ConnectRetry, 5*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
