// Package config loads the broker's process-wide configuration.
//
// The source of truth is a TOML file whose path is given as argv[1], or a
// base64-encoded TOML blob in the EXHIBIT_CONFIG environment variable when
// no path is given. PORT always overrides service_port when set, matching
// the platform convention of letting the runtime pin the listen port.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully-resolved broker configuration.
type Config struct {
	ServiceAddress            string `mapstructure:"service_address"`
	ServicePort               int    `mapstructure:"service_port"`
	NewPresentationSigningKey string `mapstructure:"new_presentation_signing_key"`

	LogLevel       string `mapstructure:"log_level"`
	MetricsAddress string `mapstructure:"metrics_address"`

	Connection ConnectionConfig `mapstructure:"connection"`
}

// ConnectionConfig tunes per-connection resource limits (§9 "unbounded
// send queues" design note).
type ConnectionConfig struct {
	SendQueueSize int `mapstructure:"send_queue_size"`
}

// Load reads configuration per the precedence described in the package
// doc comment and applies defaults for anything left unset.
func Load(args []string) (*Config, error) {
	// Best-effort: pick up a local .env for developer convenience. Absence
	// of the file is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("config: .env load failed", "error", err)
	}

	v := viper.New()
	v.SetConfigType("toml")

	switch {
	case len(args) > 1 && args[1] != "":
		v.SetConfigFile(args[1])
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", args[1], err)
		}
	case os.Getenv("EXHIBIT_CONFIG") != "":
		blob, err := base64.StdEncoding.DecodeString(os.Getenv("EXHIBIT_CONFIG"))
		if err != nil {
			return nil, fmt.Errorf("config: decoding EXHIBIT_CONFIG: %w", err)
		}
		if err := v.ReadConfig(strings.NewReader(string(blob))); err != nil {
			return nil, fmt.Errorf("config: parsing EXHIBIT_CONFIG: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: no config path given and EXHIBIT_CONFIG is unset")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if cfg.NewPresentationSigningKey == "" {
		return nil, fmt.Errorf("config: new_presentation_signing_key is required")
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.ServicePort = n
		} else {
			slog.Warn("config: ignoring non-numeric PORT override", "port", port)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ServiceAddress == "" {
		c.ServiceAddress = "0.0.0.0"
	}
	if c.ServicePort == 0 {
		c.ServicePort = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Connection.SendQueueSize == 0 {
		c.Connection.SendQueueSize = 256
	}
}

// Addr returns the host:port string to bind.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServiceAddress, c.ServicePort)
}
