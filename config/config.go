// Package config loads and validates the dispatch daemon's JSON
// configuration file.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

type SMTPConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	ConnectionTimeout int    `json:"connection_timeout_seconds"`
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

type HTTPConfig struct {
	IntakePort int `json:"intake_port"`
	StatusPort int `json:"status_port"`
}

type AppConfig struct {
	SMTP    SMTPConfig    `json:"smtp"`
	HTTP    HTTPConfig    `json:"http"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`

	// StorePath is the bbolt database file the dispatch service persists
	// requests and queue rows to.
	StorePath string `json:"store_path"`
	// DirectoryPath is the JSON file describing the static party/group
	// directory resolved during expansion and delivery.
	DirectoryPath string `json:"directory_path"`
	// DispatchCron is the cron expression the scheduler hook registers
	// the periodic ProcessQueue run under.
	DispatchCron string `json:"dispatch_cron"`
	// DefaultMaxRetries seeds types.Request.MaxRetries when a submitted
	// request omits it.
	DefaultMaxRetries int `json:"default_max_retries"`
}

// LoadConfig reads JSON config from disk and returns a parsed AppConfig.
// It never terminates the process; callers should handle returned errors.
func LoadConfig(path string) (*AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %q", path)
	}
	defer file.Close()

	var cfg AppConfig
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config JSON")
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

func (c *AppConfig) setDefaults() {
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}
	if c.SMTP.ConnectionTimeout == 0 {
		c.SMTP.ConnectionTimeout = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 8090
	}
	if c.HTTP.IntakePort == 0 {
		c.HTTP.IntakePort = 8080
	}
	if c.HTTP.StatusPort == 0 {
		c.HTTP.StatusPort = 8081
	}
	if c.StorePath == "" {
		c.StorePath = "notifydispatch.db"
	}
	if c.DispatchCron == "" {
		c.DispatchCron = "@every 30s"
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
}

func (c *AppConfig) validate() error {
	if c.SMTP.Host == "" {
		return errors.New("smtp.host is required")
	}
	if c.DirectoryPath == "" {
		return errors.New("directory_path is required")
	}
	if c.DefaultMaxRetries < 0 || c.DefaultMaxRetries > 10 {
		return errors.New("default_max_retries must be between 0 and 10")
	}
	if c.HTTP.IntakePort == c.HTTP.StatusPort {
		return errors.New("http.intake_port and http.status_port must differ")
	}
	return nil
}
