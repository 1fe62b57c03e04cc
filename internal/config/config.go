// Package config loads the immutable service configuration: listen port,
// poll timing, and the four health-source endpoints. Configuration is read
// once at process start and never mutated at runtime.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config is the full runtime configuration. Fields map 1:1 to the JSON
// config file; zero values are filled from defaults before validation.
type Config struct {
	Port             int    `json:"port" validate:"min=1,max=65535"`
	PollIntervalMS   int    `json:"poll_interval_ms" validate:"min=100"`
	RequestTimeoutMS int    `json:"request_timeout_ms" validate:"min=100"`
	BrokerStatusURL  string `json:"broker_status_url" validate:"required,url"`
	ClientStatusURL  string `json:"client_status_url" validate:"required,url"`
	SystemHealthURL  string `json:"system_health_url" validate:"required,url"`
	TCPCheckURL      string `json:"tcp_check_url" validate:"required,url"`
	LogFile          string `json:"log_file"`
	VerboseHTTP      bool   `json:"verbose_http"`
}

// Default returns the configuration used when no config file is present.
// The source URLs point at the health service's four read endpoints.
func Default() *Config {
	return &Config{
		Port:             8080,
		PollIntervalMS:   2000,
		RequestTimeoutMS: 1500,
		BrokerStatusURL:  "http://localhost:5000/brokers",
		ClientStatusURL:  "http://localhost:5000/clients",
		SystemHealthURL:  "http://localhost:5000/health",
		TCPCheckURL:      "http://localhost:5000/tcp-check",
	}
}

// Load reads the config file at path, overlays it on the defaults, and
// validates the result. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// First run: defaults apply.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// PollInterval returns the interval between poll cycles.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RequestTimeout returns the per-request timeout for each source fetch.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}
