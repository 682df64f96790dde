// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Caretaker is the root configuration.
type Caretaker struct {
	Server      Server          `yaml:"server"`
	Maintenance Maintenance     `yaml:"maintenance"`
	Database    DatabaseOptions `yaml:"database"`
	NATS        NATS            `yaml:"nats"`
	Sentry      Sentry          `yaml:"sentry"`
	Logging     Logging         `yaml:"logging"`
}

func (c *Caretaker) Defaults() {
	c.Server.Defaults()
	c.Maintenance.Defaults()
	c.Database.Defaults()
	c.Logging.Defaults()
}

func (c *Caretaker) Verify(configErrs *ConfigErrors) {
	c.Server.Verify(configErrs)
	c.Maintenance.Verify(configErrs)
	c.Database.Verify(configErrs)
	c.NATS.Verify(configErrs)
	c.Logging.Verify(configErrs)
}

// Load reads, parses and verifies the YAML config at the given path. Missing
// keys take their defaults.
func Load(path string) (*Caretaker, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Caretaker
	cfg.Defaults()
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &cfg, nil
}

// ConfigErrors collects verification failures so a broken config reports
// every problem at once instead of one per restart.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// Server configures the HTTP listener for the status and admin surfaces.
type Server struct {
	// ListenAddress is the host:port the HTTP server binds.
	ListenAddress string `yaml:"listen_address"`
	// AdminBasicAuth guards the admin endpoints in addition to the identity
	// resolver's admin check. Both username and password must be set for the
	// guard to be active.
	AdminBasicAuth BasicAuth `yaml:"admin_basic_auth"`
	// EnableMetrics exposes request duration metrics for every handler.
	EnableMetrics bool `yaml:"enable_metrics"`
}

type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (s *Server) Defaults() {
	s.ListenAddress = "localhost:8448"
	s.EnableMetrics = true
}

func (s *Server) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "server.listen_address", s.ListenAddress)
}

// DatabaseOptions configures the durable store used to persist the
// maintenance status record and the emergency event journal.
type DatabaseOptions struct {
	// ConnectionString is either a file:... SQLite URI or a postgres:// URI.
	ConnectionString   string `yaml:"connection_string"`
	MaxOpenConnections int    `yaml:"max_open_conns"`
}

func (d *DatabaseOptions) Defaults() {
	d.ConnectionString = "file:caretaker.db"
	d.MaxOpenConnections = 10
}

func (d *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "database.connection_string", d.ConnectionString)
}

// NATS configures the fire-and-forget notification dispatcher. Leaving the
// address empty disables publishing entirely.
type NATS struct {
	Address string `yaml:"address"`
	// TopicPrefix prefixes the mode-change and emergency subjects.
	TopicPrefix string `yaml:"topic_prefix"`
}

func (n *NATS) Verify(configErrs *ConfigErrors) {
	if n.Address != "" && n.TopicPrefix == "" {
		n.TopicPrefix = "caretaker"
	}
}

// Sentry configures crash and corruption alerting.
type Sentry struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Logging configures the logrus root logger.
type Logging struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`
}

func (l *Logging) Defaults() {
	l.Level = "info"
}

func (l *Logging) Verify(configErrs *ConfigErrors) {
	switch l.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.level", l.Level))
	}
}
