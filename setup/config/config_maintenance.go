package config

import (
	"fmt"
	"regexp"
	"time"
)

// Maintenance configures the coordination subsystem itself: job termination
// grace period, bounded retry behaviour for collaborator stores, admin
// endpoint rate limiting and any custom classifier rules.
type Maintenance struct {
	// GracePeriodSeconds is the hard timeout for graceful job cancellation
	// during emergency activation. Jobs still running after this are
	// force-terminated.
	GracePeriodSeconds int64 `yaml:"grace_period_seconds"`

	// StoreRetryAttempts bounds retries against the session store and the
	// durable status store. There is no unbounded retry anywhere in this
	// subsystem.
	StoreRetryAttempts int `yaml:"store_retry_attempts"`

	// StoreRetryBackoffMS is the initial backoff between retry attempts. It
	// doubles on each attempt.
	StoreRetryBackoffMS int64 `yaml:"store_retry_backoff_ms"`

	// AdminIdentities lists the identities the built-in resolver treats as
	// admins. Ignored when the embedding platform supplies its own resolver.
	AdminIdentities []string `yaml:"admin_identities"`

	// RateLimiting applies to the admin transition endpoints only.
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// CustomOperations extends the classifier ruleset. Rules are evaluated in
	// order; a rule with a position is inserted there, otherwise it is
	// appended with the lowest priority.
	CustomOperations []CustomOperationRule `yaml:"custom_operations"`
}

// CustomOperationRule declares one pattern-defined operation type.
type CustomOperationRule struct {
	Name    string   `yaml:"name"`
	Pattern string   `yaml:"pattern"`
	Methods []string `yaml:"methods"`
	Type    string   `yaml:"type"`
	// Position optionally inserts the rule at the given priority slot.
	Position *int `yaml:"position"`
}

func (m *Maintenance) Defaults() {
	m.GracePeriodSeconds = 30
	m.StoreRetryAttempts = 3
	m.StoreRetryBackoffMS = 250
	m.RateLimiting.Defaults()
}

func (m *Maintenance) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "maintenance.grace_period_seconds", m.GracePeriodSeconds)
	checkPositive(configErrs, "maintenance.store_retry_attempts", int64(m.StoreRetryAttempts))
	checkPositive(configErrs, "maintenance.store_retry_backoff_ms", m.StoreRetryBackoffMS)
	m.RateLimiting.Verify(configErrs)
	for i, rule := range m.CustomOperations {
		if rule.Type == "" {
			configErrs.Add(fmt.Sprintf("maintenance.custom_operations[%d]: missing operation type", i))
		}
		if rule.Type == "admin_operations" {
			configErrs.Add(fmt.Sprintf("maintenance.custom_operations[%d]: admin_operations cannot be redefined", i))
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			configErrs.Add(fmt.Sprintf("maintenance.custom_operations[%d]: invalid pattern: %s", i, err))
		}
	}
}

// GracePeriod returns the configured grace period as a duration.
func (m *Maintenance) GracePeriod() time.Duration {
	return time.Duration(m.GracePeriodSeconds) * time.Second
}

// StoreRetryBackoff returns the configured initial backoff as a duration.
func (m *Maintenance) StoreRetryBackoff() time.Duration {
	return time.Duration(m.StoreRetryBackoffMS) * time.Millisecond
}

// RateLimiting configures the token-bucket limiter guarding the admin
// transition endpoints.
type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a caller can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of caller identities that are exempt from rate limiting, i.e.
	// automation that drives maintenance windows.
	ExemptIdentities []string `yaml:"exempt_identities"`
}

func (r *RateLimiting) Defaults() {
	// Default to disabled: emergency activation must never be refused because
	// an operator retried too eagerly.
	r.Enabled = false
	r.Threshold = 5
	r.CooloffMS = 500
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if r.Enabled {
		if r.Threshold <= 0 || r.CooloffMS <= 0 {
			configErrs.Add(
				"maintenance.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
					"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
			)
		} else {
			checkPositive(configErrs, "maintenance.rate_limiting.threshold", r.Threshold)
			checkPositive(configErrs, "maintenance.rate_limiting.cooloff_ms", r.CooloffMS)
		}
	}
}
