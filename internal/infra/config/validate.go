package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateAPI(cfg, ve)
	validateAuth(cfg, ve)
	validateMaintenance(cfg, ve)
	validateDiscovery(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
}

func validateAPI(cfg *Config, ve *ValidationError) {
	if cfg.API.Addr == "" {
		ve.Add("api.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.API.Addr); err != nil {
		ve.Add("api.addr %q is not a valid host:port", cfg.API.Addr)
	}
	if cfg.API.Addr != "" && cfg.API.Addr == cfg.Gateway.Addr {
		ve.Add("api.addr and gateway.addr must differ")
	}
	if cfg.API.RequestTimeout <= 0 {
		ve.Add("api.request_timeout must be > 0")
	}
	if cfg.API.MaxRequestTimeout < cfg.API.RequestTimeout {
		ve.Add("api.max_request_timeout must be >= api.request_timeout")
	}
	if cfg.API.MaxBodyBytes <= 0 {
		ve.Add("api.max_body_bytes must be > 0")
	}
	if cfg.API.RateLimit.Enabled {
		if cfg.API.RateLimit.RPS <= 0 {
			ve.Add("api.rate_limit.rps must be > 0 when rate limiting is enabled")
		}
		if cfg.API.RateLimit.Burst <= 0 {
			ve.Add("api.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	if cfg.API.Breaker.Enabled {
		if cfg.API.Breaker.MaxFailures == 0 {
			ve.Add("api.breaker.max_failures must be > 0 when the breaker is enabled")
		}
		if cfg.API.Breaker.Timeout <= 0 {
			ve.Add("api.breaker.timeout must be > 0 when the breaker is enabled")
		}
	}
}

func validateAuth(cfg *Config, ve *ValidationError) {
	if !cfg.Auth.Keystore.Enabled && !cfg.Auth.ClientIDs.Enabled {
		ve.Add("auth: at least one credential scheme must be enabled")
	}
	if cfg.Auth.Keystore.Enabled && cfg.Auth.Keystore.Path == "" {
		ve.Add("auth.keystore.path is required when the keystore is enabled")
	}
	if cfg.Auth.ClientIDs.Enabled {
		if cfg.Auth.ClientIDs.MinLength < 1 {
			ve.Add("auth.client_ids.min_length must be >= 1")
		}
		if cfg.Auth.ClientIDs.MaxLength < cfg.Auth.ClientIDs.MinLength {
			ve.Add("auth.client_ids.max_length must be >= min_length")
		}
	}
}

func validateMaintenance(cfg *Config, ve *ValidationError) {
	if cfg.Maintenance.SweepInterval == "" {
		ve.Add("maintenance.sweep_interval is required")
	}
	if cfg.Maintenance.PendingMaxAge <= 0 {
		ve.Add("maintenance.pending_max_age must be > 0")
	}
	// A pending request must outlive the longest caller wait, otherwise the
	// sweeper expires requests the caller is still entitled to.
	if cfg.Maintenance.PendingMaxAge < cfg.API.MaxRequestTimeout {
		ve.Add("maintenance.pending_max_age must be >= api.max_request_timeout")
	}
	if cfg.Maintenance.IdleCheckInterval == "" {
		ve.Add("maintenance.idle_check_interval is required")
	}
	if cfg.Maintenance.IdleAfter <= 0 {
		ve.Add("maintenance.idle_after must be > 0")
	}
	if cfg.Maintenance.KeyPurgeSchedule == "" {
		ve.Add("maintenance.key_purge_schedule is required")
	}
	if cfg.Maintenance.KeyPurgeAge <= 0 {
		ve.Add("maintenance.key_purge_age must be > 0")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if cfg.Discovery.MDNS && cfg.Discovery.Instance == "" {
		ve.Add("discovery.instance is required when mdns is enabled")
	}
}
