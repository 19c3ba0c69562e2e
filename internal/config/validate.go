package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Quota
	switch c.Quota.FailPolicy {
	case "open", "closed":
	default:
		errs = append(errs, fmt.Sprintf("QUOTA_FAIL_POLICY must be open or closed, got %q", c.Quota.FailPolicy))
	}
	switch c.Quota.LedgerBackend {
	case "postgres", "redis":
	default:
		errs = append(errs, fmt.Sprintf("LEDGER_BACKEND must be postgres or redis, got %q", c.Quota.LedgerBackend))
	}
	if c.Quota.LimitsTTL <= 0 {
		errs = append(errs, "QUOTA_LIMITS_TTL must be positive")
	}
	if c.DB.StatementTimeout <= 0 {
		errs = append(errs, "DB_STATEMENT_TIMEOUT must be positive")
	}
	if c.Redis.Timeout <= 0 {
		errs = append(errs, "REDIS_TIMEOUT must be positive")
	}
	for tier, features := range c.Quota.Defaults {
		for feature, limit := range features {
			if limit < 0 {
				errs = append(errs, fmt.Sprintf("QUOTA_%s_%s must not be negative", strings.ToUpper(tier), strings.ToUpper(feature)))
			}
		}
	}

	// Rate limit classes
	for class, rule := range c.RateLimit.Rules {
		if rule.Max < 1 {
			errs = append(errs, fmt.Sprintf("RATELIMIT_%s_MAX must be at least 1", strings.ToUpper(class)))
		}
		if rule.Window <= 0 {
			errs = append(errs, fmt.Sprintf("RATELIMIT_%s_WINDOW must be positive", strings.ToUpper(class)))
		}
	}
	if c.RateLimit.IPv6Prefix < 1 || c.RateLimit.IPv6Prefix > 128 {
		errs = append(errs, fmt.Sprintf("RATELIMIT_IPV6_PREFIX must be 1–128, got %d", c.RateLimit.IPv6Prefix))
	}

	// Metering key: warn only
	if c.Server.MeteringKey == "" {
		slog.Warn("METERING_KEY is empty, usage reporting endpoint is disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
