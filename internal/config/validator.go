package config

import (
	"fmt"
	"net/url"
	"strings"

	"convsync/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateSettings(cfg.Settings, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateAnalytics(cfg.Analytics); err != nil {
		errors = append(errors, err)
	}

	if err := validatePipeline(cfg.Pipeline); err != nil {
		errors = append(errors, err)
	}

	if err := validateDispatch(cfg.Dispatch, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "database.redis.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateSettings(cfg SettingsConfig, db DatabaseConfig) error {
	switch cfg.Backend {
	case constants.SettingsBackendPostgres:
		if db.Postgres.Host == "" {
			return &ValidationError{
				Field:   "settings.backend",
				Message: "postgres settings backend requires database.postgres",
			}
		}
		if cfg.Table == "" {
			return &ValidationError{
				Field:   "settings.table",
				Message: "settings table name is required",
			}
		}
	case constants.SettingsBackendMongoDB:
		if db.MongoDB.URI == "" {
			return &ValidationError{
				Field:   "settings.backend",
				Message: "mongodb settings backend requires database.mongodb",
			}
		}
	case constants.SettingsBackendFile:
		for siteID := range cfg.Sites {
			if !isPositiveInt(siteID) {
				return &ValidationError{
					Field:   "settings.sites",
					Message: fmt.Sprintf("site key %q must be a positive integer", siteID),
				}
			}
		}
	default:
		return &ValidationError{
			Field:   "settings.backend",
			Message: fmt.Sprintf("unknown settings backend: %s (supported: postgres, mongodb, file)", cfg.Backend),
		}
	}

	return nil
}

func validateAnalytics(cfg AnalyticsConfig) error {
	if cfg.BaseURL == "" {
		return &ValidationError{
			Field:   "analytics.base_url",
			Message: "analytics API base URL is required",
		}
	}

	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{
			Field:   "analytics.base_url",
			Message: fmt.Sprintf("invalid URL: %s", cfg.BaseURL),
		}
	}

	if cfg.PageSize < 1 || cfg.PageSize > constants.DefaultPageSize {
		return &ValidationError{
			Field:   "analytics.page_size",
			Message: fmt.Sprintf("page size must be between 1 and %d, got %d", constants.DefaultPageSize, cfg.PageSize),
		}
	}

	if cfg.MaxRecords < cfg.PageSize {
		return &ValidationError{
			Field:   "analytics.max_records",
			Message: "max_records must be greater than or equal to page_size",
		}
	}

	if cfg.Timeout <= 0 {
		return &ValidationError{
			Field:   "analytics.timeout",
			Message: "timeout must be positive",
		}
	}

	return validateRetry("analytics.retry", cfg.Retry)
}

func validatePipeline(cfg PipelineConfig) error {
	if cfg.MaxExecutionTime <= 0 {
		return &ValidationError{
			Field:   "pipeline.max_execution_time",
			Message: "max execution time must be positive",
		}
	}

	validAlgorithms := map[string]bool{
		"md5": true, "sha256": true, "sha1": true,
	}
	if !validAlgorithms[strings.ToLower(cfg.HashAlgorithm)] {
		return &ValidationError{
			Field:   "pipeline.hash_algorithm",
			Message: fmt.Sprintf("invalid hash algorithm: %s (valid: md5, sha256, sha1)", cfg.HashAlgorithm),
		}
	}

	if cfg.ScheduleInterval < 0 {
		return &ValidationError{
			Field:   "pipeline.schedule_interval",
			Message: "schedule interval must be non-negative",
		}
	}

	for i, id := range cfg.Sites {
		if id < 1 {
			return &ValidationError{
				Field:   fmt.Sprintf("pipeline.sites[%d]", i),
				Message: "site ids must be positive",
			}
		}
	}

	return nil
}

func validateDispatch(cfg DispatchConfig, db DatabaseConfig) error {
	if cfg.Timeout <= 0 {
		return &ValidationError{
			Field:   "dispatch.timeout",
			Message: "timeout must be positive",
		}
	}

	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		return &ValidationError{
			Field:   "dispatch.rate_limit",
			Message: "rps and burst must be non-negative",
		}
	}

	if cfg.Ledger.Enabled && db.Redis.Host == "" {
		return &ValidationError{
			Field:   "dispatch.ledger.enabled",
			Message: "the sent-event ledger requires database.redis",
		}
	}

	endpoints := map[string]string{
		"dispatch.endpoints.meta_base_url":       cfg.Endpoints.MetaBaseURL,
		"dispatch.endpoints.google_ads_base_url": cfg.Endpoints.GoogleAdsBaseURL,
		"dispatch.endpoints.google_oauth_url":    cfg.Endpoints.GoogleOAuthURL,
		"dispatch.endpoints.linkedin_base_url":   cfg.Endpoints.LinkedInBaseURL,
	}
	for field, value := range endpoints {
		if u, err := url.Parse(value); err != nil || u.Scheme == "" || u.Host == "" {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid URL: %q", value),
			}
		}
	}

	return validateRetry("dispatch.retry", cfg.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   prefix + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 || cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   prefix + ".initial_interval",
			Message: "intervals must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   prefix + ".multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func isPositiveInt(s string) bool {
	if s == "" || s[0] == '0' {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
