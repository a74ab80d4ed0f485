package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"convsync/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", "10s")
	viper.SetDefault("server.write_timeout_seconds", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("settings.backend", constants.SettingsBackendFile)
	viper.SetDefault("settings.table", constants.DefaultSettingsTable)
	viper.SetDefault("settings.collection", constants.DefaultSettingsCollection)

	viper.SetDefault("analytics.page_size", constants.DefaultPageSize)
	viper.SetDefault("analytics.max_records", constants.DefaultMaxRecords)
	viper.SetDefault("analytics.timeout", constants.DefaultAnalyticsTimeout)
	viper.SetDefault("analytics.retry.max_attempts", 3)
	viper.SetDefault("analytics.retry.initial_interval", "1s")
	viper.SetDefault("analytics.retry.max_interval", "10s")
	viper.SetDefault("analytics.retry.multiplier", 2.0)

	viper.SetDefault("pipeline.max_execution_time", constants.DefaultMaxExecutionTime)
	viper.SetDefault("pipeline.hash_algorithm", constants.DefaultHashAlgorithm)
	viper.SetDefault("pipeline.schedule_interval", constants.DefaultScheduleInterval)

	viper.SetDefault("dispatch.timeout", constants.DefaultHTTPTimeout)
	viper.SetDefault("dispatch.user_agent", constants.DefaultUserAgent)
	viper.SetDefault("dispatch.rate_limit.rps", 5.0)
	viper.SetDefault("dispatch.rate_limit.burst", 10)
	viper.SetDefault("dispatch.retry.max_attempts", 3)
	viper.SetDefault("dispatch.retry.initial_interval", "1s")
	viper.SetDefault("dispatch.retry.max_interval", "30s")
	viper.SetDefault("dispatch.retry.multiplier", 2.0)
	viper.SetDefault("dispatch.retry.max_elapsed_time", "2m")
	viper.SetDefault("dispatch.ledger.ttl_seconds", constants.DefaultLedgerTTLSeconds)
	viper.SetDefault("dispatch.endpoints.meta_base_url", constants.DefaultMetaBaseURL)
	viper.SetDefault("dispatch.endpoints.google_ads_base_url", constants.DefaultGoogleAdsBaseURL)
	viper.SetDefault("dispatch.endpoints.google_oauth_url", constants.DefaultGoogleOAuthURL)
	viper.SetDefault("dispatch.endpoints.linkedin_base_url", constants.DefaultLinkedInBaseURL)
}

func bindEnvVariables() {
	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("settings.backend", "SETTINGS_BACKEND")

	viper.BindEnv("analytics.base_url", "ANALYTICS_BASE_URL")
	viper.BindEnv("analytics.token_auth", "ANALYTICS_TOKEN_AUTH")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

// applyEnvOverrides handles values viper cannot bind directly: list-typed settings given as
// comma separated env strings.
func applyEnvOverrides(cfg *Config) error {
	if sitesEnv := viper.GetString("PIPELINE_SITES"); sitesEnv != "" {
		sites := make([]int, 0)
		for _, part := range strings.Split(sitesEnv, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("invalid site id %q in PIPELINE_SITES: %w", part, err)
			}
			sites = append(sites, id)
		}
		cfg.Pipeline.Sites = sites
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
