package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Logging        LoggingConfig
	Settings       SettingsConfig
	Analytics      AnalyticsConfig
	Pipeline       PipelineConfig
	Dispatch       DispatchConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SettingsConfig selects where per-site key/value settings are read from.
type SettingsConfig struct {
	Backend    string                       `mapstructure:"backend"`
	Table      string                       `mapstructure:"table"`
	Collection string                       `mapstructure:"collection"`
	Sites      map[string]map[string]string `mapstructure:"sites"`
}

type AnalyticsConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	TokenAuth  string        `mapstructure:"token_auth"`
	PageSize   int           `mapstructure:"page_size"`
	MaxRecords int           `mapstructure:"max_records"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retry      RetryConfig   `mapstructure:"retry"`
}

type PipelineConfig struct {
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
	HashAlgorithm    string        `mapstructure:"hash_algorithm"`
	ScheduleInterval time.Duration `mapstructure:"schedule_interval"`
	Sites            []int         `mapstructure:"sites"`
}

type DispatchConfig struct {
	Timeout   time.Duration   `mapstructure:"timeout"`
	UserAgent string          `mapstructure:"user_agent"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LedgerConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	TTLSeconds int  `mapstructure:"ttl_seconds"`
}

type EndpointsConfig struct {
	MetaBaseURL      string `mapstructure:"meta_base_url"`
	GoogleAdsBaseURL string `mapstructure:"google_ads_base_url"`
	GoogleOAuthURL   string `mapstructure:"google_oauth_url"`
	LinkedInBaseURL  string `mapstructure:"linkedin_base_url"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
