package constants

import "time"

const (
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultAnalyticsTimeout = 60 * time.Second
	DefaultUserAgent        = "ConversionApi"
)

const (
	DefaultPageSize          = 1000
	DefaultMaxRecords        = 50000
	DefaultMaxExecutionTime  = 600 * time.Second
	DefaultScheduleInterval  = time.Hour
	DefaultHashAlgorithm     = "sha256"
	DefaultPhoneCountryCode  = "31"
	DefaultConsentService    = "conversion-api"
	DefaultTimezone          = "UTC"
	DefaultCurrency          = "EUR"
	DefaultLedgerTTLSeconds  = 7 * 24 * 3600
	DefaultTokenLifetimeSecs = 3600
	TokenExpiryLeeway        = 60 * time.Second
)

const (
	DefaultMetaGraphAPIVersion = "v22.0"
	DefaultGoogleAdsAPIVersion = "v19"
	DefaultLinkedInAPIVersion  = "202404"
)

const (
	DefaultMetaBaseURL      = "https://graph.facebook.com"
	DefaultGoogleAdsBaseURL = "https://googleads.googleapis.com"
	DefaultGoogleOAuthURL   = "https://www.googleapis.com/oauth2/v3/token"
	DefaultLinkedInBaseURL  = "https://api.linkedin.com"
)

const (
	MetaMaxBatchSize     = 1000
	GoogleMaxBatchSize   = 2000
	LinkedInMaxBatchSize = 5000
)

const (
	CacheKeyPrefixToken  = "convsync:google_token:"
	CacheKeyPrefixLedger = "convsync:sent:"
)

const (
	DefaultSettingsTable      = "site_settings"
	DefaultSettingsCollection = "site_settings"
	DefaultMongoDBName        = "convsync"
)

const (
	SettingsBackendPostgres = "postgres"
	SettingsBackendMongoDB  = "mongodb"
	SettingsBackendFile     = "file"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	ServiceName = "convsync"
)

const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

const (
	TracerPipeline = "convsync-pipeline"
)
