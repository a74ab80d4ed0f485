package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
analytics:
  base_url: https://analytics.example.com/index.php
  token_auth: secret
settings:
  backend: file
  sites:
    "1":
      meta_sync_visits: "true"
      meta_pixel_id: "123"
`

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1000, cfg.Analytics.PageSize)
	assert.Equal(t, 50000, cfg.Analytics.MaxRecords)
	assert.Equal(t, 600*time.Second, cfg.Pipeline.MaxExecutionTime)
	assert.Equal(t, "sha256", cfg.Pipeline.HashAlgorithm)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "ConversionApi", cfg.Dispatch.UserAgent)
	assert.Equal(t, "https://graph.facebook.com", cfg.Dispatch.Endpoints.MetaBaseURL)
	assert.Equal(t, "https://www.googleapis.com/oauth2/v3/token", cfg.Dispatch.Endpoints.GoogleOAuthURL)
	assert.Equal(t, "123", cfg.Settings.Sites["1"]["meta_pixel_id"])
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ANALYTICS_TOKEN_AUTH", "from-env")
	t.Setenv("PIPELINE_SITES", "3, 5")
	t.Setenv("LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Analytics.TokenAuth)
	assert.Equal(t, []int{3, 5}, cfg.Pipeline.Sites)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_InvalidSitesEnv(t *testing.T) {
	t.Setenv("PIPELINE_SITES", "3,abc")

	_, err := LoadConfig(writeConfig(t, minimalConfig))
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "missing analytics url",
			body:  "settings:\n  backend: file\n",
			field: "analytics.base_url",
		},
		{
			name:  "unknown backend",
			body:  "analytics:\n  base_url: https://a.example.com\nsettings:\n  backend: etcd\n",
			field: "settings.backend",
		},
		{
			name:  "postgres backend without database",
			body:  "analytics:\n  base_url: https://a.example.com\nsettings:\n  backend: postgres\n",
			field: "settings.backend",
		},
		{
			name:  "bad hash algorithm",
			body:  "analytics:\n  base_url: https://a.example.com\npipeline:\n  hash_algorithm: crc32\n",
			field: "pipeline.hash_algorithm",
		},
		{
			name:  "page size too large",
			body:  "analytics:\n  base_url: https://a.example.com\n  page_size: 5000\n",
			field: "analytics.page_size",
		},
		{
			name:  "ledger without redis",
			body:  "analytics:\n  base_url: https://a.example.com\ndispatch:\n  ledger:\n    enabled: true\n",
			field: "dispatch.ledger.enabled",
		},
		{
			name:  "non numeric site key",
			body:  "analytics:\n  base_url: https://a.example.com\nsettings:\n  backend: file\n  sites:\n    main:\n      meta_sync_visits: \"true\"\n",
			field: "settings.sites",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidatePostgres(t *testing.T) {
	err := validatePostgres(PostgresConfig{Host: "db", Port: 5432, User: "u", DBName: "d", SSLMode: "sometimes"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "database.postgres.sslmode", vErr.Field)

	assert.NoError(t, validatePostgres(PostgresConfig{Host: "db", Port: 5432, User: "u", DBName: "d", SSLMode: "disable"}))
}

func TestIsPositiveInt(t *testing.T) {
	assert.True(t, isPositiveInt("12"))
	assert.False(t, isPositiveInt("0"))
	assert.False(t, isPositiveInt("012"))
	assert.False(t, isPositiveInt("-1"))
	assert.False(t, isPositiveInt(""))
}
