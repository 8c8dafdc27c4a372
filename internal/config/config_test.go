package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable LoadFromEnv reads so tests start from defaults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"META_DB_PATH", "DATA_DIR", "LOG_BACKEND", "STORAGE_BACKEND", "LISTEN_ADDR",
		"JWT_SECRET", "LOG_LEVEL", "ENV",
		"S3_KEY_ID", "S3_SECRET", "S3_ENDPOINT", "S3_REGION", "S3_BUCKET", "S3_PREFIX", "S3_PATH_STYLE",
		"AZURE_ACCOUNT_NAME", "AZURE_ACCOUNT_KEY", "AZURE_CONTAINER", "AZURE_PREFIX",
		"GCS_BUCKET", "GCS_PREFIX", "GCS_KEY_FILE",
		"COMMIT_MAX_RETRIES", "COMMIT_BACKOFF_BASE", "COMMIT_BACKOFF_CAP",
		"RETAIN_VERSIONS", "FILE_GC_GRACE", "VACUUM_SCHEDULE",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "cdflake_meta.sqlite", cfg.MetaDBPath)
	assert.Equal(t, "cdflake_data", cfg.DataDir)
	assert.Equal(t, LogBackendSQLite, cfg.LogBackend)
	assert.Equal(t, StorageLocal, cfg.StorageBackend)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.Commit.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Commit.BackoffBase)
	assert.Equal(t, 500*time.Millisecond, cfg.Commit.BackoffCap)
	assert.Equal(t, int64(100), cfg.Retention.RetainVersions)
	assert.Equal(t, time.Hour, cfg.Retention.FileGCGrace)
	assert.Empty(t, cfg.Retention.VacuumSchedule)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.AuthEnabled())
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadFromEnv_CommitAndRetention(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMMIT_MAX_RETRIES", "3")
	t.Setenv("COMMIT_BACKOFF_BASE", "1ms")
	t.Setenv("COMMIT_BACKOFF_CAP", "bogus")
	t.Setenv("RETAIN_VERSIONS", "5")
	t.Setenv("FILE_GC_GRACE", "10m")
	t.Setenv("VACUUM_SCHEDULE", "*/15 * * * *")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Commit.MaxRetries)
	assert.Equal(t, time.Millisecond, cfg.Commit.BackoffBase)
	assert.Equal(t, 500*time.Millisecond, cfg.Commit.BackoffCap)
	assert.Equal(t, int64(5), cfg.Retention.RetainVersions)
	assert.Equal(t, 10*time.Minute, cfg.Retention.FileGCGrace)
	assert.Equal(t, "*/15 * * * *", cfg.Retention.VacuumSchedule)
	assert.Contains(t, cfg.Warnings, `ignoring invalid COMMIT_BACKOFF_CAP="bogus"`)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value, wantErr string
	}{
		{"COMMIT_MAX_RETRIES", "-1", "COMMIT_MAX_RETRIES"},
		{"RETAIN_VERSIONS", "many", "RETAIN_VERSIONS"},
		{"VACUUM_SCHEDULE", "every tuesday", "VACUUM_SCHEDULE"},
		{"LOG_BACKEND", "kafka", "LOG_BACKEND"},
		{"STORAGE_BACKEND", "ftp", "unsupported STORAGE_BACKEND"},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadFromEnv_S3Backend(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_BACKEND", "s3")

	_, err := LoadFromEnv()
	require.ErrorContains(t, err, "S3_BUCKET")

	t.Setenv("S3_BUCKET", "lake")
	t.Setenv("S3_KEY_ID", "key")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "S3_KEY_ID and S3_SECRET")

	t.Setenv("S3_SECRET", "secret")
	t.Setenv("S3_ENDPOINT", "s3.example.com")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "lake", cfg.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.True(t, cfg.S3.UsePathStyle)
}

func TestLoadFromEnv_AzureAndGCSBackends(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_BACKEND", "azure")
	t.Setenv("AZURE_ACCOUNT_NAME", "acct")
	_, err := LoadFromEnv()
	require.ErrorContains(t, err, "AZURE_ACCOUNT_KEY")

	t.Setenv("AZURE_ACCOUNT_KEY", "a2V5")
	t.Setenv("AZURE_CONTAINER", "lake")
	_, err = LoadFromEnv()
	require.NoError(t, err)

	clearEnv(t)
	t.Setenv("STORAGE_BACKEND", "GCS")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "GCS_BUCKET")
	t.Setenv("GCS_BUCKET", "lake")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, StorageGCS, cfg.StorageBackend)
}

func TestLoadFromEnv_Production(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")

	_, err := LoadFromEnv()
	require.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "CORS wildcard")

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.IsProduction())
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO"} {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel().String(), in)
	}
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	err := LoadDotEnv("/nonexistent/.env")
	if err != nil {
		t.Errorf("expected no error for missing .env, got: %v", err)
	}
}

func TestLoadDotEnv_ParsesAndStripsQuotes(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nCDF_TEST_KEY=\"test_value\"\n\nCDF_TEST_OTHER='x'\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o644))
	t.Setenv("CDF_TEST_KEY", "")
	t.Setenv("CDF_TEST_OTHER", "")

	require.NoError(t, LoadDotEnv(envFile))
	assert.Equal(t, "test_value", os.Getenv("CDF_TEST_KEY"))
	assert.Equal(t, "x", os.Getenv("CDF_TEST_OTHER"))
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("CDF_PRECEDENCE_KEY", "from_env")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CDF_PRECEDENCE_KEY=from_file\n"), 0o644))

	require.NoError(t, LoadDotEnv(envFile))
	assert.Equal(t, "from_env", os.Getenv("CDF_PRECEDENCE_KEY"))
}
