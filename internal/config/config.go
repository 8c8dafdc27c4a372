// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Storage backends for data files.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
	StorageAzure = "azure"
	StorageGCS   = "gcs"
)

// Version log backends.
const (
	LogBackendSQLite = "sqlite"
	LogBackendFiles  = "files"
)

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	KeyID        string
	Secret       string
	Endpoint     string // host[:port], without scheme; empty means AWS
	Region       string
	Bucket       string
	Prefix       string
	UsePathStyle bool
}

// AzureConfig holds Azure Blob Storage settings (shared-key auth).
type AzureConfig struct {
	AccountName string
	AccountKey  string
	Container   string
	Prefix      string
}

// GCSConfig holds Google Cloud Storage settings.
type GCSConfig struct {
	Bucket      string
	Prefix      string
	KeyFilePath string // service account JSON; empty uses application default credentials
}

// CommitConfig controls the optimistic commit retry loop.
type CommitConfig struct {
	MaxRetries  int           // attempts after the first before WriteConflict (default 10)
	BackoffBase time.Duration // first retry delay ceiling (default 10ms)
	BackoffCap  time.Duration // max retry delay ceiling (default 500ms)
}

// RetentionConfig controls history pruning and file garbage collection.
type RetentionConfig struct {
	RetainVersions int64         // versions kept below head (default 100)
	FileGCGrace    time.Duration // min age of an unreferenced file before deletion (default 1h)
	VacuumSchedule string        // cron spec; empty disables scheduled vacuum
}

// Config holds the configuration for the table store server.
type Config struct {
	MetaDBPath     string // path to SQLite metadata file
	DataDir        string // root for local data files and the file-based version log
	LogBackend     string // "sqlite" (default) or "files"
	StorageBackend string // "local" (default), "s3", "azure", or "gcs"

	S3    S3Config
	Azure AzureConfig
	GCS   GCSConfig

	Commit    CommitConfig
	Retention RetentionConfig

	ListenAddr string // HTTP listen address (default ":8080")
	JWTSecret  string // HS256 secret; empty disables authentication
	LogLevel   string // log level: debug, info, warn, error (default "info")
	Env        string // environment: "development" (default) or "production"

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// AuthEnabled returns true when bearer-token authentication is configured.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:     os.Getenv("META_DB_PATH"),
		DataDir:        os.Getenv("DATA_DIR"),
		LogBackend:     strings.ToLower(os.Getenv("LOG_BACKEND")),
		StorageBackend: strings.ToLower(os.Getenv("STORAGE_BACKEND")),
		ListenAddr:     os.Getenv("LISTEN_ADDR"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		Env:            os.Getenv("ENV"),
		S3: S3Config{
			KeyID:        os.Getenv("S3_KEY_ID"),
			Secret:       os.Getenv("S3_SECRET"),
			Endpoint:     os.Getenv("S3_ENDPOINT"),
			Region:       os.Getenv("S3_REGION"),
			Bucket:       os.Getenv("S3_BUCKET"),
			Prefix:       os.Getenv("S3_PREFIX"),
			UsePathStyle: parseBoolEnvDefault("S3_PATH_STYLE", true),
		},
		Azure: AzureConfig{
			AccountName: os.Getenv("AZURE_ACCOUNT_NAME"),
			AccountKey:  os.Getenv("AZURE_ACCOUNT_KEY"),
			Container:   os.Getenv("AZURE_CONTAINER"),
			Prefix:      os.Getenv("AZURE_PREFIX"),
		},
		GCS: GCSConfig{
			Bucket:      os.Getenv("GCS_BUCKET"),
			Prefix:      os.Getenv("GCS_PREFIX"),
			KeyFilePath: os.Getenv("GCS_KEY_FILE"),
		},
		Retention: RetentionConfig{
			VacuumSchedule: strings.TrimSpace(os.Getenv("VACUUM_SCHEDULE")),
		},
	}

	// Commit retry loop
	if v := os.Getenv("COMMIT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("COMMIT_MAX_RETRIES must be a non-negative integer, got %q", v)
		}
		cfg.Commit.MaxRetries = n
	} else {
		cfg.Commit.MaxRetries = 10
	}
	if d, ok := parseDurationEnv("COMMIT_BACKOFF_BASE", &cfg.Warnings); ok {
		cfg.Commit.BackoffBase = d
	}
	if d, ok := parseDurationEnv("COMMIT_BACKOFF_CAP", &cfg.Warnings); ok {
		cfg.Commit.BackoffCap = d
	}

	// Retention
	if v := os.Getenv("RETAIN_VERSIONS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("RETAIN_VERSIONS must be a non-negative integer, got %q", v)
		}
		cfg.Retention.RetainVersions = n
	} else {
		cfg.Retention.RetainVersions = 100
	}
	if d, ok := parseDurationEnv("FILE_GC_GRACE", &cfg.Warnings); ok {
		cfg.Retention.FileGCGrace = d
	}
	if cfg.Retention.VacuumSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Retention.VacuumSchedule); err != nil {
			return nil, fmt.Errorf("VACUUM_SCHEDULE %q: %w", cfg.Retention.VacuumSchedule, err)
		}
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "cdflake_meta.sqlite"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "cdflake_data"
	}
	if cfg.LogBackend == "" {
		cfg.LogBackend = LogBackendSQLite
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = StorageLocal
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Commit.BackoffBase == 0 {
		cfg.Commit.BackoffBase = 10 * time.Millisecond
	}
	if cfg.Commit.BackoffCap == 0 {
		cfg.Commit.BackoffCap = 500 * time.Millisecond
	}
	if cfg.Retention.FileGCGrace == 0 {
		cfg.Retention.FileGCGrace = time.Hour
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if !cfg.AuthEnabled() {
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set; API authentication is disabled")
	}

	if err := cfg.validateBackends(); err != nil {
		return nil, err
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if !cfg.AuthEnabled() {
			return nil, fmt.Errorf("JWT_SECRET must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

func (c *Config) validateBackends() error {
	switch c.LogBackend {
	case LogBackendSQLite, LogBackendFiles:
	default:
		return fmt.Errorf("LOG_BACKEND must be %q or %q, got %q", LogBackendSQLite, LogBackendFiles, c.LogBackend)
	}

	switch c.StorageBackend {
	case StorageLocal:
	case StorageS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
		if (c.S3.KeyID == "") != (c.S3.Secret == "") {
			return fmt.Errorf("both S3_KEY_ID and S3_SECRET must be set together")
		}
	case StorageAzure:
		if c.Azure.AccountName == "" || c.Azure.AccountKey == "" || c.Azure.Container == "" {
			return fmt.Errorf("AZURE_ACCOUNT_NAME, AZURE_ACCOUNT_KEY and AZURE_CONTAINER are required when STORAGE_BACKEND=azure")
		}
	case StorageGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_BACKEND=gcs")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}

func parseDurationEnv(key string, warnings *[]string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("ignoring invalid %s=%q", key, v))
		return 0, false
	}
	return d, true
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
