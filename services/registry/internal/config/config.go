package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor REGISTRY_CONFIG is set.
const DefaultPath = "config.yaml"

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	BlobAzure  = "azure"
	BlobMinio  = "minio"
	BlobMemory = "memory"
)

type StoreConfig struct {
	Driver        string `yaml:"driver"`
	MongoURI      string `yaml:"mongoURI"`
	MongoDatabase string `yaml:"mongoDatabase"`
	DatabaseURL   string `yaml:"databaseURL"`
	// SlowQueryMillis is the postgres slow query log threshold.
	SlowQueryMillis int `yaml:"slowQueryMillis"`
}

type BlobConfig struct {
	Driver                string `yaml:"driver"`
	AzureConnectionString string `yaml:"azureConnectionString"`
	AzureServiceURL       string `yaml:"azureServiceURL"`
	Container             string `yaml:"container"`
	MinioEndpoint         string `yaml:"minioEndpoint"`
	MinioAccessKey        string `yaml:"minioAccessKey"`
	MinioSecretKey        string `yaml:"minioSecretKey"`
	MinioUseSSL           bool   `yaml:"minioUseSSL"`
}

type RateLimitConfig struct {
	// CreatePerMinute caps create requests per client IP. Zero disables.
	CreatePerMinute int  `yaml:"createPerMinute"`
	FailOpen        bool `yaml:"failOpen"`
}

type OrphanQueueConfig struct {
	Stream     string `yaml:"stream"`
	Group      string `yaml:"group"`
	MaxRetries int    `yaml:"maxRetries"`
}

type OrphanSweeperConfig struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"concurrency"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                   string              `yaml:"port"`
	LogLevel               string              `yaml:"logLevel"`
	LogFormat              string              `yaml:"logFormat"`
	AllowedOrigins         []string            `yaml:"allowedOrigins"`
	TrustedProxies         []string            `yaml:"trustedProxies"`
	Store                  StoreConfig         `yaml:"store"`
	Blob                   BlobConfig          `yaml:"blob"`
	StagingDir             string              `yaml:"stagingDir"`
	MaxUploadBytes         int64               `yaml:"maxUploadBytes"`
	UploadConcurrency      int                 `yaml:"uploadConcurrency"`
	DocumentKeys           []string            `yaml:"documentKeys"`
	RedisAddr              string              `yaml:"redisAddr"`
	RedisPassword          string              `yaml:"redisPassword"`
	RateLimit              RateLimitConfig     `yaml:"rateLimit"`
	OrphanQueue            OrphanQueueConfig   `yaml:"orphanQueue"`
	OrphanSweeper          OrphanSweeperConfig `yaml:"orphanSweeper"`
	Metrics                MetricsConfig       `yaml:"metrics"`
	ShutdownTimeoutSeconds int                 `yaml:"shutdownTimeoutSeconds"`
}

// ResolvePath picks the config file: explicit flag, then REGISTRY_CONFIG,
// then DefaultPath.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("REGISTRY_CONFIG")); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads config from path, applies env overrides and defaults, and
// validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.Store.Driver, "STORE_DRIVER")
	setString(&cfg.Store.MongoURI, "MONGO_URI")
	setString(&cfg.Store.MongoDatabase, "MONGO_DATABASE")
	setString(&cfg.Store.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Blob.Driver, "BLOB_DRIVER")
	setString(&cfg.Blob.AzureConnectionString, "AZURE_STORAGE_CONNECTION_STRING")
	setString(&cfg.Blob.AzureServiceURL, "AZURE_STORAGE_SERVICE_URL")
	setString(&cfg.Blob.Container, "BLOB_CONTAINER")
	setString(&cfg.Blob.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.Blob.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.Blob.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.StagingDir, "REGISTRY_STAGING_DIR")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		cfg.Blob.MinioUseSSL = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("REGISTRY_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("REGISTRY_UPLOAD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadConcurrency = n
		}
	}
	if v := os.Getenv("REGISTRY_DOCUMENT_KEYS"); v != "" {
		cfg.DocumentKeys = splitCSV(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("REGISTRY_CREATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.CreatePerMinute = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMongo
	}
	if cfg.Store.SlowQueryMillis <= 0 {
		cfg.Store.SlowQueryMillis = 1000
	}
	if cfg.Blob.Driver == "" {
		cfg.Blob.Driver = BlobAzure
	}
	if cfg.Blob.Container == "" {
		cfg.Blob.Container = "agentfiles"
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "registry-uploads")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if len(cfg.DocumentKeys) == 0 {
		cfg.DocumentKeys = []string{"aadhar", "pan", "voterId"}
	}
	if cfg.OrphanQueue.Stream == "" {
		cfg.OrphanQueue.Stream = "registry:orphans"
	}
	if cfg.OrphanQueue.Group == "" {
		cfg.OrphanQueue.Group = "orphan-sweeper"
	}
	if cfg.OrphanQueue.MaxRetries <= 0 {
		cfg.OrphanQueue.MaxRetries = 5
	}
	if cfg.OrphanSweeper.Concurrency <= 0 {
		cfg.OrphanSweeper.Concurrency = 1
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 15
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.Store.Driver {
	case StoreMongo:
		if cfg.Store.MongoURI == "" {
			return errors.New("config: store.mongoURI is required for the mongo driver (or MONGO_URI)")
		}
	case StorePostgres:
		if cfg.Store.DatabaseURL == "" {
			return errors.New("config: store.databaseURL is required for the postgres driver (or DATABASE_URL)")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown store.driver %q", cfg.Store.Driver)
	}
	switch cfg.Blob.Driver {
	case BlobAzure:
		if cfg.Blob.AzureConnectionString == "" && cfg.Blob.AzureServiceURL == "" {
			return errors.New("config: blob.azureConnectionString or blob.azureServiceURL is required for the azure driver")
		}
	case BlobMinio:
		if cfg.Blob.MinioEndpoint == "" || cfg.Blob.MinioAccessKey == "" || cfg.Blob.MinioSecretKey == "" {
			return errors.New("config: blob.minioEndpoint, blob.minioAccessKey and blob.minioSecretKey are required for the minio driver")
		}
	case BlobMemory:
	default:
		return fmt.Errorf("config: unknown blob.driver %q", cfg.Blob.Driver)
	}
	for _, key := range cfg.DocumentKeys {
		if strings.ContainsAny(key, " /\\") {
			return fmt.Errorf("config: invalid document key %q", key)
		}
	}
	if cfg.OrphanSweeper.Enabled && cfg.RedisAddr == "" {
		return errors.New("config: orphanSweeper.enabled requires redisAddr")
	}
	if cfg.RateLimit.CreatePerMinute < 0 {
		return errors.New("config: rateLimit.createPerMinute must not be negative")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
