package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
port: "8080"
store:
  mongoURI: "mongodb://localhost:27017/registry"
blob:
  azureConnectionString: "UseDevelopmentStorage=true"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store.Driver != StoreMongo || cfg.Blob.Driver != BlobAzure {
		t.Fatalf("drivers = %q/%q", cfg.Store.Driver, cfg.Blob.Driver)
	}
	if cfg.Blob.Container != "agentfiles" {
		t.Fatalf("container = %q, want agentfiles", cfg.Blob.Container)
	}
	if got := strings.Join(cfg.DocumentKeys, ","); got != "aadhar,pan,voterId" {
		t.Fatalf("documentKeys = %q", got)
	}
	if cfg.MaxUploadBytes != 50<<20 || cfg.UploadConcurrency != 4 {
		t.Fatalf("upload limits = %d/%d", cfg.MaxUploadBytes, cfg.UploadConcurrency)
	}
	if cfg.OrphanQueue.Stream != "registry:orphans" || cfg.OrphanQueue.MaxRetries != 5 {
		t.Fatalf("orphan queue defaults = %+v", cfg.OrphanQueue)
	}
	if cfg.Store.SlowQueryMillis != 1000 {
		t.Fatalf("slowQueryMillis = %d, want 1000", cfg.Store.SlowQueryMillis)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://registry@localhost/registry")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("BLOB_DRIVER", "minio")
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("MINIO_ACCESS_KEY", "minio")
	t.Setenv("MINIO_SECRET_KEY", "minio123")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("REGISTRY_DOCUMENT_KEYS", "pan, passport")
	t.Setenv("REGISTRY_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(writeConfig(t, `port: "8080"`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.Store.Driver != StorePostgres || cfg.Store.DatabaseURL == "" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Blob.Driver != BlobMinio || !cfg.Blob.MinioUseSSL {
		t.Fatalf("blob = %+v", cfg.Blob)
	}
	if got := strings.Join(cfg.DocumentKeys, ","); got != "pan,passport" {
		t.Fatalf("documentKeys = %q", got)
	}
	if cfg.MaxUploadBytes != 1024 {
		t.Fatalf("maxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("allowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing port", `store: {driver: memory}`, "port is required"},
		{"mongo without uri", "port: \"1\"\nblob: {driver: memory}", "mongoURI"},
		{"postgres without dsn", "port: \"1\"\nstore: {driver: postgres}\nblob: {driver: memory}", "databaseURL"},
		{"unknown store", "port: \"1\"\nstore: {driver: cassandra}\nblob: {driver: memory}", "unknown store.driver"},
		{"azure without credentials", "port: \"1\"\nstore: {driver: memory}", "azureConnectionString"},
		{"minio without keys", "port: \"1\"\nstore: {driver: memory}\nblob: {driver: minio, minioEndpoint: x}", "minioAccessKey"},
		{"sweeper without redis", "port: \"1\"\nstore: {driver: memory}\nblob: {driver: memory}\norphanSweeper: {enabled: true}", "redisAddr"},
		{"bad document key", "port: \"1\"\nstore: {driver: memory}\nblob: {driver: memory}\ndocumentKeys: [\"a b\"]", "invalid document key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("REGISTRY_CONFIG", "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("default path = %q", got)
	}
	t.Setenv("REGISTRY_CONFIG", "/etc/registry.yaml")
	if got := ResolvePath(""); got != "/etc/registry.yaml" {
		t.Fatalf("env path = %q", got)
	}
	if got := ResolvePath("./local.yaml"); got != "./local.yaml" {
		t.Fatalf("flag path = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
