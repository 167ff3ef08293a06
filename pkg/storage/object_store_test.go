package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMemoryStoreEnsureContainerIsIdempotent(t *testing.T) {
	store := NewMemoryStore("", "agentfiles")
	ctx := context.Background()
	if err := store.EnsureContainer(ctx); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := store.EnsureContainer(ctx); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if got := store.ContainerCount(); got != 1 {
		t.Fatalf("container count = %d, want 1", got)
	}
}

func TestMemoryStoreUploadRefusesOverwrite(t *testing.T) {
	store := NewMemoryStore("https://blobs.test", "agentfiles")
	ctx := context.Background()
	if err := store.EnsureContainer(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	url, err := store.Upload(ctx, "pan-1", strings.NewReader("doc"), 3, "application/pdf")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://blobs.test/agentfiles/pan-1" {
		t.Fatalf("url = %q", url)
	}
	blob, ok := store.Blob("pan-1")
	if !ok || string(blob.Data) != "doc" || blob.ContentType != "application/pdf" {
		t.Fatalf("unexpected blob: %+v", blob)
	}

	_, err = store.Upload(ctx, "pan-1", strings.NewReader("other"), 5, "")
	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) || !errors.Is(err, ErrBlobExists) {
		t.Fatalf("expected UploadError wrapping ErrBlobExists, got %v", err)
	}
	if uploadErr.Name != "pan-1" {
		t.Fatalf("upload error name = %q", uploadErr.Name)
	}
}

func TestMemoryStoreUploadWithoutContainerFails(t *testing.T) {
	store := NewMemoryStore("", "agentfiles")
	_, err := store.Upload(context.Background(), "x", strings.NewReader("a"), 1, "")
	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
}

func TestAzureStoreURLFromConnectionString(t *testing.T) {
	store, err := NewAzureStore(AzureConfig{
		ConnectionString: "DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=a2V5;EndpointSuffix=core.windows.net",
		Container:        "agentfiles",
	})
	if err != nil {
		t.Fatalf("new azure store: %v", err)
	}
	got := store.URL("aadhar-123")
	want := "https://acct.blob.core.windows.net/agentfiles/aadhar-123"
	if got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
}

func TestAzureStoreRequiresCredentials(t *testing.T) {
	if _, err := NewAzureStore(AzureConfig{Container: "agentfiles"}); err == nil {
		t.Fatalf("expected error without connection string or service URL")
	}
	if _, err := NewAzureStore(AzureConfig{ConnectionString: "x"}); err == nil {
		t.Fatalf("expected error without container")
	}
}

func TestMinioStoreURL(t *testing.T) {
	store, err := NewMinioStore(MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "agentfiles",
	})
	if err != nil {
		t.Fatalf("new minio store: %v", err)
	}
	if got, want := store.URL("pan-1"), "http://localhost:9000/agentfiles/pan-1"; got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
}

func TestInstrumentedStoreRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	observer, err := NewPrometheusObserver("test_blob", reg)
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	mem := NewMemoryStore("", "agentfiles")
	store := NewInstrumentedStore(mem, observer)
	ctx := context.Background()
	if err := store.EnsureContainer(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := store.Upload(ctx, "a", strings.NewReader("hello"), 5, ""); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := store.Upload(ctx, "a", strings.NewReader("again"), 5, ""); err == nil {
		t.Fatalf("expected duplicate upload to fail")
	}
	if got := testutil.ToFloat64(observer.uploadBytes); got != 5 {
		t.Fatalf("uploaded bytes = %v, want 5", got)
	}
	if got := testutil.ToFloat64(observer.errors.WithLabelValues("upload")); got != 1 {
		t.Fatalf("upload errors = %v, want 1", got)
	}

	// A second observer on the same registry reuses the collectors.
	again, err := NewPrometheusObserver("test_blob", reg)
	if err != nil {
		t.Fatalf("re-register observer: %v", err)
	}
	again.RecordUpload(time.Millisecond, 2, nil)
	if got := testutil.ToFloat64(observer.uploadBytes); got != 7 {
		t.Fatalf("shared uploaded bytes = %v, want 7", got)
	}
}
