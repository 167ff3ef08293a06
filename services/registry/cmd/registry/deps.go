package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentregistry/internal/ratelimit"
	"agentregistry/internal/util"
	"agentregistry/pkg/queue"
	"agentregistry/pkg/storage"
	"agentregistry/pkg/store"
	"agentregistry/services/registry/internal/app"
	"agentregistry/services/registry/internal/config"
)

// deps holds the process-wide handles built from config.
type deps struct {
	app     *app.App
	records store.Store
	blobs   storage.BlobStore
	orphans *queue.RedisOrphanQueue
	limiter *ratelimit.FixedWindowLimiter
	trusted *util.TrustedProxies
	metrics http.Handler
}

func openDeps(ctx context.Context, cfg config.FileConfig) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.trusted, err = util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg = registry
		d.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}
	d.blobs, err = openBlobStore(cfg, reg)
	if err != nil {
		return nil, err
	}

	d.records, err = openRecordStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var orphans app.OrphanQueue
	if cfg.RedisAddr != "" {
		d.orphans, err = queue.NewRedisOrphanQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.OrphanQueue.Stream,
			Group:      cfg.OrphanQueue.Group,
			MaxRetries: cfg.OrphanQueue.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init orphan queue: %w", err)
		}
		orphans = d.orphans
		if cfg.RateLimit.CreatePerMinute > 0 {
			d.limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "registry:ratelimit:create", cfg.RateLimit.CreatePerMinute, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init rate limiter: %w", err)
			}
		}
	}

	d.app, err = app.New(app.Config{
		Store:             d.records,
		Blobs:             d.blobs,
		Orphans:           orphans,
		DocumentKeys:      cfg.DocumentKeys,
		UploadConcurrency: cfg.UploadConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init app: %w", err)
	}
	return d, nil
}

func openRecordStore(ctx context.Context, cfg config.FileConfig) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		s, err := store.NewMongoStore(connectCtx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return s, nil
	case config.StorePostgres:
		s, err := store.NewGormStore(cfg.Store.DatabaseURL,
			store.WithLogLevel(store.GormLogLevel(cfg.LogLevel)),
			store.WithSlowThreshold(time.Duration(cfg.Store.SlowQueryMillis)*time.Millisecond),
		)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return s, nil
	case config.StoreMemory:
		slog.Warn("using in-memory record store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// openBlobStore builds the configured blob store, instrumented when reg is
// non-nil.
func openBlobStore(cfg config.FileConfig, reg prometheus.Registerer) (storage.BlobStore, error) {
	var (
		blobs storage.BlobStore
		err   error
	)
	switch cfg.Blob.Driver {
	case config.BlobAzure:
		blobs, err = storage.NewAzureStore(storage.AzureConfig{
			ConnectionString: cfg.Blob.AzureConnectionString,
			ServiceURL:       cfg.Blob.AzureServiceURL,
			Container:        cfg.Blob.Container,
		})
	case config.BlobMinio:
		blobs, err = storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.Blob.MinioEndpoint,
			AccessKey: cfg.Blob.MinioAccessKey,
			SecretKey: cfg.Blob.MinioSecretKey,
			Bucket:    cfg.Blob.Container,
			UseSSL:    cfg.Blob.MinioUseSSL,
		})
	case config.BlobMemory:
		slog.Warn("using in-memory blob store; uploads are lost on restart")
		blobs = storage.NewMemoryStore("", cfg.Blob.Container)
	default:
		err = fmt.Errorf("unknown blob driver %q", cfg.Blob.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	if reg == nil {
		return blobs, nil
	}
	observer, err := storage.NewPrometheusObserver("registry_blob", reg)
	if err != nil {
		return nil, err
	}
	return storage.NewInstrumentedStore(blobs, observer), nil
}

func (d *deps) close() {
	if d.limiter != nil {
		if err := d.limiter.Close(); err != nil {
			slog.Warn("close rate limiter", "err", err)
		}
	}
	if d.orphans != nil {
		if err := d.orphans.Close(); err != nil {
			slog.Warn("close orphan queue", "err", err)
		}
	}
	if d.records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.records.Close(ctx); err != nil {
			slog.Warn("close record store", "err", err)
		}
	}
}
