package app

import (
	"context"
	"errors"
	"time"

	"agentregistry/internal/util"
	"agentregistry/pkg/queue"
	"agentregistry/pkg/storage"
	"agentregistry/pkg/store"
)

// OrphanQueue receives blobs that were uploaded but never referenced by a
// persisted record.
type OrphanQueue interface {
	Enqueue(ctx context.Context, blob, reason string) (queue.Job, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store             store.Store
	Blobs             storage.BlobStore
	Orphans           OrphanQueue
	DocumentKeys      []string
	UploadConcurrency int
}

// App orchestrates agent and user operations over the record and blob stores.
type App struct {
	store             store.Store
	blobs             storage.BlobStore
	orphans           OrphanQueue
	documentKeys      map[string]struct{}
	uploadConcurrency int
	now               func() time.Time
	newID             func() string
}

// New validates cfg and builds the App. The store and blob store are owned by
// the caller.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("record store required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store required")
	}
	if len(cfg.DocumentKeys) == 0 {
		return nil, errors.New("at least one document key required")
	}
	keys := make(map[string]struct{}, len(cfg.DocumentKeys))
	for _, k := range cfg.DocumentKeys {
		keys[k] = struct{}{}
	}
	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &App{
		store:             cfg.Store,
		blobs:             cfg.Blobs,
		orphans:           cfg.Orphans,
		documentKeys:      keys,
		uploadConcurrency: concurrency,
		now:               func() time.Time { return time.Now().UTC() },
		newID:             util.NewID,
	}, nil
}

// Ready reports whether the record store is reachable.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// SweepOrphan deletes the blob named by job. It is the orphan queue handler.
func (a *App) SweepOrphan(ctx context.Context, job queue.Job) error {
	return a.blobs.Delete(ctx, job.Blob)
}
