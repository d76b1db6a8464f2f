package app

import (
	"context"
	"fmt"
	"time"

	"photoshare/pkg/queue"
	"photoshare/pkg/storage"
	"photoshare/pkg/store"
)

const (
	defaultTake       = 25
	maxTake           = 200
	defaultPresignTTL = 300 * time.Second
	minPresignTTL     = 60 * time.Second
	maxPresignTTL     = 3600 * time.Second
	presignLimit      = 8
)

// AnalysisQueue accepts photos for downstream analysis.
type AnalysisQueue interface {
	Enqueue(ctx context.Context, photoID string) (queue.JobStatus, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Objects        storage.ObjectStore
	Analysis       AnalysisQueue
}

// App wires the photo repository, object storage and analysis queue into
// the listing/upload orchestration the HTTP layer exposes.
type App struct {
	store    store.Store
	objects  storage.ObjectStore
	analysis AnalysisQueue
}

// New constructs the application over database-backed metadata and
// MinIO-backed object storage.
func New(cfg Config) (*App, error) {
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	return &App{
		store:    dataStore,
		objects:  objects,
		analysis: cfg.Analysis,
	}, nil
}

// resolveTTL applies the default and bounds for presigned URL lifetimes.
func resolveTTL(seconds int) (time.Duration, error) {
	if seconds == 0 {
		return defaultPresignTTL, nil
	}
	ttl := time.Duration(seconds) * time.Second
	if ttl < minPresignTTL || ttl > maxPresignTTL {
		return 0, invalidf("ttl", "must be between %d and %d seconds", int(minPresignTTL.Seconds()), int(maxPresignTTL.Seconds()))
	}
	return ttl, nil
}
