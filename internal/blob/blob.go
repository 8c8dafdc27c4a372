// Package blob provides object storage backends for encoded data files.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cdflake/internal/config"
	"cdflake/internal/domain"
)

// New returns the BlobStore selected by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config) (domain.BlobStore, error) {
	switch cfg.StorageBackend {
	case "", config.StorageLocal:
		return NewLocal(cfg.DataDir)
	case config.StorageS3:
		return NewS3(cfg.S3)
	case config.StorageAzure:
		return NewAzure(cfg.Azure)
	case config.StorageGCS:
		return NewGCS(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// objectKey joins prefix and key into an object name.
func objectKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func notFound(key string) error {
	return domain.ErrNotFound("blob %q not found", key)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return domain.ErrValidation("invalid blob key %q", key)
	}
	return nil
}
