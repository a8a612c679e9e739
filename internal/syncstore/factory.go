package syncstore

import (
	"context"
	"fmt"

	"savesync/internal/config"
)

// NewFromConfig creates a Store implementation based on the sync store
// config type.
func NewFromConfig(ctx context.Context, cfg config.SyncStoreConfig, device string) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.SyncFolder == "" {
			return nil, fmt.Errorf("filesystem sync store requires sync_folder to be set")
		}
		return NewFileSystemStore(cfg.SyncFolder, device), nil
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, device)
	default:
		return nil, fmt.Errorf("unknown sync store type: %s", cfg.Type)
	}
}
