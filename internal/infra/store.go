package infra

import (
	"context"

	"storybook-server/internal/storage"
)

// NewStore selects the asset store for this deployment: MinIO when
// credentials are configured, a local directory otherwise.
func NewStore(ctx context.Context, cfg *Config) (storage.Store, error) {
	if cfg.MinioAccessKey != "" && cfg.MinioSecretKey != "" {
		return storage.NewObjectStore(ctx, storage.ObjectStoreOptions{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.MinioPublicURL,
		})
	}
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}
