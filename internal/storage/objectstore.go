package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store abstracts durable asset storage. Uploads overwrite any prior object
// at the same key so retried renders stay idempotent.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// ObjectStoreOptions configures the MinIO-backed store.
type ObjectStoreOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL is the externally reachable base for stored objects.
	// Empty means URLs are derived from the endpoint.
	PublicBaseURL string
}

// ObjectStore persists assets in a MinIO/S3 bucket and publishes public URLs.
type ObjectStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewObjectStore connects to MinIO and ensures the bucket exists.
func NewObjectStore(ctx context.Context, opts ObjectStoreOptions) (*ObjectStore, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect minio: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}
	publicURL := strings.TrimRight(opts.PublicBaseURL, "/")
	if publicURL == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}
	return &ObjectStore{client: client, bucket: opts.Bucket, publicURL: publicURL}, nil
}

// Upload writes the object at key, replacing any existing object, and
// returns its public URL.
func (s *ObjectStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, s.bucket, cleanKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "max-age=3600",
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", cleanKey, err)
	}
	return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, cleanKey), nil
}

// RemovePrefix deletes every object under the prefix. Used when a book is
// deleted; best effort, the first listing or removal error wins.
func (s *ObjectStore) RemovePrefix(ctx context.Context, prefix string) error {
	cleanPrefix, err := sanitizeKey(prefix)
	if err != nil {
		return err
	}
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: cleanPrefix + "/", Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("storage: list %s: %w", cleanPrefix, object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("storage: remove %s: %w", object.Key, err)
		}
	}
	return nil
}

var _ Store = (*ObjectStore)(nil)
