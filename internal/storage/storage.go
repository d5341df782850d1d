package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

type Options struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// Service is the object storage surface used for function bundles.
type Service interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (Location, error)
}

type MinioService struct {
	client *minio.Client
	region string

	mu      sync.Mutex
	buckets map[string]bool
}

func NewMinioService(opts Options) (*MinioService, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBStorageFailed, "failed to create minio client", err)
	}
	return &MinioService{client: client, region: opts.Region, buckets: make(map[string]bool)}, nil
}

// EnsureBucket creates the bucket when it does not exist. Known buckets are
// remembered for the life of the process.
func (s *MinioService) EnsureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	known := s.buckets[bucket]
	s.mu.Unlock()
	if known {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fberrors.Wrap(fberrors.FBStorageFailed, "failed to check bucket "+bucket, err)
	}
	if !exists {
		err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			code := minio.ToErrorResponse(err).Code
			if code != "BucketAlreadyOwnedByYou" && code != "BucketAlreadyExists" {
				return fberrors.Wrap(fberrors.FBStorageFailed, "failed to create bucket "+bucket, err)
			}
		}
	}
	s.mu.Lock()
	s.buckets[bucket] = true
	s.mu.Unlock()
	return nil
}

// PutObject streams body into bucket/key. A negative size uploads in parts.
func (s *MinioService) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (Location, error) {
	info, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Location{}, fberrors.Wrap(fberrors.FBStorageFailed, fmt.Sprintf("failed to upload %s/%s", bucket, key), err)
	}
	return Location{Bucket: bucket, Key: key, ETag: info.ETag, Size: info.Size}, nil
}

// BundleKey is the object key of a function bundle archive.
func BundleKey(tenantID, functionID, bundleID string) string {
	return fmt.Sprintf("bundles/%s/%s/%s.zip", tenantID, functionID, bundleID)
}
