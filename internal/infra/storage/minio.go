package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/infra/config"
)

var (
	ErrBucketCreationFailed = errors.New("failed to create artifact bucket")
	ErrUploadFailed         = errors.New("failed to upload artifact")
	ErrDeleteFailed         = errors.New("failed to delete artifact")
)

// MinIOArtifactStorage keeps verification artifacts in an S3-compatible bucket.
type MinIOArtifactStorage struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOArtifactStorage connects to MinIO and makes sure the bucket exists.
func NewMinIOArtifactStorage(ctx context.Context, cfg config.StorageSettings, logger *zap.Logger) (*MinIOArtifactStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &MinIOArtifactStorage{client: client, bucket: cfg.Bucket, logger: logger}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}

	logger.Info("artifact storage ready",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket),
	)
	return s, nil
}

func (s *MinIOArtifactStorage) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: check bucket existence: %v", ErrBucketCreationFailed, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("%w: create bucket: %v", ErrBucketCreationFailed, err)
	}
	return nil
}

// Put uploads the artifact under its content-addressed key. Re-uploading the same key overwrites identical bytes.
func (s *MinIOArtifactStorage) Put(ctx context.Context, object port.ArtifactObject) error {
	if strings.TrimSpace(object.Key) == "" {
		return fmt.Errorf("%w: empty object key", ErrUploadFailed)
	}

	_, err := s.client.PutObject(ctx, s.bucket, object.Key, object.Body, object.Size, minio.PutObjectOptions{
		ContentType: object.ContentType,
		UserMetadata: map[string]string{
			"Uploaded-At": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return nil
}

// Delete removes an artifact. Empty keys are a no-op.
func (s *MinIOArtifactStorage) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (s *MinIOArtifactStorage) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("minio health check failed: %w", err)
	}
	return nil
}

var _ port.ArtifactStorage = (*MinIOArtifactStorage)(nil)
