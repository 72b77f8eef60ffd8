package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage stores objects in an S3-compatible bucket under the
// data/<hash> and outboard/<hash> prefixes.
type S3Storage struct {
	client *minio.Client
	bucket string
}

// NewS3Storage connects to the configured endpoint and ensures the bucket
// exists.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	s := &S3Storage{client: client, bucket: cfg.Bucket}

	exists, err := client.BucketExists(context.Background(), cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check S3 bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(context.Background(), cfg.Bucket,
			minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create S3 bucket: %w", err)
		}
	}
	return s, nil
}

func (s *S3Storage) key(namespace, hash string) string {
	return namespace + "/" + hash
}

func (s *S3Storage) put(ctx context.Context, namespace, hash string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(namespace, hash),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", hash, err)
	}
	return nil
}

func (s *S3Storage) get(ctx context.Context, namespace, hash string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(namespace, hash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", hash, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read object %s: %w", hash, err)
	}
	return data, nil
}

func (s *S3Storage) delete(ctx context.Context, namespace, hash string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(namespace, hash), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", hash, err)
	}
	return nil
}

func (s *S3Storage) PutData(ctx context.Context, hash string, data []byte) error {
	return s.put(ctx, "data", hash, data)
}

func (s *S3Storage) GetData(ctx context.Context, hash string) ([]byte, error) {
	return s.get(ctx, "data", hash)
}

func (s *S3Storage) DeleteData(ctx context.Context, hash string) error {
	return s.delete(ctx, "data", hash)
}

func (s *S3Storage) PutOutboard(ctx context.Context, hash string, data []byte) error {
	return s.put(ctx, "outboard", hash, data)
}

func (s *S3Storage) GetOutboard(ctx context.Context, hash string) ([]byte, error) {
	return s.get(ctx, "outboard", hash)
}

func (s *S3Storage) DeleteOutboard(ctx context.Context, hash string) error {
	return s.delete(ctx, "outboard", hash)
}

func (s *S3Storage) ListDataHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "data/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		hashes = append(hashes, strings.TrimPrefix(obj.Key, "data/"))
	}
	return hashes, nil
}
