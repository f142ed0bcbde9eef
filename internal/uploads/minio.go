package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig addresses the bucket backing a MinioStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore keeps blobs as "<namespace>/<name>" objects in one bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the object store and creates the bucket when it is missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("uploads: minio endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("uploads: connect minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("uploads: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("uploads: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads the blob. A negative size streams with multipart upload.
func (s *MinioStore) Put(ctx context.Context, namespace Namespace, name string, content io.Reader, size int64, contentType string) error {
	if size <= 0 {
		size = -1
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(namespace, name), content, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Open fetches the object; the stat call surfaces missing keys before streaming starts.
func (s *MinioStore) Open(ctx context.Context, namespace Namespace, name string) (io.ReadCloser, ObjectInfo, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectKey(namespace, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, translateMinioError(err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		return nil, ObjectInfo{}, translateMinioError(err)
	}
	return object, ObjectInfo{Size: stat.Size, ContentType: stat.ContentType}, nil
}

// Delete removes the object. S3 semantics make deleting a missing key succeed.
func (s *MinioStore) Delete(ctx context.Context, namespace Namespace, name string) error {
	return translateMinioError(s.client.RemoveObject(ctx, s.bucket, objectKey(namespace, name), minio.RemoveObjectOptions{}))
}

func objectKey(namespace Namespace, name string) string {
	return path.Join(string(namespace), path.Base(name))
}

func translateMinioError(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%w: %v", ErrBlobNotFound, err)
	}
	return err
}
