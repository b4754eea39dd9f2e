package objstore

import (
	"context"
	"errors"
	"io"

	"github.com/minio/minio-go/v7"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("objstore: object not found")

// ObjectStore is a generic interface for object store operations. Keys are
// slash-separated paths within a single bucket: uploaded archives live under
// uploads/, expanded files under extracted/<batch_id>/.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// MinioObjStore is an implementation of ObjectStore using Minio.
type MinioObjStore struct {
	client *minio.Client
	bucket string
}

// NewMinioObjStore creates a new MinioObjStore over the given client and bucket.
func NewMinioObjStore(client *minio.Client, bucket string) *MinioObjStore {
	return &MinioObjStore{client: client, bucket: bucket}
}

// Put uploads an object to Minio.
func (s *MinioObjStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Get retrieves an object from Minio. Minio's GetObject is lazy, so the first
// read is forced here to surface missing keys as ErrObjectNotFound.
func (s *MinioObjStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return obj, nil
}

// Delete removes an object from Minio.
func (s *MinioObjStore) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// Exists reports whether the key is present.
func (s *MinioObjStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
