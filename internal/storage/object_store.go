// Package storage persists uploaded images (attached answer images,
// profile pictures) in an S3-compatible object store. Records keep the
// relative key it returns; the image reference resolver turns that key
// into a fetchable URL on the way out.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"qarisahab/api/internal/util"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type ObjectStore struct {
	client *minio.Client
	bucket string
}

func NewObjectStore(cfg Config) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the upload bucket if it does not exist yet.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// SaveUpload streams one uploaded file into the bucket and returns the
// relative key persisted on the owning record, e.g. "uploads/img_ab12-x.jpg".
func (s *ObjectStore) SaveUpload(ctx context.Context, reader io.Reader, size int64, contentType, filename string) (string, error) {
	key := path.Join("uploads", util.NewID("img")+"-"+sanitizeFilename(filename))
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// ErrNotFound reports that no object exists under the requested key.
var ErrNotFound = errors.New("object not found")

// StoredObject describes an object opened for serving.
type StoredObject struct {
	ContentType string
	Size        int64
}

// Open returns the stored object for serving. Missing keys surface as
// ErrNotFound.
func (s *ObjectStore) Open(ctx context.Context, key string) (io.ReadCloser, StoredObject, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, StoredObject{}, fmt.Errorf("get object %s: %w", key, err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, StoredObject{}, ErrNotFound
		}
		return nil, StoredObject{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	return object, StoredObject{ContentType: stat.ContentType, Size: stat.Size}, nil
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." {
		return "upload"
	}
	return name
}
