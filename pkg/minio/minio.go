package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"donation-reconciler/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("minio.client", fx.Provide(registerClient, NewObjectStore))

type clientParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

// registerClient returns nil when no endpoint is configured; consumers treat the
// store as optional.
func registerClient(p clientParams) (*minio.Client, error) {
	c := p.Config
	if c.Minio.Endpoint == "" {
		return nil, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		zap.L().Error("failed to create MinIO client", zap.Error(err))
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			exists, err := client.BucketExists(ctx, c.Minio.BucketName)
			if err != nil {
				zap.L().Error("failed to check if bucket exists", zap.String("bucket", c.Minio.BucketName), zap.Error(err))
				return err
			}
			if !exists {
				if err := client.MakeBucket(ctx, c.Minio.BucketName, minio.MakeBucketOptions{}); err != nil {
					return fmt.Errorf("create bucket %s: %w", c.Minio.BucketName, err)
				}
			}
			zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.Bool("bucketExists", exists))
			return nil
		},
	})

	return client, nil
}

// ObjectStore caches rendered documents under a bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

type storeParams struct {
	fx.In
	Config *config.Config
	Client *minio.Client `optional:"true"`
}

func NewObjectStore(p storeParams) *ObjectStore {
	if p.Client == nil {
		return nil
	}
	return &ObjectStore{client: p.Client, bucket: p.Config.Minio.BucketName}
}

// Get returns found=false when the object does not exist.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, err
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (s *ObjectStore) Put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}
