package export

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"votes/analytics/internal/util"
)

// ObjectStore is the subset of *minio.Client the publisher needs.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Publisher writes snapshots so readers only ever see a complete object:
// the body goes to a staging key first and is then copied into place.
type Publisher struct {
	objects ObjectStore
	bucket  string
	prefix  string
}

func New(opts Options) (*Publisher, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return NewWithStore(client, opts.Bucket, opts.Prefix), nil
}

func NewWithStore(objects ObjectStore, bucket, prefix string) *Publisher {
	return &Publisher{objects: objects, bucket: bucket, prefix: prefix}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	exists, err := p.objects.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", p.bucket, err)
	}
	if exists {
		return nil
	}
	if err := p.objects.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", p.bucket, err)
	}
	return nil
}

// Publish replaces snapshot name with body and returns the published key.
func (p *Publisher) Publish(ctx context.Context, name string, body []byte) (string, error) {
	key := ObjectKey(p.prefix, name)
	staging := stagingKey(key, util.NewID("exp"))

	_, err := p.objects.PutObject(ctx, p.bucket, staging, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", staging, err)
	}
	defer func() {
		_ = p.objects.RemoveObject(context.WithoutCancel(ctx), p.bucket, staging, minio.RemoveObjectOptions{})
	}()

	_, err = p.objects.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: p.bucket, Object: key},
		minio.CopySrcOptions{Bucket: p.bucket, Object: staging},
	)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	return key, nil
}
