// Package s3 stores snapshots in an AWS S3 (or S3-compatible) bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rbaliyan/summary/snapshot"
)

// Blob implements snapshot.Blob on S3.
type Blob struct {
	client *s3.Client
	tm     *transfermanager.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ snapshot.Blob = (*Blob)(nil)

// New creates an S3 blob. ctx is used to load AWS configuration.
func New(ctx context.Context, opts ...Option) (*Blob, error) {
	o := &options{
		region: "us-east-1",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	cfg, err := loadConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})
	return &Blob{
		client: client,
		tm:     transfermanager.New(client),
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// loadConfig picks static keys, an assumed role, or the default chain.
func loadConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	switch {
	case o.accessKey != "" && o.secretKey != "":
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)))
	case o.roleARN != "":
		base, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("base config for role: %w", err)
		}
		optFns = append(optFns, config.WithCredentialsProvider(
			assumeRoleCredentials(base, o.roleARN, o.roleSessionName, o.externalID)))
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

func (b *Blob) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

// Put uploads r with the transfer manager, which switches to multipart
// uploads for large folders.
func (b *Blob) Put(ctx context.Context, key string, r io.Reader) error {
	k := b.objectKey(key)
	_, err := b.tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(k),
		Body:        r,
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("s3: upload %s: %w", k, err)
	}
	b.logger.Debug("uploaded snapshot object", "bucket", b.bucket, "key", k)
	return nil
}

func (b *Blob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	k := b.objectKey(key)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", snapshot.ErrNotFound, k)
		}
		return nil, fmt.Errorf("s3: get %s: %w", k, err)
	}
	return out.Body, nil
}

func (b *Blob) Delete(ctx context.Context, key string) error {
	k := b.objectKey(key)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", k, err)
	}
	b.logger.Debug("deleted snapshot object", "bucket", b.bucket, "key", k)
	return nil
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
