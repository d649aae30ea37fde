// Package gcs stores snapshots in Google Cloud Storage.
//
// Without credential options the client uses Application Default
// Credentials, which covers GOOGLE_APPLICATION_CREDENTIALS, gcloud logins
// and Workload Identity on GKE.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/summary/snapshot"
	"google.golang.org/api/option"
)

const scope = "https://www.googleapis.com/auth/cloud-platform"

// Blob implements snapshot.Blob on a GCS bucket.
type Blob struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ snapshot.Blob = (*Blob)(nil)

// New creates a GCS blob. Close releases the client.
func New(ctx context.Context, opts ...Option) (*Blob, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}

	clientOpts, err := clientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w", err)
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}
	return &Blob{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

func clientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil:
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{scope},
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	case o.credentialsFile != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{scope},
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	case o.apiKey != "":
		opts = append(opts, option.WithAPIKey(o.apiKey))
	}

	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}
	return opts, nil
}

func (b *Blob) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func (b *Blob) Put(ctx context.Context, key string, r io.Reader) error {
	k := b.objectKey(key)
	w := b.client.Bucket(b.bucket).Object(k).NewWriter(ctx)
	if path.Ext(k) == ".json" {
		w.ContentType = "application/json"
	} else {
		w.ContentType = "application/gzip"
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs: write %s: %w", k, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: close writer %s: %w", k, err)
	}
	b.logger.Debug("uploaded snapshot object", "bucket", b.bucket, "key", k)
	return nil
}

func (b *Blob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	k := b.objectKey(key)
	r, err := b.client.Bucket(b.bucket).Object(k).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", snapshot.ErrNotFound, k)
		}
		return nil, fmt.Errorf("gcs: read %s: %w", k, err)
	}
	return r, nil
}

func (b *Blob) Delete(ctx context.Context, key string) error {
	k := b.objectKey(key)
	if err := b.client.Bucket(b.bucket).Object(k).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", snapshot.ErrNotFound, k)
		}
		return fmt.Errorf("gcs: delete %s: %w", k, err)
	}
	b.logger.Debug("deleted snapshot object", "bucket", b.bucket, "key", k)
	return nil
}

// Close closes the underlying client.
func (b *Blob) Close() error {
	return b.client.Close()
}
