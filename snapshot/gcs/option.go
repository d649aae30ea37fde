package gcs

import (
	"log/slog"
)

type options struct {
	bucket   string
	prefix   string
	endpoint string

	// At most one of these is used, in this order.
	credentialsJSON []byte
	credentialsFile string
	apiKey          string

	logger *slog.Logger
}

// Option configures the GCS blob.
type Option func(*options)

// WithBucket sets the bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets a key prefix added in front of every snapshot key.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEndpoint points the client at an emulator.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithCredentialsJSON authenticates with a service account key held in memory.
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) {
		o.credentialsJSON = json
	}
}

// WithCredentialsFile authenticates with a service account key file.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithAPIKey authenticates with an API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
