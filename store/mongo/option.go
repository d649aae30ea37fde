package mongo

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultDatabase         = "summary"
	DefaultCollection       = "records"
	DefaultHeaderCollection = "headers"
	DefaultTimeout          = 10 * time.Second
)

// options holds MongoDB store configuration.
type options struct {
	database         string
	collection       string
	headerCollection string
	timeout          time.Duration
	logger           *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		database:         DefaultDatabase,
		collection:       DefaultCollection,
		headerCollection: DefaultHeaderCollection,
		timeout:          DefaultTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a MongoDB store.
type Option func(*options)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollection sets the record collection name.
func WithCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithHeaderCollection sets the folder header collection name.
func WithHeaderCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.headerCollection = name
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
