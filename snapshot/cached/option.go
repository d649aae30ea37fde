package cached

import (
	"log/slog"
	"time"
)

type options struct {
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger
}

// Option configures the cache.
type Option func(*options)

// WithDir sets the parent directory for cached objects.
// Default is the system temp directory.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithMaxSize caps the cache in bytes. Default is 1GB. Objects that do
// not fit are served from the backend without being cached.
func WithMaxSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// WithTTL sets how long a cached object is served. Default is 24 hours.
// Zero disables the background cleanup and keeps entries forever.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
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
