package snapshot

import (
	"log/slog"

	"github.com/rbaliyan/summary/retry"
)

// Default configuration values.
const (
	DefaultPrefix      = "snapshots"
	DefaultConcurrency = 4
	DefaultBatchSize   = 500
)

type options struct {
	prefix      string
	folders     []string
	concurrency int
	batchSize   int
	replace     bool
	retry       retry.Config
	logger      *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:      DefaultPrefix,
		concurrency: DefaultConcurrency,
		batchSize:   DefaultBatchSize,
		retry:       retry.DefaultConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures Export and Import.
type Option func(*options)

// WithPrefix sets the key prefix of every object. Default is "snapshots".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithFolders limits Export or Import to the named folders. Export
// requires it when the source store cannot list its folders.
func WithFolders(folders ...string) Option {
	return func(o *options) {
		o.folders = folders
	}
}

// WithConcurrency sets how many folders are processed at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBatchSize sets how many rows Import writes per batch.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithReplace makes Import clear each destination folder first.
func WithReplace(replace bool) Option {
	return func(o *options) {
		o.replace = replace
	}
}

// WithRetry sets the retry policy for blob transfers.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = cfg
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
