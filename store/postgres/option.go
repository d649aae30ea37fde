package postgres

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultTable       = "summary_records"
	DefaultHeaderTable = "summary_headers"
	DefaultTimeout     = 10 * time.Second
)

// options holds PostgreSQL store configuration.
type options struct {
	table       string
	headerTable string
	timeout     time.Duration
	logger      *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:       DefaultTable,
		headerTable: DefaultHeaderTable,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a PostgreSQL store.
type Option func(*options)

// WithTable sets the record table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithHeaderTable sets the folder header table name.
func WithHeaderTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.headerTable = name
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
