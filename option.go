package summary

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/summary/retry"
	"github.com/rbaliyan/summary/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	// DefaultEvictionInterval is both the eviction tick and the idle window
	// after the last load before unpinned records are dropped.
	DefaultEvictionInterval = 300 * time.Second

	// DefaultFetchAllThreshold is how many more known than loaded records
	// make PrepareFetchAll bulk-load the folder.
	DefaultFetchAllThreshold = 50

	// DefaultNotifyDelay delays the coalesced flag-change delivery.
	// Zero means the next scheduler slot.
	DefaultNotifyDelay = 0

	// Version is the header version written by Save.
	Version = 14
)

// options holds summary configuration.
type options struct {
	store  store.Store
	role   Role
	logger *slog.Logger

	scheduler         Scheduler
	evictionInterval  time.Duration
	fetchAllThreshold int

	filterHeaders bool
	userHeaders   []string

	retry retry.Config

	// Change notification
	notifyDelay    time.Duration
	changeHandlers []ChangeHandler
	eventBus       *event.Bus
	eventTransport transport.Transport
	redisClient    redis.UniversalClient

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		role:              RoleNormal,
		logger:            slog.Default(),
		scheduler:         SystemScheduler(),
		evictionInterval:  DefaultEvictionInterval,
		fetchAllThreshold: DefaultFetchAllThreshold,
		retry:             retry.StoreConfig(),
		notifyDelay:       DefaultNotifyDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Summary.
type Option func(*options)

// WithStore sets the backing store. Without one the summary is memory-only:
// Save, Load and Clear succeed without I/O and cache misses are not found.
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithRole sets the folder role used by the counters.
func WithRole(r Role) Option {
	return func(o *options) {
		o.role = r
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

// WithScheduler sets the scheduler driving eviction and notification.
func WithScheduler(s Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.scheduler = s
		}
	}
}

// WithEvictionInterval sets the eviction tick and idle window.
func WithEvictionInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.evictionInterval = d
		}
	}
}

// WithFetchAllThreshold sets the PrepareFetchAll threshold.
func WithFetchAllThreshold(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.fetchAllThreshold = n
		}
	}
}

// WithFilterHeaders makes records built from messages keep their raw
// headers, for folders that run content filters.
func WithFilterHeaders(enabled bool) Option {
	return func(o *options) {
		o.filterHeaders = enabled
	}
}

// WithUserHeaders names headers copied into each new record's user headers.
func WithUserHeaders(names ...string) Option {
	return func(o *options) {
		o.userHeaders = append(o.userHeaders, names...)
	}
}

// WithRetry sets the retry policy for store reads and header I/O.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

// WithNotifyDelay sets how long flag changes are coalesced before delivery.
func WithNotifyDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.notifyDelay = d
		}
	}
}

// WithChangeHandler registers a callback for coalesced flag changes.
func WithChangeHandler(h ChangeHandler) Option {
	return func(o *options) {
		if h != nil {
			o.changeHandlers = append(o.changeHandlers, h)
		}
	}
}

// WithEventBus publishes flag-change events on an existing bus.
func WithEventBus(bus *event.Bus) Option {
	return func(o *options) {
		if bus != nil {
			o.eventBus = bus
		}
	}
}

// WithEventTransport creates the summary's event bus on a custom transport.
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient creates the summary's event bus on a Redis transport.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// --- OpenTelemetry Options ---

// WithTracing enables or disables OpenTelemetry tracing.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name attribute for telemetry.
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}
