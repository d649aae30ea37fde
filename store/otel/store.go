// Package otel wraps any store.Store with OpenTelemetry spans and metrics.
//
// The wrapper implements every optional store interface. When the backend
// lacks one, the wrapper answers it from the base interface (CountMatching
// and ReadFlags scan BulkRead, WriteRecords loops over WriteRecord), so
// wrapping never changes what a summary can do with the store.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/summary/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/summary/store/otel"

// Operation names used for span names and the store.op attribute.
const (
	opReadRecord    = "read_record"
	opWriteRecord   = "write_record"
	opWriteRecords  = "write_records"
	opDeleteRecord  = "delete_record"
	opDeleteRecords = "delete_records"
	opBulkRead      = "bulk_read"
	opReadFlags     = "read_flags"
	opCountMatching = "count_matching"
	opReadHeader    = "read_header"
	opWriteHeader   = "write_header"
	opClearFolder   = "clear_folder"
	opFolders       = "folders"
)

// Compile-time checks
var (
	_ store.Store        = (*Store)(nil)
	_ store.Lifecycle    = (*Store)(nil)
	_ store.Counter      = (*Store)(nil)
	_ store.FlagReader   = (*Store)(nil)
	_ store.BatchWriter  = (*Store)(nil)
	_ store.FolderLister = (*Store)(nil)
)

// Store wraps a store.Store with OpenTelemetry instrumentation.
type Store struct {
	backend store.Store
	opts    *options

	tracer trace.Tracer

	latency metric.Float64Histogram
	count   metric.Int64Counter
	errs    metric.Int64Counter
	rows    metric.Int64Counter
}

// New creates an instrumented store wrapping backend.
func New(backend store.Store, opts ...Option) (*Store, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "summary",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{backend: backend, opts: o}
	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	s.latency, err = meter.Float64Histogram(
		"store.operation.duration",
		metric.WithDescription("Duration of store operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.count, err = meter.Int64Counter(
		"store.operation.count",
		metric.WithDescription("Number of store operations"),
	)
	if err != nil {
		return err
	}

	s.errs, err = meter.Int64Counter(
		"store.operation.errors",
		metric.WithDescription("Number of failed store operations"),
	)
	if err != nil {
		return err
	}

	s.rows, err = meter.Int64Counter(
		"store.rows",
		metric.WithDescription("Rows read or written"),
	)
	return err
}

// Backend returns the wrapped store.
func (s *Store) Backend() store.Store { return s.backend }

// observe runs fn inside a span and records its latency and outcome.
// A not-found result is not counted as an error.
func (s *Store) observe(ctx context.Context, op, folderID string, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("store.op", op),
		attribute.String("service.name", s.opts.serviceName),
	}
	if folderID != "" {
		attrs = append(attrs, attribute.String("summary.folder", folderID))
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "store."+op,
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	start := time.Now()
	err := fn(ctx)
	failed := err != nil && !errors.Is(err, store.ErrNotFound)

	if s.opts.metricsEnabled {
		set := metric.WithAttributes(attrs...)
		s.latency.Record(ctx, time.Since(start).Seconds(), set)
		s.count.Add(ctx, 1, set)
		if failed {
			s.errs.Add(ctx, 1, set)
		}
	}
	if span != nil {
		if failed {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return err
}

func (s *Store) addRows(ctx context.Context, op string, n int) {
	if s.opts.metricsEnabled && n > 0 {
		s.rows.Add(ctx, int64(n), metric.WithAttributes(attribute.String("store.op", op)))
	}
}

// Connect connects the backend if it has a lifecycle.
func (s *Store) Connect(ctx context.Context) error {
	if lc, ok := s.backend.(store.Lifecycle); ok {
		return lc.Connect(ctx)
	}
	return nil
}

// Close closes the backend if it has a lifecycle.
func (s *Store) Close(ctx context.Context) error {
	if lc, ok := s.backend.(store.Lifecycle); ok {
		return lc.Close(ctx)
	}
	return nil
}

func (s *Store) ReadRecord(ctx context.Context, folderID, uid string) (*store.Row, error) {
	var row *store.Row
	err := s.observe(ctx, opReadRecord, folderID, func(ctx context.Context) error {
		var err error
		row, err = s.backend.ReadRecord(ctx, folderID, uid)
		return err
	})
	return row, err
}

func (s *Store) WriteRecord(ctx context.Context, folderID string, row *store.Row) error {
	return s.observe(ctx, opWriteRecord, folderID, func(ctx context.Context) error {
		return s.backend.WriteRecord(ctx, folderID, row)
	})
}

// WriteRecords uses the backend's batch write, or writes rows one by one.
func (s *Store) WriteRecords(ctx context.Context, folderID string, rows []*store.Row) error {
	err := s.observe(ctx, opWriteRecords, folderID, func(ctx context.Context) error {
		if bw, ok := s.backend.(store.BatchWriter); ok {
			return bw.WriteRecords(ctx, folderID, rows)
		}
		var be store.BatchError
		for i, row := range rows {
			if err := s.backend.WriteRecord(ctx, folderID, row); err != nil {
				uid := fmt.Sprint(i)
				if row != nil && row.UID != "" {
					uid = row.UID
				}
				be.Add(uid, err)
			}
		}
		if be.Len() > 0 {
			return &be
		}
		return nil
	})
	if err == nil {
		s.addRows(ctx, opWriteRecords, len(rows))
	}
	return err
}

func (s *Store) DeleteRecord(ctx context.Context, folderID, uid string) error {
	return s.observe(ctx, opDeleteRecord, folderID, func(ctx context.Context) error {
		return s.backend.DeleteRecord(ctx, folderID, uid)
	})
}

func (s *Store) DeleteRecords(ctx context.Context, folderID string, uids []string) error {
	return s.observe(ctx, opDeleteRecords, folderID, func(ctx context.Context) error {
		return s.backend.DeleteRecords(ctx, folderID, uids)
	})
}

func (s *Store) BulkRead(ctx context.Context, folderID string, fn func(*store.Row) bool) error {
	n := 0
	err := s.observe(ctx, opBulkRead, folderID, func(ctx context.Context) error {
		return s.backend.BulkRead(ctx, folderID, func(r *store.Row) bool {
			n++
			return fn(r)
		})
	})
	s.addRows(ctx, opBulkRead, n)
	return err
}

// ReadFlags uses the backend's flag reader, or scans every row.
func (s *Store) ReadFlags(ctx context.Context, folderID string) (map[string]uint32, error) {
	var flags map[string]uint32
	err := s.observe(ctx, opReadFlags, folderID, func(ctx context.Context) error {
		if fr, ok := s.backend.(store.FlagReader); ok {
			var err error
			flags, err = fr.ReadFlags(ctx, folderID)
			return err
		}
		flags = make(map[string]uint32)
		return s.backend.BulkRead(ctx, folderID, func(r *store.Row) bool {
			flags[r.UID] = r.Flags
			return true
		})
	})
	return flags, err
}

// CountMatching uses the backend's counter, or scans every row.
func (s *Store) CountMatching(ctx context.Context, folderID string, match store.FlagMatch) (uint32, error) {
	var n uint32
	err := s.observe(ctx, opCountMatching, folderID, func(ctx context.Context) error {
		if c, ok := s.backend.(store.Counter); ok {
			var err error
			n, err = c.CountMatching(ctx, folderID, match)
			return err
		}
		return s.backend.BulkRead(ctx, folderID, func(r *store.Row) bool {
			if match.Matches(r.Flags) {
				n++
			}
			return true
		})
	})
	return n, err
}

func (s *Store) ReadHeader(ctx context.Context, folderID string) (*store.HeaderRow, error) {
	var h *store.HeaderRow
	err := s.observe(ctx, opReadHeader, folderID, func(ctx context.Context) error {
		var err error
		h, err = s.backend.ReadHeader(ctx, folderID)
		return err
	})
	return h, err
}

func (s *Store) WriteHeader(ctx context.Context, folderID string, header *store.HeaderRow) error {
	return s.observe(ctx, opWriteHeader, folderID, func(ctx context.Context) error {
		return s.backend.WriteHeader(ctx, folderID, header)
	})
}

func (s *Store) ClearFolder(ctx context.Context, folderID string) error {
	return s.observe(ctx, opClearFolder, folderID, func(ctx context.Context) error {
		return s.backend.ClearFolder(ctx, folderID)
	})
}

// Folders lists the backend's folders. Backends without a lister return
// errors.ErrUnsupported.
func (s *Store) Folders(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.observe(ctx, opFolders, "", func(ctx context.Context) error {
		fl, ok := s.backend.(store.FolderLister)
		if !ok {
			return fmt.Errorf("folder listing: %w", errors.ErrUnsupported)
		}
		var err error
		ids, err = fl.Folders(ctx)
		return err
	})
	return ids, err
}
