package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/summary/store"
	"github.com/rbaliyan/summary/store/memory"
	"github.com/rbaliyan/summary/store/storetest"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// baseOnly hides every optional interface of the wrapped store.
type baseOnly struct{ store.Store }

func newMemory(t *testing.T) *memory.Store {
	t.Helper()
	m := memory.New()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m
}

func TestConformance(t *testing.T) {
	t.Run("full backend", func(t *testing.T) {
		s, err := New(newMemory(t), WithDisabled())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		storetest.Run(t, s)
	})
	t.Run("base backend", func(t *testing.T) {
		s, err := New(baseOnly{newMemory(t)}, WithDisabled())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		storetest.Run(t, s)
	})
}

func TestFoldersUnsupported(t *testing.T) {
	s, err := New(baseOnly{newMemory(t)}, WithDisabled())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Folders(context.Background()); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	s, err := New(newMemory(t), WithTracing(false), WithMeterProvider(mp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rows := []*store.Row{{UID: "1"}, {UID: "2"}, {UID: "3"}}
	if err := s.WriteRecords(ctx, "inbox", rows); err != nil {
		t.Fatalf("write records: %v", err)
	}
	if _, err := s.ReadRecord(ctx, "inbox", "404"); !store.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.WriteRecord(ctx, "", &store.Row{UID: "1"}); err == nil {
		t.Fatal("expected invalid folder error")
	}
	if err := s.BulkRead(ctx, "inbox", func(*store.Row) bool { return true }); err != nil {
		t.Fatalf("bulk read: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				got[m.Name] += dp.Value
			}
		}
	}
	want := map[string]int64{
		"store.operation.count":  4,
		"store.operation.errors": 1,
		"store.rows":             6,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metrics (-want +got):\n%s", diff)
	}
}

func TestTracing(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s, err := New(newMemory(t), WithMetrics(false), WithTracerProvider(tp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.WriteHeader(ctx, "inbox", &store.HeaderRow{}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := s.ReadHeader(ctx, ""); err == nil {
		t.Fatal("expected error for empty folder")
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "store.write_header" || spans[0].Status().Code != codes.Ok {
		t.Errorf("span 0 = %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Name() != "store.read_header" || spans[1].Status().Code != codes.Error {
		t.Errorf("span 1 = %s %v", spans[1].Name(), spans[1].Status())
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "summary.folder" && kv.Value.AsString() == "inbox" {
			found = true
		}
	}
	if !found {
		t.Error("missing summary.folder attribute")
	}
}
