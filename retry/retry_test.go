package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rbaliyan/summary/store"
)

func fastConfig(retries int) Config {
	return Config{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", store.ErrNotFound},
		{"wrapped not found", fmt.Errorf("read: %w", store.ErrNotFound)},
		{"not connected", store.ErrNotConnected},
		{"marked permanent", Permanent(errors.New("bad row"))},
		{"canceled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(3), func(context.Context) error {
				calls++
				return tt.err
			})
			if calls != 1 {
				t.Errorf("expected 1 call, got %d", calls)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("expected %v to be returned, got %v", tt.err, err)
			}
		})
	}
}

func TestDoMaxRetries(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	var re *RetryError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryError, got %T", err)
	}
	if re.Attempts != 3 || !errors.Is(err, ErrMaxRetries) || !errors.Is(err, boom) {
		t.Errorf("unexpected retry error: %v", err)
	}
}

func TestDoNoRetryReturnsCause(t *testing.T) {
	boom := errors.New("boom")
	err := Do(context.Background(), NoRetry(), func(context.Context) error { return boom })
	if err != boom {
		t.Errorf("expected bare cause, got %v", err)
	}
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, cfg, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrContextCanceled) {
			t.Errorf("expected ErrContextCanceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(1), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("expected 42, nil; got %d, %v", v, err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 10}.withDefaults()
	for attempt := range 5 {
		if d := cfg.backoff(attempt); d > 3*time.Second {
			t.Errorf("attempt %d: backoff %v exceeds cap", attempt, d)
		}
	}
}
