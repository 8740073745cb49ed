package watchbus

import (
	"context"
	"errors"
	"testing"
	"time"

	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
)

type flakyBus struct {
	*InMemoryWatchBus
	err   error
	calls int
}

func (f *flakyBus) Publish(ctx context.Context, key string, data []byte) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return f.InMemoryWatchBus.Publish(ctx, key, data)
}

func TestBreakerStateTransitions(t *testing.T) {
	fb := &flakyBus{InMemoryWatchBus: NewInMemory(1)}
	cb := NewBreaker(fb, 2, time.Second)
	now := time.Unix(0, 0)
	cb.now = func() time.Time { return now }
	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.Healthy() {
		t.Fatal("expected healthy initially")
	}

	fb.err = failErr
	if err := cb.Publish(ctx, "k", nil); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.Healthy() {
		t.Fatal("expected healthy below threshold")
	}
	if err := cb.Publish(ctx, "k", nil); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.Healthy() {
		t.Fatal("expected open after threshold")
	}
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, warperrors.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if fb.calls != 2 {
		t.Fatalf("open breaker reached the bus: %d calls", fb.calls)
	}

	now = now.Add(2 * time.Second)
	if !cb.Healthy() {
		t.Fatal("expected healthy after cooldown")
	}

	// failed probe reopens immediately
	if err := cb.Publish(ctx, "k", nil); err != failErr {
		t.Fatalf("expected failErr on probe, got %v", err)
	}
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, warperrors.ErrCircuitOpen) {
		t.Fatalf("expected reopened breaker, got %v", err)
	}

	now = now.Add(2 * time.Second)
	fb.err = nil
	if err := cb.Publish(ctx, "k", nil); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !cb.Healthy() || cb.failures != 0 {
		t.Fatalf("expected closed breaker, failures=%d", cb.failures)
	}
}

func TestBreakerPassesWatch(t *testing.T) {
	mem := NewInMemory(1)
	cb := NewBreaker(mem, 1, time.Second)
	ctx := context.Background()
	ch, err := cb.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := cb.Publish(ctx, "k", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := <-ch; string(got) != "x" {
		t.Fatalf("unexpected %q", got)
	}
	if err := cb.Unwatch(ctx, "k", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if mem.Watchers("k") != 0 {
		t.Fatal("expected watcher removed")
	}
}
