package cache

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New[string](
		WithMaxAge[string](time.Second),
		WithSweepInterval[string](time.Hour),
		WithClock[string](clock.Now),
	)
	defer c.Close()

	c.Insert(ctx, "a", "A")
	clock.Advance(500 * time.Millisecond)
	c.Insert(ctx, "b", "B")
	if n := c.Size(); n != 2 {
		t.Fatalf("expected size 2, got %d", n)
	}

	// Exactly maxAge old is still live.
	clock.Advance(500 * time.Millisecond)
	if n := c.Sweep(clock.Now()); n != 0 {
		t.Fatalf("expected nothing expired, got %d", n)
	}

	clock.Advance(100 * time.Millisecond)
	if n := c.Sweep(clock.Now()); n != 1 {
		t.Fatalf("expected one expired, got %d", n)
	}
	if v, ok := c.Peek(ctx); !ok || v != "B" {
		t.Fatalf("expected B to survive, got %q ok=%v", v, ok)
	}

	clock.Advance(time.Second)
	if n := c.Sweep(clock.Now()); n != 1 {
		t.Fatalf("expected one expired, got %d", n)
	}
	if _, ok := c.Peek(ctx); ok {
		t.Fatal("expected most recent key cleared by expiry")
	}
	if s := c.Stats(); s.Expirations != 2 || s.Size != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestDuplicateInsertDoesNotExtendLifetime(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New[string](
		WithMaxAge[string](time.Second),
		WithSweepInterval[string](time.Hour),
		WithClock[string](clock.Now),
	)
	defer c.Close()

	c.Insert(ctx, "a", "A")
	clock.Advance(900 * time.Millisecond)
	c.Insert(ctx, "a", "A")
	clock.Advance(200 * time.Millisecond)
	if n := c.Sweep(clock.Now()); n != 1 {
		t.Fatalf("expected re-inserted key to expire on its first timestamp, got %d", n)
	}
}

func TestSweepDisabledWithoutMaxAge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New[string](WithClock[string](clock.Now))
	defer c.Close()

	c.Insert(ctx, "a", "A")
	clock.Advance(24 * time.Hour)
	if n := c.Sweep(clock.Now()); n != 0 {
		t.Fatalf("expected no expiry, got %d", n)
	}
	if n := c.Size(); n != 1 {
		t.Fatalf("expected size 1, got %d", n)
	}
}

func TestBackgroundSweeperExpires(t *testing.T) {
	ctx := context.Background()
	c := New[string](
		WithMaxAge[string](20*time.Millisecond),
		WithSweepInterval[string](10*time.Millisecond),
	)
	defer c.Close()

	c.Insert(ctx, "a", "A")
	if n := c.Size(); n != 1 {
		t.Fatalf("expected size 1 right after insert, got %d", n)
	}

	deadline := time.Now().Add(time.Second)
	for c.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("entry not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := c.Peek(ctx); ok {
		t.Fatal("expected empty peek after expiry")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSweeperSurvivesPanic(t *testing.T) {
	ctx := context.Background()
	var boom atomic.Bool
	clock := func() time.Time {
		if boom.Load() {
			panic("clock failure")
		}
		return time.Now()
	}
	logs := &lockedBuffer{}
	c := New[string](
		WithMaxAge[string](10*time.Millisecond),
		WithSweepInterval[string](5*time.Millisecond),
		WithClock[string](clock),
		WithLogger[string](slog.New(slog.NewTextHandler(logs, nil))),
	)
	defer c.Close()

	c.Insert(ctx, "a", "A")
	boom.Store(true)
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(logs.String(), "expiry sweep failed") {
		if time.Now().After(deadline) {
			t.Fatal("sweep failure not logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	boom.Store(false)

	deadline = time.Now().Add(time.Second)
	for c.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not recover")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseStopsSweeper(t *testing.T) {
	ctx := context.Background()
	c := New[string](
		WithMaxAge[string](5*time.Millisecond),
		WithSweepInterval[string](5*time.Millisecond),
	)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c.Insert(ctx, "a", "A")
	time.Sleep(30 * time.Millisecond)
	if n := c.Size(); n != 1 {
		t.Fatalf("expected sweeper stopped, size %d", n)
	}
}
