package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
	"github.com/mirkobrombin/go-addrcache/v1/watchbus"
)

// ExpiringCache is a concurrency-safe key/value cache that evicts entries by
// age only and tracks the most recently inserted live key.
//
// entries and the most recent key are guarded together by mu: whenever
// hasLatest is true, entries[latest] exists.
type ExpiringCache[T any] struct {
	mu        sync.RWMutex
	entries   map[string]entry[T]
	latest    string
	hasLatest bool
	// avail is closed and replaced on every insert, waking all Take callers.
	avail  chan struct{}
	closed bool

	maxAge        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
	bus           watchbus.WatchBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inserts    atomic.Uint64
	duplicates atomic.Uint64
	removals   atomic.Uint64
	takes      atomic.Uint64
	expired    atomic.Uint64

	insertCounter    prometheus.Counter
	duplicateCounter prometheus.Counter
	removeCounter    prometheus.Counter
	takeCounter      prometheus.Counter
	expireCounter    prometheus.Counter
	sizeGauge        prometheus.Gauge
	waiterGauge      prometheus.Gauge
	latencyHist      *prometheus.HistogramVec
	traceEnabled     bool
}

// entry is immutable once stored.
type entry[T any] struct {
	value      T
	insertedAt time.Time
}

// New returns a new ExpiringCache. When a maximum age is configured with
// WithMaxAge, a background goroutine sweeps expired entries until Close.
func New[T any](opts ...Option[T]) *ExpiringCache[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &ExpiringCache[T]{
		entries:       make(map[string]entry[T]),
		avail:         make(chan struct{}),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		logger:        slog.Default(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAge > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// Insert stores value under key unless key is already present, in which case
// the existing entry is kept untouched. Either way key becomes the most
// recent key and blocked Take calls are woken. Insert always returns true.
func (c *ExpiringCache[T]) Insert(ctx context.Context, key string, value T) bool {
	ctx, span, done := c.observe(ctx, "Insert")
	defer done()

	now := c.now()
	c.mu.Lock()
	_, exists := c.entries[key]
	if !exists {
		c.entries[key] = entry[T]{value: value, insertedAt: now}
		c.setSizeLocked()
	}
	c.latest = key
	c.hasLatest = true
	if !c.closed {
		close(c.avail)
		c.avail = make(chan struct{})
	}
	c.mu.Unlock()

	kind := watchbus.KindInserted
	if exists {
		kind = watchbus.KindDuplicate
		c.duplicates.Add(1)
		if c.duplicateCounter != nil {
			c.duplicateCounter.Inc()
		}
	} else {
		c.inserts.Add(1)
		if c.insertCounter != nil {
			c.insertCounter.Inc()
		}
	}
	span.SetAttributes(attribute.Bool("addrcache.duplicate", exists))
	c.publish(ctx, kind, key, value, now)
	return true
}

// Remove deletes the entry for key. It reports whether an entry was removed.
func (c *ExpiringCache[T]) Remove(ctx context.Context, key string) bool {
	ctx, span, done := c.observe(ctx, "Remove")
	defer done()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.deleteLocked(key)
	}
	c.mu.Unlock()

	span.SetAttributes(attribute.Bool("addrcache.removed", ok))
	if !ok {
		return false
	}
	c.removals.Add(1)
	if c.removeCounter != nil {
		c.removeCounter.Inc()
	}
	c.publish(ctx, watchbus.KindRemoved, key, e.value, c.now())
	return true
}

// Peek returns the value of the most recently inserted live entry without
// removing it. The boolean is false when there is none.
func (c *ExpiringCache[T]) Peek(ctx context.Context) (T, bool) {
	_, span, done := c.observe(ctx, "Peek")
	defer done()

	c.mu.RLock()
	defer c.mu.RUnlock()
	span.SetAttributes(attribute.Bool("addrcache.hit", c.hasLatest))
	if !c.hasLatest {
		var zero T
		return zero, false
	}
	return c.entries[c.latest].value, true
}

// Take removes and returns the most recently inserted live entry, blocking
// until one is available. It returns ctx.Err() when ctx is done first and
// errors.ErrClosed once the cache is closed with nothing left to take.
func (c *ExpiringCache[T]) Take(ctx context.Context) (T, error) {
	ctx, _, done := c.observe(ctx, "Take")
	defer done()

	waiting := false
	defer func() {
		if waiting && c.waiterGauge != nil {
			c.waiterGauge.Dec()
		}
	}()
	for {
		if v, ok := c.TryTake(ctx); ok {
			return v, nil
		}
		c.mu.RLock()
		// Recheck under the lock; an insert may have landed since TryTake.
		ready, closed, avail := c.hasLatest, c.closed, c.avail
		c.mu.RUnlock()
		if ready {
			continue
		}
		if closed {
			var zero T
			return zero, warperrors.ErrClosed
		}
		if !waiting {
			waiting = true
			if c.waiterGauge != nil {
				c.waiterGauge.Inc()
			}
		}
		select {
		case <-avail:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryTake is the non-blocking form of Take.
func (c *ExpiringCache[T]) TryTake(ctx context.Context) (T, bool) {
	c.mu.Lock()
	if !c.hasLatest {
		c.mu.Unlock()
		var zero T
		return zero, false
	}
	key := c.latest
	e := c.entries[key]
	c.deleteLocked(key)
	c.mu.Unlock()

	c.takes.Add(1)
	if c.takeCounter != nil {
		c.takeCounter.Inc()
	}
	c.publish(ctx, watchbus.KindTaken, key, e.value, c.now())
	return e.value, true
}

// Size returns the number of live entries.
func (c *ExpiringCache[T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// InsertedAt reports when the entry for key was created.
func (c *ExpiringCache[T]) InsertedAt(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.insertedAt, ok
}

// Close stops the sweeper, waiting for an in-flight sweep to reach a key
// boundary, and releases blocked Take calls. Entries remain readable.
// Close is safe to call multiple times.
func (c *ExpiringCache[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.avail)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// Stats reports counters about cache usage.
type Stats struct {
	Inserts     uint64
	Duplicates  uint64
	Removals    uint64
	Takes       uint64
	Expirations uint64
	Size        int
}

// Stats returns current counters for the cache.
func (c *ExpiringCache[T]) Stats() Stats {
	return Stats{
		Inserts:     c.inserts.Load(),
		Duplicates:  c.duplicates.Load(),
		Removals:    c.removals.Load(),
		Takes:       c.takes.Load(),
		Expirations: c.expired.Load(),
		Size:        c.Size(),
	}
}

// deleteLocked removes key and clears the most recent key if it names it.
// c.mu must be held for writing.
func (c *ExpiringCache[T]) deleteLocked(key string) {
	delete(c.entries, key)
	if c.hasLatest && c.latest == key {
		c.latest = ""
		c.hasLatest = false
	}
	c.setSizeLocked()
}
