package watchbus

import (
	"context"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a WatchBus so that a failing broker stops being called
// after threshold consecutive publish failures. Publishes are rejected with
// ErrCircuitOpen until cooldown has elapsed, then a single probe is let
// through.
type Breaker struct {
	bus       WatchBus
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
	now       func() time.Time
}

// NewBreaker wraps bus. A threshold below one is treated as one.
func NewBreaker(bus WatchBus, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{bus: bus, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Healthy reports whether publishes are currently let through.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return b.now().Sub(b.lastFail) > b.cooldown
	}
	return b.state == stateClosed
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.lastFail) > b.cooldown {
			b.state = stateHalfOpen
			return true
		}
	}
	// half-open: a probe is already in flight
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = stateClosed
		b.failures = 0
		return
	}
	b.lastFail = b.now()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
	}
}

// Publish implements WatchBus.Publish.
func (b *Breaker) Publish(ctx context.Context, key string, data []byte) error {
	if !b.allow() {
		return warperrors.ErrCircuitOpen
	}
	err := b.bus.Publish(ctx, key, data)
	b.record(err)
	return err
}

// Watch implements WatchBus.Watch.
func (b *Breaker) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.bus.Watch(ctx, key)
}

// Unwatch implements WatchBus.Unwatch.
func (b *Breaker) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	return b.bus.Unwatch(ctx, key, ch)
}
