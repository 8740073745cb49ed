package watchbus

import (
	"context"
	"fmt"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSWatchBus implements WatchBus on top of NATS core subjects.
type NATSWatchBus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[chan []byte]*natsWatch
}

type natsWatch struct {
	sub  *nats.Subscription
	done chan struct{}
	once sync.Once
}

func (w *natsWatch) stop() {
	w.once.Do(func() {
		_ = w.sub.Unsubscribe()
		close(w.done)
	})
}

// NewNATSWatchBus returns a NATSWatchBus using the provided connection.
func NewNATSWatchBus(conn *nats.Conn) *NATSWatchBus {
	return &NATSWatchBus{conn: conn, subs: make(map[chan []byte]*natsWatch)}
}

// Publish implements WatchBus.Publish.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.conn.Publish(key, data)
}

// Watch implements WatchBus.Watch. The subscription is flushed to the server
// before Watch returns so that subsequent publishes are observed.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := b.conn.ChanSubscribe(key, msgs)
	if err != nil {
		return nil, fmt.Errorf("watchbus: nats subscribe %s: %w", key, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("watchbus: nats flush: %w", err)
	}
	w := &natsWatch{sub: sub, done: make(chan struct{})}
	ch := make(chan []byte, 1)

	b.mu.Lock()
	b.subs[ch] = w
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			select {
			case m := <-msgs:
				select {
				case ch <- m.Data:
				case <-w.done:
					return
				case <-ctx.Done():
					_ = b.Unwatch(context.Background(), key, ch)
					return
				}
			case <-w.done:
				return
			case <-ctx.Done():
				_ = b.Unwatch(context.Background(), key, ch)
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	w, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		w.stop()
	}
	return nil
}
