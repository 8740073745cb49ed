package main

import (
	"context"
	"fmt"
	"strings"

	nats "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-addrcache/v1/config"
	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
	"github.com/mirkobrombin/go-addrcache/v1/watchbus"
)

// newBus builds the event bus selected by cfg. The returned func releases
// its connections; it is never nil on success. Remote backends sit behind a
// circuit breaker when cfg.BreakerThreshold is positive.
func newBus(ctx context.Context, cfg config.Events) (watchbus.WatchBus, func(), error) {
	bus, release, err := dialBus(ctx, cfg)
	if err != nil || bus == nil {
		return bus, release, err
	}
	if _, local := bus.(*watchbus.InMemoryWatchBus); !local && cfg.BreakerThreshold > 0 {
		bus = watchbus.NewBreaker(bus, cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	return bus, release, nil
}

func dialBus(ctx context.Context, cfg config.Events) (watchbus.WatchBus, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.BackendNone:
		return nil, func() {}, nil
	case config.BackendMemory:
		return watchbus.NewInMemory(cfg.Buffer), func() {}, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return watchbus.NewRedisWatchBus(client), func() { _ = client.Close() }, nil
	case config.BackendNATS:
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats %s: %w", cfg.NATSURL, err)
		}
		return watchbus.NewNATSWatchBus(conn), conn.Close, nil
	case config.BackendKafka:
		bus, err := watchbus.NewKafkaWatchBus(cfg.KafkaBrokers, nil)
		if err != nil {
			return nil, nil, err
		}
		return bus, func() { _ = bus.Close() }, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", warperrors.ErrUnknownBackend, cfg.Backend)
}
