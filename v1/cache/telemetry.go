package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
	"github.com/mirkobrombin/go-addrcache/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-addrcache/v1/cache")

// observe starts a span for op when tracing is enabled. The returned func
// records latency and ends the span.
func (c *ExpiringCache[T]) observe(ctx context.Context, op string) (context.Context, trace.Span, func()) {
	if !c.traceEnabled && c.latencyHist == nil {
		return ctx, noop.Span{}, func() {}
	}
	var span trace.Span = noop.Span{}
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Cache."+op)
	}
	start := time.Now()
	return ctx, span, func() {
		latency := time.Since(start)
		if c.latencyHist != nil {
			c.latencyHist.WithLabelValues(op).Observe(latency.Seconds())
		}
		if c.traceEnabled {
			span.SetAttributes(attribute.Int64("addrcache.latency_ms", latency.Milliseconds()))
			span.End()
		}
	}
}

// setSizeLocked updates the entries gauge. c.mu must be held.
func (c *ExpiringCache[T]) setSizeLocked() {
	if c.sizeGauge != nil {
		c.sizeGauge.Set(float64(len(c.entries)))
	}
}

// publish sends a lifecycle event to the configured bus. Failures are
// logged and never surface to cache callers.
func (c *ExpiringCache[T]) publish(ctx context.Context, kind watchbus.Kind, key string, value T, at time.Time) {
	if c.bus == nil {
		return
	}
	data, err := watchbus.NewEvent(kind, key, render(value), at).Encode()
	if err == nil {
		err = c.bus.Publish(ctx, watchbus.Topic, data)
	}
	switch {
	case err == nil:
	case errors.Is(err, warperrors.ErrCircuitOpen):
		c.logger.Debug("cache event dropped", "kind", kind, "key", key, "err", err)
	default:
		c.logger.Warn("publish cache event", "kind", kind, "key", key, "err", err)
	}
}

// render is the textual form of a value carried in events.
func render(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}
