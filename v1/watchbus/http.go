package watchbus

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-addrcache/v1/metrics"
)

// kindFilter parses the optional "kind" query parameter, a comma separated
// list of event kinds. An empty filter accepts every event.
func kindFilter(r *http.Request) map[Kind]struct{} {
	raw := r.URL.Query().Get("kind")
	if raw == "" {
		return nil
	}
	out := make(map[Kind]struct{})
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out[Kind(k)] = struct{}{}
		}
	}
	return out
}

func accept(filter map[Kind]struct{}, msg []byte) bool {
	if len(filter) == 0 {
		return true
	}
	ev, err := DecodeEvent(msg)
	if err != nil {
		return false
	}
	_, ok := filter[ev.Kind]
	return ok
}

// SSEHandler streams events published on topic over Server-Sent Events.
func SSEHandler(bus WatchBus, topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		filter := kindFilter(r)
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, topic)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		metrics.WatcherGauge.Inc()
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), topic, ch)
			metrics.WatcherGauge.Dec()
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !accept(filter, msg) {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams events published on topic over WebSocket.
func WebSocketHandler(bus WatchBus, topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := kindFilter(r)
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := bus.Watch(ctx, topic)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		metrics.WatcherGauge.Inc()
		defer func() {
			_ = bus.Unwatch(context.Background(), topic, ch)
			metrics.WatcherGauge.Dec()
		}()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain client frames so close messages are processed.
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					cancel()
					return
				}
			}
		}()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !accept(filter, msg) {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
