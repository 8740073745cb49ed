// Package api exposes the address cache over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-addrcache/v1/address"
	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
	"github.com/mirkobrombin/go-addrcache/v1/metrics"
	"github.com/mirkobrombin/go-addrcache/v1/watchbus"
)

// AddressCache is the cache engine consumed by the HTTP layer.
type AddressCache interface {
	Insert(ctx context.Context, key string, value address.Address) bool
	Remove(ctx context.Context, key string) bool
	Peek(ctx context.Context) (address.Address, bool)
	Take(ctx context.Context) (address.Address, error)
	Size() int
}

// Config wires the server collaborators. Cache and Resolver are required.
type Config struct {
	Cache    AddressCache
	Resolver address.Resolver
	// Bus enables the event stream endpoints when set.
	Bus watchbus.WatchBus
	// Gatherer enables /metrics when set.
	Gatherer prometheus.Gatherer
	// TakeTimeout is the default wait of a take request; zero waits until
	// the client disconnects.
	TakeTimeout time.Duration
	Logger      *slog.Logger
}

// Server routes address requests to the cache.
type Server struct {
	cfg    Config
	router *chi.Mux
	log    *slog.Logger
}

const (
	msgAdded       = "Address added successfully"
	msgRemoved     = "Address removed successfully"
	msgUnresolved  = "Address not found for the given ip address"
	msgNotCached   = "Address not present in cache"
	msgNoLastAdded = "Last added element not found"
	msgTakeTimeout = "No address became available before the timeout"
	msgClosed      = "Cache is shutting down"
)

// New constructs a Server with middleware and routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, router: chi.NewRouter(), log: logger}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/address", func(r chi.Router) {
		r.Get("/peek", s.handlePeek)
		r.Get("/take", s.handleTake)
		r.Get("/size", s.handleSize)
		if cfg.Bus != nil {
			r.Get("/events", watchbus.SSEHandler(cfg.Bus, watchbus.Topic))
			r.Get("/events/ws", watchbus.WebSocketHandler(cfg.Bus, watchbus.Topic))
		}
		r.Put("/{ipAddress}", s.handleAdd)
		r.Delete("/{ipAddress}", s.handleRemove)
	})
	return s
}

// Router exposes the root HTTP handler for the server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) reply(w http.ResponseWriter, op string, code int, body string) {
	metrics.RequestCounter.WithLabelValues(op, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, op string) (address.Address, bool) {
	raw := chi.URLParam(r, "ipAddress")
	a, err := s.cfg.Resolver.Resolve(r.Context(), raw)
	if err != nil {
		metrics.ResolveFailures.Inc()
		s.log.Debug("resolve address", "input", raw, "err", err)
		s.reply(w, op, http.StatusBadRequest, msgUnresolved)
		return address.Address{}, false
	}
	return a, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	a, ok := s.resolve(w, r, "add")
	if !ok {
		return
	}
	s.cfg.Cache.Insert(r.Context(), a.Key(), a)
	s.reply(w, "add", http.StatusOK, msgAdded)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	a, ok := s.resolve(w, r, "remove")
	if !ok {
		return
	}
	if !s.cfg.Cache.Remove(r.Context(), a.Key()) {
		s.reply(w, "remove", http.StatusNotFound, msgNotCached)
		return
	}
	s.reply(w, "remove", http.StatusOK, msgRemoved)
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	a, ok := s.cfg.Cache.Peek(r.Context())
	if !ok {
		s.reply(w, "peek", http.StatusNotFound, msgNoLastAdded)
		return
	}
	s.reply(w, "peek", http.StatusOK, a.String())
}

// handleTake blocks until an address is available. The optional "timeout"
// query parameter overrides the configured default wait.
func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	timeout := s.cfg.TakeTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.reply(w, "take", http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}
	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a, err := s.cfg.Cache.Take(ctx)
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		err = warperrors.ErrTimeout
	}
	switch {
	case err == nil:
		s.reply(w, "take", http.StatusOK, a.String())
	case errors.Is(err, warperrors.ErrTimeout):
		s.reply(w, "take", http.StatusGatewayTimeout, msgTakeTimeout)
	case errors.Is(err, warperrors.ErrClosed):
		s.reply(w, "take", http.StatusServiceUnavailable, msgClosed)
	default:
		// The client went away; nobody is left to answer.
		s.log.Debug("take aborted", "err", err)
	}
}

func (s *Server) handleSize(w http.ResponseWriter, _ *http.Request) {
	metrics.RequestCounter.WithLabelValues("size", "200").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"size": s.cfg.Cache.Size()})
}
