// Command addrcache serves the expiring address cache over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-addrcache/v1/address"
	"github.com/mirkobrombin/go-addrcache/v1/api"
	"github.com/mirkobrombin/go-addrcache/v1/cache"
	"github.com/mirkobrombin/go-addrcache/v1/config"
	"github.com/mirkobrombin/go-addrcache/v1/metrics"
	"github.com/mirkobrombin/go-addrcache/v1/resp"
)

var (
	configPath = flag.String("config", "", "Path to a YAML configuration file")
	listen     = flag.String("listen", "", "Address to listen on (overrides config)")
	respListen = flag.String("resp", "", "Address of the Redis protocol listener (overrides config)")
	maxAge     = flag.Int64("max-age", -1, "Maximum entry age in time units, 0 disables expiry (overrides config)")
	timeUnit   = flag.String("unit", "", "Time unit of max-age, e.g. seconds or minutes (overrides config)")
	trace      = flag.Bool("trace", false, "Export OpenTelemetry spans to stdout")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("addrcache stopped", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return cfg, err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *respListen != "" {
		cfg.RESPAddr = *respListen
	}
	if *maxAge >= 0 {
		cfg.MaxAge = *maxAge
	}
	if *timeUnit != "" {
		cfg.TimeUnit = *timeUnit
	}
	if *trace {
		cfg.Tracing = true
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	age, err := cfg.MaxAgeDuration()
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	opts := []cache.Option[address.Address]{
		cache.WithMaxAge[address.Address](age),
		cache.WithSweepInterval[address.Address](cfg.SweepInterval),
		cache.WithLogger[address.Address](logger),
		cache.WithMetrics[address.Address](reg),
	}
	if cfg.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, cache.WithTracing[address.Address]())
	}

	bus, closeBus, err := newBus(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer closeBus()
	if bus != nil {
		opts = append(opts, cache.WithWatchBus[address.Address](bus))
	}

	var respLn net.Listener
	if cfg.RESPAddr != "" {
		if respLn, err = net.Listen("tcp", cfg.RESPAddr); err != nil {
			return err
		}
	}

	c := cache.New[address.Address](opts...)
	resolver := address.NewNetResolver(nil)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.New(api.Config{
			Cache:       c,
			Resolver:    resolver,
			Bus:         bus,
			Gatherer:    reg,
			TakeTimeout: cfg.TakeTimeout,
			Logger:      logger,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("addrcache starting",
		"addr", cfg.ListenAddr,
		"max_age", age,
		"sweep_interval", cfg.SweepInterval,
		"resp_addr", cfg.RESPAddr,
		"events", cfg.Events.Backend,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if respLn != nil {
		rs := resp.NewServer(c, resolver, logger)
		g.Go(func() error { return rs.Serve(gctx, respLn) })
	}
	g.Go(func() error {
		<-gctx.Done()
		// Release blocked take requests before draining connections.
		_ = c.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
