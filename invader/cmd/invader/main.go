package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ashen-realm/invader/internal/api"
	"ashen-realm/invader/internal/consumer"
	"ashen-realm/invader/internal/lifecycle"
	"ashen-realm/invader/internal/notify"
	"ashen-realm/shared/cachex"
	"ashen-realm/shared/config"
	"ashen-realm/shared/events"
	"ashen-realm/shared/httpx"
	"ashen-realm/shared/influxx"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
	"ashen-realm/shared/mqx"
	"ashen-realm/shared/observability"
)

const statsInterval = time.Minute

func main() {
	cfg, problems := config.Load("invader", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Error(context.Background(), "otel_init_failed", "otel init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	}

	manager := mqx.NewManager(mqx.Options{
		URL:          cfg.RabbitMQURL,
		Topology:     mqx.DefaultTopology(cfg),
		Prefetch:     cfg.ConsumerPrefetch,
		Reconnect:    cfg.BrokerReconnect,
		ReconnectMax: cfg.BrokerReconnectMax(),
		Logger:       logger,
	})
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	err = manager.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		logger.Error(context.Background(), "broker_connect_failed", "could not reach the broker",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	bus := mqx.NewBus(manager, cfg.ReplyTimeout(), logger)

	var lc *lifecycle.Lifecycle
	sinks, closeSinks := buildSinks(cfg, bus, func() lifecycle.Stats { return lc.Stats() }, logger)
	fanout := notify.New(notify.Options{Logger: logger}, sinks...)

	lc = lifecycle.New(lifecycle.Options{
		BaseDuration:  cfg.InvasionBaseDuration(),
		HistoryCap:    cfg.InvasionHistoryCap,
		Notifier:      fanout,
		Logger:        logger,
		AutoChance:    cfg.AutoInvasionChance,
		AutoPerMinute: cfg.AutoInvasionPerMinute,
		AutoBurst:     cfg.AutoInvasionBurst,
		AutoMaxActive: cfg.AutoInvasionMaxActive,
		Spawn: func(ctx context.Context, inv events.Invasion) error {
			return bus.Send(ctx, cfg.QueueInvasions, inv)
		},
	})

	dispatcher := mqx.NewDispatcher(manager, cfg.HandlerMaxRetries, logger)
	handlers := consumer.New(lc, bus, time.Now, logger)
	if err := handlers.Bind(dispatcher, cfg.QueueMessages, cfg.QueueInvasions); err != nil {
		logger.Error(context.Background(), "bind_failed", "could not bind handlers",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error(ctx, "dispatcher_stopped", "dispatcher stopped",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()
	go func() {
		defer wg.Done()
		lc.Run(ctx, cfg.InvasionSweepInterval())
	}()
	go func() {
		defer wg.Done()
		logStats(ctx, lc, logger)
	}()

	mux := http.NewServeMux()
	api.New(lc, manager, cfg.ServiceName, cfg.Env, version).Routes(mux)
	mux.Handle("GET /metrics", metricsx.Handler())
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", "There is nothing here but hollows...")
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "the invaders stir",
			slog.String("addr", server.Addr),
			slog.String("messages_queue", cfg.QueueMessages),
			slog.String("invasions_queue", cfg.QueueInvasions),
			slog.Any("sinks", fanout.Sinks()),
			slog.Int("max_retries", cfg.HandlerMaxRetries),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}

	// stop consuming first, then release channel and connection; in-flight
	// invasions are dropped with the process
	cancel()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := manager.Close(); err != nil {
		logger.Warn(context.Background(), "broker_close_failed", "broker close failed", slog.String("error", err.Error()))
	}
	closeSinks()
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "the invaders returned to the shadows",
		slog.Int("active_dropped", lc.Stats().ActiveInvasions),
	)
}

// buildSinks enables every resolution sink whose settings are present.
func buildSinks(cfg config.Config, bus *mqx.Bus, stats func() lifecycle.Stats, logger logx.Logger) ([]notify.Sink, func()) {
	sinks := []notify.Sink{notify.NewAMQPSink(bus, cfg.ResolutionRoutingKey)}
	var closers []func()

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Warn(context.Background(), "kafka_sink_disabled", "kafka sink disabled", slog.String("error", err.Error()))
		} else {
			sinks = append(sinks, notify.NewKafkaSink(producer))
			closers = append(closers, func() { _ = producer.Close() })
		}
	}
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = cache.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = cache.Close()
			}
		}
		if err != nil {
			logger.Warn(context.Background(), "redis_sink_disabled", "redis sink disabled", slog.String("error", err.Error()))
		} else {
			sinks = append(sinks, notify.NewRedisSink(cache, stats, time.Hour))
			closers = append(closers, func() { _ = cache.Close() })
		}
	}
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_sink_disabled", "influx sink disabled", slog.String("error", err.Error()))
		} else {
			sinks = append(sinks, notify.NewInfluxSink(influx))
			closers = append(closers, influx.Close)
		}
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

func logStats(ctx context.Context, lc *lifecycle.Lifecycle, logger logx.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := lc.Stats()
			logger.Info(ctx, "invader_stats", "invader stats",
				slog.Int("total_invasions", st.TotalInvasions),
				slog.Int("active_invasions", st.ActiveInvasions),
				slog.Int("completed_invasions", st.Completed),
				slog.Int("messages_observed", st.MessagesObserved),
				slog.Float64("success_rate", st.SuccessRate),
			)
		}
	}
}
