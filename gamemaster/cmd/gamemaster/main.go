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

	"ashen-realm/gamemaster/internal/api"
	"ashen-realm/gamemaster/internal/consumer"
	"ashen-realm/gamemaster/internal/realm"
	"ashen-realm/shared/config"
	"ashen-realm/shared/events"
	"ashen-realm/shared/httpx"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
	"ashen-realm/shared/mqx"
	"ashen-realm/shared/observability"
)

const statsInterval = time.Minute

func main() {
	cfg, problems := config.Load("gamemaster", 8083)
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

	// global events go to the notifications queue, so it is declared here too
	manager := mqx.NewManager(mqx.Options{
		URL:          cfg.RabbitMQURL,
		Topology:     mqx.DefaultTopology(cfg).WithAuxiliary(),
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

	rm := realm.New(realm.Options{
		QuestChance:       cfg.QuestChance,
		CasualReplyChance: cfg.CasualReplyChance,
		Logger:            logger,
		Announce: func(ctx context.Context, ev events.GlobalEvent) error {
			return bus.Send(ctx, events.QueueNotifications, ev)
		},
	})

	dispatcher := mqx.NewDispatcher(manager, cfg.HandlerMaxRetries, logger)
	handlers := consumer.New(rm, bus, time.Now, logger)
	if err := handlers.Bind(dispatcher, cfg.QueueMessages, cfg.QueueEvents); err != nil {
		logger.Error(context.Background(), "bind_failed", "could not bind handlers",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	globalMin, globalMax := cfg.GlobalEventInterval()
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
		rm.Run(ctx, globalMin, globalMax)
	}()
	go func() {
		defer wg.Done()
		logStats(ctx, rm, logger)
	}()

	mux := http.NewServeMux()
	api.New(rm, manager, cfg.ServiceName, cfg.Env, version).Routes(mux)
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
		logger.Info(context.Background(), "service_start", "the game master prepares adventures",
			slog.String("addr", server.Addr),
			slog.String("messages_queue", cfg.QueueMessages),
			slog.String("events_queue", cfg.QueueEvents),
			slog.Duration("global_event_min", globalMin),
			slog.Duration("global_event_max", globalMax),
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
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	st := rm.Stats()
	logger.Info(context.Background(), "service_stop", "the game master rests",
		slog.Int("total_events", st.TotalEvents),
		slog.Int("active_players", st.ActivePlayers),
	)
}

func logStats(ctx context.Context, rm *realm.Realm, logger logx.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := rm.Stats()
			if st.ActivePlayers == 0 {
				continue
			}
			logger.Info(ctx, "gamemaster_stats", "game master stats",
				slog.Int("total_events", st.TotalEvents),
				slog.Int("active_players", st.ActivePlayers),
				slog.Int("global_events", st.GlobalEvents),
				slog.Int("bonfires_lit", st.BonfiresLit),
			)
		}
	}
}
