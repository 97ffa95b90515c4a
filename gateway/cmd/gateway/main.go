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
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ashen-realm/gateway/internal/middleware"
	"ashen-realm/gateway/internal/routing"
	"ashen-realm/gateway/internal/server"
	"ashen-realm/shared/config"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
	"ashen-realm/shared/mqx"
	"ashen-realm/shared/observability"
)

func main() {
	cfg, problems := config.Load("gateway", 3000)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	routes := routing.Defaults(cfg)
	routesPath := cfg.RoutesPath
	explicitRoutes := routesPath != ""
	if routesPath == "" {
		if p, err := routing.DefaultRoutesPath(cfg.Env); err == nil {
			routesPath = p
		}
	}
	if routesPath != "" {
		if _, err := os.Stat(routesPath); err == nil || explicitRoutes {
			loaded, err := routing.Load(routesPath, routes)
			if err != nil {
				problems = append(problems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: err.Error()})
			} else {
				routes = loaded
			}
		}
	}

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
	bus := mqx.NewBus(manager, cfg.ReplyTimeout(), logger)

	srv := server.New(server.Options{
		Publisher: bus,
		Broker:    manager,
		Routes:    routes,
		Version:   version,
		Logger:    logger,
	})
	handler := server.Handler(srv, logger, cfg.RequestTimeout,
		middleware.CORS{AllowedOrigins: cfg.CORSOrigins, MaxAge: 10 * time.Minute},
		middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
	)
	handler = otelhttp.NewHandler(handler, "http")

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", httpServer.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("routes_path", routesPath),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	// Requests that arrive before the broker handshake completes get 503.
	go func() {
		connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Connect(connectCtx); err != nil {
			errCh <- err
			return
		}
		logger.Info(context.Background(), "broker_ready", "the flame burns bright",
			slog.String("endpoint", manager.Status().Endpoint),
			slog.String("exchange", manager.Exchange()),
		)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		var connErr *mqx.ConnectionError
		switch {
		case errors.As(err, &connErr):
			logger.Error(context.Background(), "broker_connect_failed", "could not reach the broker",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			exitCode = 1
		case !errors.Is(err, http.ErrServerClosed):
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
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
	logger.Info(context.Background(), "service_stop", "service stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
