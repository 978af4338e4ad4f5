// Command theas-server is a small Theas server: it keeps per-session parameters in
// memory or Redis and hands async commands to a PostgreSQL function.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/DavidRueter/Theas/agent"
	"github.com/DavidRueter/Theas/internal/logging"
	"github.com/DavidRueter/Theas/internal/telemetry"
	"github.com/DavidRueter/Theas/server"
)

func main() {
	level := new(slog.LevelVar)
	if l, err := logging.ParseLevel(getenv("LOG_LEVEL", "info")); err == nil {
		level.Set(l)
	}
	logger := logging.New(logging.Options{Level: level, Journal: os.Getenv("LOG_JOURNAL") != ""})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("theas server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "theas-server",
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "",
		SampleRate:  1,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(flushCtx)
	}()

	// --- Session store ---
	var store server.Store = server.NewMemoryStore(server.DefaultSessionTTL)
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		defer rdb.Close()
		store = server.NewRedisStore(rdb, server.DefaultSessionTTL)
		logger.Info("connected to redis", "addr", addr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []server.Option{server.WithLogger(logger), server.WithRegisterer(reg)}

	// --- Async procedure ---
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		proc := getenv("THEAS_ASYNC_PROC", "theas.async")
		opts = append(opts, server.WithProc(server.NewPgProc(pool, proc)))
		logger.Info("connected to postgres", "proc", proc)
	}

	srv := server.New(store, opts...)
	root := mux.NewRouter()
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	root.PathPrefix("/").Handler(srv)

	ln, err := net.Listen("tcp", getenv("LISTEN_ADDR", ":8081"))
	if err != nil {
		return err
	}
	if os.Getenv("THEAS_ADVERTISE") != "" {
		port := ln.Addr().(*net.TCPAddr).Port
		if err := agent.Advertise(ctx, "server", agent.ServiceType, "local.", port, logger); err != nil {
			logger.Warn("mdns advertise failed", "err", err)
		}
	}

	hs := &http.Server{Handler: root, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	logger.Info("theas server listening", "addr", ln.Addr().String())
	if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
