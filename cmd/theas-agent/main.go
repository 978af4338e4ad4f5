// Command theas-agent runs a Theas client session and serves it to browser tabs over a
// websocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/DavidRueter/Theas/agent"
	"github.com/DavidRueter/Theas/client"
	"github.com/DavidRueter/Theas/internal/logging"
	"github.com/DavidRueter/Theas/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("THEAS_AGENT_CONFIG"), "path to the agent YAML config")
	flag.Parse()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	if l, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		level.Set(l)
	}
	logger := logging.New(logging.Options{Level: level, Journal: cfg.Log.Journal})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("theas agent stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *agent.Config, logger *slog.Logger) error {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "theas-agent",
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(flushCtx)
	}()

	serverURL := cfg.ServerURL
	if serverURL == "" {
		logger.Info("no server_url set, browsing mdns", "service", cfg.Discovery.Service)
		serverURL, err = agent.Discover(ctx, cfg.Discovery.Service, cfg.Discovery.Domain, cfg.Discovery.Timeout, logger)
		if err != nil {
			return err
		}
	}
	transport, err := client.NewHTTPTransport(serverURL)
	if err != nil {
		return err
	}

	var opts []agent.Option
	opts = append(opts, agent.WithLogger(logger))
	if cfg.Terminal {
		opts = append(opts, agent.WithTerminal(os.Stderr))
	}
	a, err := agent.New(cfg, transport, opts...)
	if err != nil {
		return err
	}

	if cfg.Discovery.Advertise {
		_, portStr, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		if err := agent.Advertise(ctx, "agent", cfg.Discovery.Service, cfg.Discovery.Domain, port, logger); err != nil {
			logger.Warn("mdns advertise failed", "err", err)
		}
	}
	return a.Run(ctx)
}
