// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command aegisgate runs the MQTT admission gateway: it accepts client
// connections, screens them through the classification pipeline, and
// relays admitted traffic to the upstream broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"aegisgate/pkg/breaker"
	"aegisgate/pkg/config"
	"aegisgate/pkg/gateway"
	"aegisgate/pkg/metrics"
	"aegisgate/pkg/obs"
	"aegisgate/pkg/ratelimit"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aegisgate: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Log)
	logger.Info("starting aegisgate",
		slog.String("listen_address", cfg.Proxy.ListenAddress),
		slog.String("target_address", cfg.Proxy.TargetAddress),
	)

	m := metrics.New()

	var limiter *ratelimit.Limiter
	if cfg.Features.EnableRateLimiter {
		limiter = ratelimit.New(cfg.Limit.MaxTokens, cfg.Limit.RefillRate, cfg.Limit.IPIdleTimeoutDuration())
	}

	cb := breaker.New(cfg.Breaker)
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	l := gateway.New(cfg, limiter, cb, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return l.Listen(gctx)
	})

	if limiter != nil {
		g.Go(func() error {
			limiter.StartSweeper(cfg.Limit.CleanupIntervalDuration())
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		obsAddr := net.JoinHostPort("", fmt.Sprintf("%d", cfg.Metrics.Port))
		obsServer := obs.New(obsAddr, m.Registry)
		g.Go(func() error {
			logger.Info("observability endpoint listening", slog.String("address", obsAddr))
			return obsServer.ListenAndServe()
		})
		g.Go(func() error {
			<-gctx.Done()
			return obsServer.Shutdown(context.Background())
		})
	}

	if limiter != nil {
		g.Go(func() error {
			<-gctx.Done()
			limiter.Stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("aegisgate exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("aegisgate shut down cleanly")
	return 0
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
