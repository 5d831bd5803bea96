// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"aegisgate/pkg/breaker"
	"aegisgate/pkg/config"
	"aegisgate/pkg/metrics"
	"aegisgate/pkg/ratelimit"
)

// shutdownGracePeriod bounds how long an in-flight handler is given to
// finish after the accept loop stops, per the implementation-defined grace
// period called for by the concurrency model.
const shutdownGracePeriod = 10 * time.Second

// ErrShutdownTimeout is returned when connections fail to drain within
// shutdownGracePeriod during Listen's graceful shutdown.
var ErrShutdownTimeout = errors.New("gateway: shutdown grace period exceeded")

// Listener runs the accept loop and, per accepted socket, the admission
// pipeline described in the package doc.
type Listener struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	breaker *breaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New builds a Listener. limiter may be nil when
// features.enable_rate_limiter is false; breaker is always used to wrap
// the upstream dial.
func New(cfg *config.Config, limiter *ratelimit.Limiter, cb *breaker.CircuitBreaker, m *metrics.Metrics, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:     cfg,
		limiter: limiter,
		breaker: cb,
		metrics: m,
		logger:  logger,
	}
}

// Listen binds proxy.listen_address and accepts connections until ctx is
// canceled. Accept errors are logged and the loop continues. Each accepted
// socket is handed to an independent handler goroutine; active_connections
// is incremented before hand-off, per the accept loop design.
func (l *Listener) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Proxy.ListenAddress)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", l.cfg.Proxy.ListenAddress, err)
	}
	l.logger.Info("gateway listening", slog.String("address", l.cfg.Proxy.ListenAddress))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					l.logger.Error("accept failed", slog.String("error", err.Error()))
					continue
				}
			}

			l.metrics.ActiveConnections.Inc()
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.handleConn(ctx, conn)
			}()
		}
	}()

	<-ctx.Done()
	l.logger.Info("shutdown signal received, closing listener")
	if err := ln.Close(); err != nil {
		l.logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		l.logger.Info("all connections drained")
		return nil
	case <-time.After(shutdownGracePeriod):
		l.logger.Warn("shutdown grace period exceeded, handlers still in flight")
		return ErrShutdownTimeout
	}
}
