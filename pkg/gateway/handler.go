// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"aegisgate/pkg/breaker"
	"aegisgate/pkg/deadline"
	gatewayerrors "aegisgate/pkg/errors"
	httpguard "aegisgate/pkg/guard/http"
	mqttguard "aegisgate/pkg/guard/mqtt"
)

// handleConn runs one connection through the admission pipeline: Admit,
// FirstByte, Classify, MqttValidate/HttpReject, Dial, Relay, Terminate.
// Every return path funnels through the deferred decrement, which is
// Terminate regardless of which earlier stage ended the connection.
func (l *Listener) handleConn(ctx context.Context, client net.Conn) {
	defer l.metrics.ActiveConnections.Dec()
	defer client.Close()

	remoteAddr := client.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}
	logger := l.logger.With(
		slog.String("session", uuid.New().String()),
		slog.String("client", remoteAddr),
	)

	// 1. Admit
	if l.cfg.Features.EnableRateLimiter && l.limiter != nil && !l.limiter.Allow(ip) {
		l.metrics.RejectedConnections.Inc()
		logger.Debug(gatewayerrors.New(gatewayerrors.KindRateLimited, "admit", remoteAddr, gatewayerrors.ErrRateLimited).Error())
		return
	}

	overallDeadline := time.Now().Add(l.slowlorisTimeout(l.cfg.Slowloris.ConnectionTimeout()))
	var acc bytes.Buffer

	// 2. FirstByte
	first := make([]byte, 1)
	n, err := deadline.ReadWithDeadline(client, first, time.Now().Add(l.slowlorisTimeout(l.cfg.Slowloris.FirstPacketTimeout())))
	if err != nil || n == 0 {
		l.metrics.SlowlorisRejections.Inc()
		logger.Info(gatewayerrors.New(gatewayerrors.KindSlowFirstPacket, "first_byte", remoteAddr, firstByteErr(err)).Error())
		return
	}
	acc.Write(first)

	// 3. Classify
	switch {
	case l.cfg.Features.EnableMQTTInspection && mqttguard.FixedHeaderPeek(first[0]):
		if err := l.mqttValidate(client, &acc, overallDeadline, remoteAddr, logger); err != nil {
			return
		}
	case l.cfg.Features.EnableHTTPInspection && httpguard.Sniff(acc.Bytes()):
		l.httpReject(client, &acc, overallDeadline, remoteAddr, logger)
		return
	case !l.cfg.Features.EnableMQTTInspection:
		logger.Debug("mqtt inspection disabled, passing connection through unclassified")
	default:
		l.metrics.ProtocolRejections.Inc()
		logger.Info(gatewayerrors.New(gatewayerrors.KindUnknown, "classify", remoteAddr, errors.New("first byte matches neither MQTT CONNECT nor a known HTTP method")).Error())
		return
	}

	// 6. Dial
	upstream, err := l.dial(ctx, remoteAddr, logger)
	if err != nil {
		return
	}
	defer upstream.Close()

	// 7. Relay
	l.relay(client, upstream, acc.Bytes(), logger)
}

// noSlowlorisTimeout stands in for the configured stage timeouts when
// features.enable_slowloris_protection is false, so the pipeline still
// bounds a connection's lifetime without enforcing the tight defaults.
const noSlowlorisTimeout = 24 * time.Hour

// slowlorisTimeout returns configured when slowloris protection is
// enabled, otherwise a generous ceiling that still prevents a connection
// from being held open forever.
func (l *Listener) slowlorisTimeout(configured time.Duration) time.Duration {
	if l.cfg.Features.EnableSlowlorisProtection {
		return configured
	}
	return noSlowlorisTimeout
}

func firstByteErr(err error) error {
	if err != nil {
		return err
	}
	return gatewayerrors.ErrConnectionClosed
}

// mqttValidate accumulates the fixed header, Remaining Length, and (when
// full inspection is enabled) the CONNECT variable header, then runs the
// structural parser. It returns a non-nil error once it has already
// counted and logged the rejection, signaling the caller to terminate.
func (l *Listener) mqttValidate(conn net.Conn, acc *bytes.Buffer, overallDeadline time.Time, remoteAddr string, logger *slog.Logger) error {
	idleTimeout := l.slowlorisTimeout(l.cfg.Slowloris.PacketIdleTimeout())
	connectDeadline := time.Now().Add(l.slowlorisTimeout(l.cfg.Slowloris.MqttConnectTimeout()))
	if connectDeadline.After(overallDeadline) {
		connectDeadline = overallDeadline
	}

	rlPredicate := func(b []byte) bool {
		if len(b) < 2 {
			return false
		}
		_, _, decodeErr := mqttguard.DecodeRemainingLength(b[1:])
		return decodeErr == nil || errors.Is(decodeErr, mqttguard.ErrMalformedRemainingLength)
	}

	if err := deadline.BoundedReadUntil(conn, acc, rlPredicate, 5, connectDeadline, idleTimeout); err != nil {
		return l.rejectMqtt(err, remoteAddr, logger, "remaining_length")
	}

	remaining, used, decodeErr := mqttguard.DecodeRemainingLength(acc.Bytes()[1:])
	if decodeErr != nil {
		l.metrics.ProtocolRejections.Inc()
		logger.Info(gatewayerrors.New(gatewayerrors.KindMqttMalformedRemainingLength, "mqtt_validate", remoteAddr, decodeErr).Error())
		return decodeErr
	}
	if remaining > l.cfg.Proxy.MaxConnectRemaining {
		l.metrics.ProtocolRejections.Inc()
		logger.Info(gatewayerrors.New(gatewayerrors.KindMqttOversized, "mqtt_validate", remoteAddr, mqttguard.ErrOversized).Error())
		return mqttguard.ErrOversized
	}

	if !l.cfg.Features.EnableMQTTFullInspection {
		return nil
	}

	target := 1 + used + remaining
	payloadPredicate := func(b []byte) bool { return len(b) >= target }
	if err := deadline.BoundedReadUntil(conn, acc, payloadPredicate, target, connectDeadline, idleTimeout); err != nil {
		return l.rejectMqtt(err, remoteAddr, logger, "connect_payload")
	}

	if err := mqttguard.ValidateConnect(acc.Bytes(), l.cfg.Proxy.MaxConnectRemaining, mqttguard.Full); err != nil {
		kind := gatewayerrors.KindMqttTruncated
		switch {
		case errors.Is(err, mqttguard.ErrBadProtocolName):
			kind = gatewayerrors.KindMqttBadProtocolName
		case errors.Is(err, mqttguard.ErrBadProtocolLevel):
			kind = gatewayerrors.KindMqttBadProtocolLevel
		case errors.Is(err, mqttguard.ErrReservedFlagSet):
			kind = gatewayerrors.KindMqttReservedFlag
		}
		l.metrics.ProtocolRejections.Inc()
		logger.Info(gatewayerrors.New(kind, "mqtt_validate", remoteAddr, err).Error())
		return err
	}
	return nil
}

// rejectMqtt classifies a read failure from the CONNECT accumulation loop:
// a genuine timeout is slowloris-shaped, anything else (EOF, reset) is a
// truncated-packet protocol error.
func (l *Listener) rejectMqtt(err error, remoteAddr string, logger *slog.Logger, stage string) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		l.metrics.SlowlorisRejections.Inc()
		logger.Info(gatewayerrors.New(gatewayerrors.KindSlowIdle, stage, remoteAddr, err).Error())
		return err
	}
	l.metrics.ProtocolRejections.Inc()
	logger.Info(gatewayerrors.New(gatewayerrors.KindMqttTruncated, stage, remoteAddr, err).Error())
	return err
}

// httpReject runs the header-stream validator to completion. Every outcome
// ends the connection; only the telemetry differs.
func (l *Listener) httpReject(conn net.Conn, acc *bytes.Buffer, overallDeadline time.Time, remoteAddr string, logger *slog.Logger) {
	err := httpguard.ValidateHeaders(conn, acc, l.cfg.Slowloris.MaxHTTPHeaderSize, l.cfg.Slowloris.MaxHTTPHeaderCount, overallDeadline, l.slowlorisTimeout(l.cfg.Slowloris.PacketIdleTimeout()))
	if err == nil {
		l.metrics.HTTPRejections.Inc()
		logger.Info(gatewayerrors.New(gatewayerrors.KindHTTPRejected, "http_reject", remoteAddr, errors.New("well-formed HTTP request refused")).Error())
		return
	}

	kind := gatewayerrors.KindSlowFirstPacket
	switch {
	case errors.Is(err, httpguard.ErrHeaderSizeExceeded):
		kind = gatewayerrors.KindHTTPHeaderSizeExceeded
	case errors.Is(err, httpguard.ErrHeaderCountExceeded):
		kind = gatewayerrors.KindHTTPHeaderCountExceeded
	default:
		kind = gatewayerrors.KindOverallTimeout
	}
	l.metrics.SlowlorisRejections.Inc()
	logger.Info(gatewayerrors.New(kind, "http_reject", remoteAddr, err).Error())
}

// dial opens the upstream connection behind the circuit breaker. Per the
// connection handler design, a dial failure has no dedicated counter.
func (l *Listener) dial(ctx context.Context, remoteAddr string, logger *slog.Logger) (net.Conn, error) {
	var d net.Dialer
	upstream, err := l.breaker.Dial(ctx, func(dialCtx context.Context) (net.Conn, error) {
		return d.DialContext(dialCtx, "tcp", l.cfg.Proxy.TargetAddress)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			l.metrics.BreakerTrips.Inc()
		}
		logger.Warn(gatewayerrors.New(gatewayerrors.KindUpstreamUnreachable, "dial", remoteAddr, err).Error())
		return nil, err
	}
	return upstream, nil
}

// relay writes preRead to upstream first, preserving client byte order,
// then runs the two independent copy loops until both sides have closed.
func (l *Listener) relay(client, upstream net.Conn, preRead []byte, logger *slog.Logger) {
	if len(preRead) > 0 {
		if _, err := upstream.Write(preRead); err != nil {
			logger.Warn("failed forwarding pre-read bytes upstream", slog.String("error", err.Error()))
			return
		}
	}

	client.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	done := make(chan struct{}, 2)
	go func() {
		l.copyHalf(client, upstream, logger, "client->upstream")
		done <- struct{}{}
	}()
	go func() {
		l.copyHalf(upstream, client, logger, "upstream->client")
		done <- struct{}{}
	}()
	<-done
	<-done
}

type closeWriter interface {
	CloseWrite() error
}

// copyHalf copies src into dst until EOF or error, then propagates the
// half-close by closing dst's write side (or dst entirely, if it doesn't
// support a half-close).
func (l *Listener) copyHalf(src, dst net.Conn, logger *slog.Logger, direction string) {
	_, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("relay direction ended", slog.String("direction", direction), slog.String("error", err.Error()))
	}
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	dst.Close()
}
