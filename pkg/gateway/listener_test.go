// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"aegisgate/pkg/breaker"
	"aegisgate/pkg/config"
	"aegisgate/pkg/metrics"
	"aegisgate/pkg/ratelimit"
)

// fakeBroker accepts one connection and echoes everything it reads,
// standing in for the upstream MQTT broker.
func fakeBroker(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return ln
}

func testConfig(t *testing.T, target string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Proxy.ListenAddress = "localhost:0"
	cfg.Proxy.TargetAddress = target
	cfg.Slowloris.FirstPacketTimeoutMs = 200
	cfg.Slowloris.PacketIdleTimeoutMs = 150
	cfg.Slowloris.ConnectionTimeoutMs = 1000
	cfg.Slowloris.MqttConnectTimeoutMs = 300
	cfg.Slowloris.MaxHTTPHeaderCount = 100
	cfg.Slowloris.MaxHTTPHeaderSize = 8192
	cfg.Limit.MaxTokens = 3
	cfg.Limit.RefillRate = 0.001
	return cfg
}

type testGateway struct {
	listener *Listener
	addr     string
	metrics  *metrics.Metrics
	cancel   context.CancelFunc
	done     chan struct{}
}

func startGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	ln, err := net.Listen("tcp", cfg.Proxy.ListenAddress)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	cfg.Proxy.ListenAddress = addr

	m := metrics.New()
	var limiter *ratelimit.Limiter
	if cfg.Features.EnableRateLimiter {
		limiter = ratelimit.New(cfg.Limit.MaxTokens, cfg.Limit.RefillRate, cfg.Limit.IPIdleTimeoutDuration())
	}
	cb := breaker.New(cfg.Breaker)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l := New(cfg, limiter, cb, m, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Listen(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	return &testGateway{listener: l, addr: addr, metrics: m, cancel: cancel, done: done}
}

func (g *testGateway) stop() {
	g.cancel()
	<-g.done
}

func TestListener_LegitimateMqttConnectIsRelayed(t *testing.T) {
	broker := fakeBroker(t)
	defer broker.Close()

	cfg := testConfig(t, broker.Addr().String())
	gw := startGateway(t, cfg)
	defer gw.stop()

	conn, err := net.Dial("tcp", gw.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	packet := buildConnect("MQTT", 4, 0x02)
	if _, err := conn.Write(packet); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	echoed := make([]byte, len(packet))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echoed, packet) {
		t.Errorf("echoed bytes mismatch, got %x want %x", echoed, packet)
	}
}

func TestListener_HTTPRequestIsRejected(t *testing.T) {
	broker := fakeBroker(t)
	defer broker.Close()

	cfg := testConfig(t, broker.Addr().String())
	gw := startGateway(t, cfg)
	defer gw.stop()

	conn, err := net.Dial("tcp", gw.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("expected immediate close, got n=%d err=%v", n, err)
	}
}

func TestListener_MalformedRemainingLengthIsRejected(t *testing.T) {
	broker := fakeBroker(t)
	defer broker.Close()

	cfg := testConfig(t, broker.Addr().String())
	gw := startGateway(t, cfg)
	defer gw.stop()

	conn, err := net.Dial("tcp", gw.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Fixed header + four continuation-flagged Remaining Length bytes: never terminates.
	if _, err := conn.Write([]byte{0x10, 0x80, 0x80, 0x80, 0x80}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("expected connection close, got n=%d err=%v", n, err)
	}
}

func TestListener_SlowFirstByteTimesOut(t *testing.T) {
	broker := fakeBroker(t)
	defer broker.Close()

	cfg := testConfig(t, broker.Addr().String())
	gw := startGateway(t, cfg)
	defer gw.stop()

	conn, err := net.Dial("tcp", gw.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("expected connection close after idle first byte, got n=%d err=%v", n, err)
	}
}

func TestListener_RateLimiterDeniesExcessConnections(t *testing.T) {
	broker := fakeBroker(t)
	defer broker.Close()

	cfg := testConfig(t, broker.Addr().String())
	cfg.Limit.MaxTokens = 3
	cfg.Limit.RefillRate = 0.0001
	gw := startGateway(t, cfg)
	defer gw.stop()

	var lastConn net.Conn
	for i := 0; i < 4; i++ {
		conn, err := net.Dial("tcp", gw.addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		lastConn = conn
	}
	defer lastConn.Close()

	lastConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := lastConn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("expected 4th rapid connection denied, got n=%d err=%v", n, err)
	}
}

func TestListener_OversizedHeaderBombIsRejected(t *testing.T) {
	broker := fakeBroker(t)
	defer broker.Close()

	cfg := testConfig(t, broker.Addr().String())
	cfg.Slowloris.MaxHTTPHeaderCount = 100
	gw := startGateway(t, cfg)
	defer gw.stop()

	conn, err := net.Dial("tcp", gw.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var req bytes.Buffer
	req.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < 151; i++ {
		req.WriteString("X-Pad: value\r\n")
	}
	req.WriteString("\r\n")

	// Write slowly enough that the header-count bound trips before the
	// terminal CRLFCRLF is ever seen.
	data := req.Bytes()
	for _, b := range data {
		if _, err := conn.Write([]byte{b}); err != nil {
			break
		}
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("expected header-bomb connection rejected, got n=%d err=%v", n, err)
	}
}

// buildConnect assembles a minimal, structurally valid MQTT CONNECT packet
// with an empty client identifier.
func buildConnect(protocolName string, level byte, flags byte) []byte {
	var vh bytes.Buffer
	vh.WriteByte(0)
	vh.WriteByte(byte(len(protocolName)))
	vh.WriteString(protocolName)
	vh.WriteByte(level)
	vh.WriteByte(flags)
	vh.WriteByte(0) // keep-alive MSB
	vh.WriteByte(30)
	vh.WriteByte(0) // client id length MSB
	vh.WriteByte(0) // client id length LSB (empty client id)

	var pkt bytes.Buffer
	pkt.WriteByte(0x10)
	remaining := vh.Len()
	for {
		b := byte(remaining % 128)
		remaining /= 128
		if remaining > 0 {
			b |= 0x80
		}
		pkt.WriteByte(b)
		if remaining == 0 {
			break
		}
	}
	pkt.Write(vh.Bytes())
	return pkt.Bytes()
}
