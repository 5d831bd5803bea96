// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the admission pipeline that sits between MQTT
// clients and the upstream broker.
//
// # Overview
//
// The Listener accepts TCP connections and runs each one through an
// 8-state admission pipeline before any byte reaches the upstream broker:
//
//	Admit → FirstByte → Classify → {MqttValidate | HttpReject} → Dial → Relay → Terminate
//
// Admit consults the per-IP rate limiter. FirstByte enforces the
// first-packet timeout. Classify inspects the leading byte to decide
// whether the connection looks like an MQTT CONNECT or an HTTP request.
// MqttValidate runs the structural CONNECT parser; HttpReject always ends
// the connection, distinguishing a clean protocol rejection from a
// timeout/size-triggered one. Only a connection that clears MqttValidate
// (or, when MQTT inspection is disabled, any connection not rejected as
// HTTP) reaches Dial, which opens the upstream socket behind a circuit
// breaker.
// Relay then forwards bytes in both directions, starting with whatever was
// pre-read during classification, until either side closes.
//
// # Pre-read forwarding
//
// Every stage before Relay accumulates the bytes it reads into a shared
// buffer. Relay writes that buffer to the upstream first, preserving the
// client's byte order, before starting the two independent copy loops.
//
// # Shutdown
//
// On context cancellation the accept loop stops immediately; in-flight
// handlers are given a grace period to finish. If any are still running
// when it ends, Listen returns ErrShutdownTimeout; their sockets are not
// closed by the Listener.
package gateway
