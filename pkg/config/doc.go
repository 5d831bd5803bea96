// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the AegisGate configuration snapshot from a YAML
// file into an immutable, process-wide bundle of tuning values.
//
// # Overview
//
// Load reads and validates the configuration once at startup. The returned
// *Config is shared by read-only reference with every other component
// (rate limiter, guards, gateway, metrics, observability server) — nothing
// in the process mutates it after Load returns.
//
// # Sections
//
//   - Proxy: listen/upstream endpoints and the MQTT CONNECT size cap.
//   - Limit: token-bucket tuning for the per-IP rate limiter.
//   - Slowloris: per-stage timeouts and HTTP header bounds.
//   - Features: stage toggles; a disabled inspection or rate-limit stage is
//     skipped, and disabled slowloris protection widens the stage
//     deadlines to 24 hours.
//   - Metrics: observability endpoint enable/port.
//   - Breaker: circuit breaker tuning for the upstream dial.
//   - Log: structured logger level/format.
package config
