// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package obs implements the single-port observability HTTP server: plain
// liveness at /health and Prometheus exposition at /metrics, matching the
// original implementation's combined responder rather than the teacher's
// two-port health/metrics split.
package obs
