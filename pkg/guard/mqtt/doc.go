// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the MQTT 3.1/3.1.1 CONNECT structural validator
// used to admit a client's first packet.
//
// # Scope
//
// The guard is a pure classifier, not a protocol bridge: it consumes a
// byte slice accumulated from the client's first packet and returns a
// verdict. It never authenticates an MQTT user and never inspects packets
// beyond the CONNECT — once a CONNECT passes, the bytes that follow are
// opaque to the rest of the pipeline.
//
// # Remaining Length
//
// DecodeRemainingLength implements the MQTT variable-length integer: up to
// four continuation bytes, each contributing its low 7 bits shifted by
// 7*position, continuation signaled by the 0x80 bit. A fifth continuation
// byte is malformed; running out of input mid-decode is incomplete.
//
// # Inspection depth
//
// ValidateConnect takes an inspection depth argument. Shallow inspection
// (enable_mqtt_inspection only) checks the fixed header and Remaining
// Length bound and stops. Full inspection (enable_mqtt_full_inspection)
// additionally validates the protocol name, protocol level, and the
// reserved bit of the Connect Flags.
package mqtt
