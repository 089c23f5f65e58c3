/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package transport defines the boundary between the engine and the two
// physical carriers (spec.md §6.4). The carriers themselves — BlueZ,
// CoreBluetooth, WinRT, a real Nostr relay client — are external
// collaborators outside this module's scope; transport/ble and
// transport/nostr provide in-process loopback/fake-relay implementations
// that satisfy this interface for engine wiring and tests.
package transport

import (
	"context"

	"github.com/bitchat-mesh/bitchat/internal/router"
)

// PeerID is the 8-byte identifier used throughout the engine.
type PeerID [8]byte

// EventKind classifies an inbound Event.
type EventKind int

const (
	EventBytesReceived EventKind = iota
	EventLinkUp
	EventLinkDown
	EventPeerDiscovered
)

// Event is a transport occurrence delivered to the engine via Events().
type Event struct {
	Kind  EventKind
	Peer  PeerID
	RSSI  int
	Bytes []byte
}

// Health is the outcome of a Probe call.
type Health struct {
	Reachable bool
	RTTMillis int64
}

// Transport is what the router and engine depend on; BLE and Nostr are
// the two implementations (spec.md §6.4), each wrapping a carrier-specific
// write/publish primitive behind this same shape — the teacher's
// conn.Bind plays exactly this role for UDP.
type Transport interface {
	Kind() router.TransportKind

	// Send transmits payload to recipient (the zero PeerID means
	// broadcast). BLE must deliver fragments in order per directed link
	// and provide a best-effort ordered broadcast channel (spec.md
	// §6.4); Nostr publishes a bitchat1:-tagged event.
	Send(ctx context.Context, recipient PeerID, payload []byte) error

	// Events returns the channel of inbound occurrences: received
	// bytes, link transitions, discovered peers.
	Events() <-chan Event

	// Probe actively checks carrier health, independent of traffic.
	Probe(ctx context.Context) (Health, error)

	// Close releases any resources the transport holds.
	Close() error
}
