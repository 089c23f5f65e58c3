/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package ble provides an in-process loopback BLE mesh simulator. The
// real platform adapters (BlueZ, CoreBluetooth, WinRT) are external
// collaborators (spec.md §1); this stands in for them in tests and the
// cmd/bitchatd demo by wiring two or more Links directly together instead
// of through a radio.
package ble

import (
	"context"
	"errors"
	"sync"

	"github.com/bitchat-mesh/bitchat/internal/router"
	"github.com/bitchat-mesh/bitchat/internal/transport"
)

// Mesh is the shared medium a set of Links broadcast and write into,
// simulating BLE's single shared channel.
type Mesh struct {
	mu    sync.Mutex
	links map[transport.PeerID]*Link
}

// NewMesh returns an empty shared medium.
func NewMesh() *Mesh {
	return &Mesh{links: make(map[transport.PeerID]*Link)}
}

func (m *Mesh) register(l *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[l.self] = l
}

func (m *Mesh) unregister(self transport.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, self)
}

func (m *Mesh) deliver(from, to transport.PeerID, payload []byte) {
	m.mu.Lock()
	var targets []*Link
	if to == (transport.PeerID{}) {
		for id, l := range m.links {
			if id != from {
				targets = append(targets, l)
			}
		}
	} else if l, ok := m.links[to]; ok {
		targets = []*Link{l}
	}
	m.mu.Unlock()

	for _, l := range targets {
		select {
		case l.events <- transport.Event{Kind: transport.EventBytesReceived, Peer: from, Bytes: payload}:
		default:
			// Best-effort broadcast channel (spec.md §6.4): a full
			// buffer drops rather than blocks the sender.
		}
	}
}

// ErrClosed is returned by Send/Probe on a Link that has been closed.
var ErrClosed = errors.New("ble: link closed")

// Link is one peer's attachment point to the shared Mesh.
type Link struct {
	self   transport.PeerID
	mesh   *Mesh
	events chan transport.Event
	closed bool
	mu     sync.Mutex
}

// NewLink attaches self to mesh, returning its Transport handle.
func NewLink(mesh *Mesh, self transport.PeerID) *Link {
	l := &Link{self: self, mesh: mesh, events: make(chan transport.Event, 256)}
	mesh.register(l)
	return l
}

func (l *Link) Kind() router.TransportKind { return router.BLE }

// Send writes payload to recipient (or broadcasts, if recipient is the
// zero PeerID) over the shared medium.
func (l *Link) Send(ctx context.Context, recipient transport.PeerID, payload []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	l.mesh.deliver(l.self, recipient, payload)
	return nil
}

func (l *Link) Events() <-chan transport.Event { return l.events }

// Probe reports the link reachable as long as at least one other peer is
// attached to the mesh.
func (l *Link) Probe(ctx context.Context) (transport.Health, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return transport.Health{}, ErrClosed
	}
	l.mesh.mu.Lock()
	reachable := len(l.mesh.links) > 1
	l.mesh.mu.Unlock()
	return transport.Health{Reachable: reachable}, nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.mesh.unregister(l.self)
	close(l.events)
	return nil
}
