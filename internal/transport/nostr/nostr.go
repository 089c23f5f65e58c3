/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package nostr provides an in-process fake relay implementing the
// `bitchat1:` tag convention (spec.md §6.4). A real Nostr relay client
// library is an external collaborator (spec.md §1); this substitutes a
// shared in-memory event bus for it, keyed on the same base64url
// encoding a real relay would carry over the wire, so the engine's codec
// path is exercised identically to production.
package nostr

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/bitchat-mesh/bitchat/internal/router"
	"github.com/bitchat-mesh/bitchat/internal/transport"
)

// Tag is the custom event tag prefix (spec.md §6.4).
const Tag = "bitchat1:"

// FakeRelay is a shared in-memory stand-in for a real Nostr relay.
type FakeRelay struct {
	mu      sync.Mutex
	clients map[transport.PeerID]*Client
}

// NewFakeRelay returns an empty relay.
func NewFakeRelay() *FakeRelay {
	return &FakeRelay{clients: make(map[transport.PeerID]*Client)}
}

func (r *FakeRelay) register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.self] = c
}

func (r *FakeRelay) unregister(self transport.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, self)
}

// publish encodes payload as a bitchat1: tagged event and fans it out to
// every other connected client, mirroring a relay broadcasting to all
// subscribers matching the tag filter.
func (r *FakeRelay) publish(from transport.PeerID, payload []byte) {
	encoded := Tag + base64.RawURLEncoding.EncodeToString(payload)

	r.mu.Lock()
	var targets []*Client
	for id, c := range r.clients {
		if id != from {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		decoded, err := decodeEvent(encoded)
		if err != nil {
			continue
		}
		select {
		case c.events <- transport.Event{Kind: transport.EventBytesReceived, Peer: from, Bytes: decoded}:
		default:
		}
	}
}

func decodeEvent(raw string) ([]byte, error) {
	if len(raw) < len(Tag) || raw[:len(Tag)] != Tag {
		return nil, errors.New("nostr: missing bitchat1: tag")
	}
	return base64.RawURLEncoding.DecodeString(raw[len(Tag):])
}

// ErrClosed is returned by Send/Probe on a Client that has been closed.
var ErrClosed = errors.New("nostr: client closed")

// Client is one peer's connection to a FakeRelay, standing in for a real
// relay WebSocket subscription.
type Client struct {
	self   transport.PeerID
	relay  *FakeRelay
	events chan transport.Event
	mu     sync.Mutex
	closed bool
}

// NewClient connects self to relay.
func NewClient(relay *FakeRelay, self transport.PeerID) *Client {
	c := &Client{self: self, relay: relay, events: make(chan transport.Event, 256)}
	relay.register(c)
	return c
}

func (c *Client) Kind() router.TransportKind { return router.Nostr }

// Send publishes payload as a bitchat1:-tagged event; Nostr has no notion
// of a directed recipient at the transport layer (spec.md §6.4: "publish
// a custom event kind"), so recipient is advisory only and every
// connected client receives the event, exactly like a public relay.
func (c *Client) Send(ctx context.Context, recipient transport.PeerID, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.relay.publish(c.self, payload)
	return nil
}

func (c *Client) Events() <-chan transport.Event { return c.events }

// Probe reports the relay reachable as long as the client is still
// registered.
func (c *Client) Probe(ctx context.Context) (transport.Health, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.Health{}, ErrClosed
	}
	return transport.Health{Reachable: true}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.relay.unregister(c.self)
	close(c.events)
	return nil
}
