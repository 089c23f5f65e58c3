/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package bus implements the CSP-style channel backbone from spec.md §5:
// four typed, bounded channels carrying Commands in, Effects out,
// transport Events in, and AppEvents out to the UI layer. It is grounded
// directly on the teacher's device.queue struct, which groups the
// encryption/decryption/handshake channels the device's worker goroutines
// select over; this generalizes that one queue triad to the engine's
// four directions of traffic.
package bus

// Defaults from spec.md §5.
const (
	DefaultCommandCap  = 32
	DefaultEventCap    = 128
	DefaultEffectCap   = 64
	DefaultAppEventCap = 64
)

// Command is a request into the engine (send a message, forget a peer,
// rotate keys, ...). The concrete payload lives in the engine package;
// bus only needs to move it.
type Command any

// Event is an inbound occurrence from a transport (bytes arrived, link
// up/down, probe result).
type Event any

// Effect is an outbound instruction to a transport (send these bytes to
// this peer).
type Effect any

// AppEvent is a notification surfaced to the UI layer (message delivered,
// peer discovered, session failed).
type AppEvent any

// Bus owns the four channels. All four are unidirectional from the
// owner's perspective via the accessor methods below; the underlying
// channels are bounded so a stalled consumer applies backpressure rather
// than growing memory without limit, mirroring the teacher's fixed-size
// QueueOutboundSize/QueueInboundSize/QueueHandshakeSize channels.
type Bus struct {
	commands  chan Command
	events    chan Event
	effects   chan Effect
	appEvents chan AppEvent
}

// Config sets the channel capacities; zero values fall back to the
// spec.md §5 defaults.
type Config struct {
	CommandCap  int
	EventCap    int
	EffectCap   int
	AppEventCap int
}

// New returns a Bus with the given capacities (or the defaults).
func New(cfg Config) *Bus {
	if cfg.CommandCap <= 0 {
		cfg.CommandCap = DefaultCommandCap
	}
	if cfg.EventCap <= 0 {
		cfg.EventCap = DefaultEventCap
	}
	if cfg.EffectCap <= 0 {
		cfg.EffectCap = DefaultEffectCap
	}
	if cfg.AppEventCap <= 0 {
		cfg.AppEventCap = DefaultAppEventCap
	}
	return &Bus{
		commands:  make(chan Command, cfg.CommandCap),
		events:    make(chan Event, cfg.EventCap),
		effects:   make(chan Effect, cfg.EffectCap),
		appEvents: make(chan AppEvent, cfg.AppEventCap),
	}
}

// SubmitCommand enqueues a Command, blocking if the queue is full unless
// ctx-style cancellation is handled by the caller via select on Commands().
func (b *Bus) SubmitCommand(c Command) { b.commands <- c }

// Commands returns the receive side consumed by the engine's main loop.
func (b *Bus) Commands() <-chan Command { return b.commands }

// PublishEvent enqueues a transport Event.
func (b *Bus) PublishEvent(e Event) { b.events <- e }

// Events returns the receive side consumed by the engine's main loop.
func (b *Bus) Events() <-chan Event { return b.events }

// EmitEffect enqueues an outbound Effect for a transport to consume.
func (b *Bus) EmitEffect(e Effect) { b.effects <- e }

// Effects returns the receive side consumed by transports.
func (b *Bus) Effects() <-chan Effect { return b.effects }

// NotifyApp enqueues an AppEvent for the UI layer, dropping it instead of
// blocking the engine if the UI isn't draining fast enough — an
// unresponsive UI must never stall message processing.
func (b *Bus) NotifyApp(e AppEvent) bool {
	select {
	case b.appEvents <- e:
		return true
	default:
		return false
	}
}

// AppEvents returns the receive side consumed by the UI layer.
func (b *Bus) AppEvents() <-chan AppEvent { return b.appEvents }
