/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package config holds the engine's typed configuration, validated range
// by range the way the teacher's cfg package validates its junk-packet
// sizes at startup (cfg.IsAdvancedSecurityOn and its init check) — except
// here validation runs on demand against a caller-supplied struct rather
// than fixed build-time constants, and failures return a
// bcerr.ConfigurationError instead of calling log.Fatalf.
package config

import (
	"fmt"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/capability"
	"github.com/bitchat-mesh/bitchat/internal/delivery"
	"github.com/bitchat-mesh/bitchat/internal/fragment"
	"github.com/bitchat-mesh/bitchat/internal/noise"
	"github.com/bitchat-mesh/bitchat/internal/ratelimit"
	"github.com/bitchat-mesh/bitchat/internal/router"
	"github.com/bitchat-mesh/bitchat/internal/store"
)

// BLE holds the radio-layer tunables from spec.md §4.x.
type BLE struct {
	FragmentSize     int
	MaxCentralLinks  int
	MinRSSIDbm       int
	SpacingBcastMs   int
	SpacingDirMs     int
}

// Nostr holds the relay-transport tunables.
type Nostr struct {
	MaxRelaysPerGeohash int
	DefaultStrategy     string // mirrors relay.Strategy by name for serialization
}

// Limits bundles the store/fragment/session caps that bound memory.
type Limits struct {
	MaxInFlightAssemblies int
	PerConversationCap    int
	GlobalMessageCap      int
	MaxConcurrentSessions int
}

// Timing bundles the cross-component deadlines.
type Timing struct {
	AssemblyLifetime       time.Duration
	SessionIdleTimeout     time.Duration
	SessionKeyRotation     time.Duration
	CapabilityTimeout      time.Duration
	DeliveryConfirmTimeout time.Duration
	HealthProbeInterval    time.Duration
}

// Monitoring toggles the ambient observability surface.
type Monitoring struct {
	LogLevel string
}

// Config is the engine's full typed configuration (spec.md §10: "config
// via typed struct + presets").
type Config struct {
	Channels      BusChannels
	Delivery      delivery.Config
	Session       noise.Config
	RateLimiting  RateLimiting
	MessageStore  MessageStore
	BLE           BLE
	Nostr         Nostr
	Limits        Limits
	Timing        Timing
	Monitoring    Monitoring
}

// BusChannels mirrors bus.Config so presets can tune backpressure without
// importing bus directly into every caller.
type BusChannels struct {
	CommandCap  int
	EventCap    int
	EffectCap   int
	AppEventCap int
}

// RateLimiting mirrors spec.md §4.x rate limiting defaults.
type RateLimiting struct {
	PeerMessageLimit    int
	PeerConnectionLimit int
	Window              time.Duration
	MaxTrackedPeers     int
	GlobalMessageLimit  int
}

// MessageStore mirrors store's capacity knobs. MaxMessageBytes and
// MaxContentChars are spec.md §4.6's two distinct content bounds: the
// former is the wire-level size limit (bytes), the latter the stricter
// application-level length limit (runes) store.Append validates on top of
// it.
type MessageStore struct {
	PerConversationCap int
	GlobalCap          int
	MaxMessageBytes    int
	MaxContentChars    int
	MaxAge             time.Duration
}

// Canonical returns the reference configuration spec.md's defaults
// describe throughout §4.
func Canonical() Config {
	return Config{
		Channels: BusChannels{CommandCap: 32, EventCap: 128, EffectCap: 64, AppEventCap: 64},
		Delivery: delivery.DefaultConfig(),
		Session:  noise.DefaultConfig(),
		RateLimiting: RateLimiting{
			PeerMessageLimit:    ratelimit.DefaultPeerMessageLimit,
			PeerConnectionLimit: ratelimit.DefaultPeerConnectionLimit,
			Window:              ratelimit.DefaultWindow,
			MaxTrackedPeers:     ratelimit.DefaultMaxTrackedPeers,
			GlobalMessageLimit:  ratelimit.DefaultGlobalMessageLimit,
		},
		MessageStore: MessageStore{
			PerConversationCap: store.DefaultPerConversationCap,
			GlobalCap:          store.DefaultGlobalCap,
			MaxMessageBytes:    store.DefaultMaxMessageBytes,
			MaxContentChars:    store.DefaultMaxContentChars,
			MaxAge:             store.DefaultMaxAge,
		},
		BLE: BLE{
			FragmentSize:    fragment.DefaultFragmentSize,
			MaxCentralLinks: 8,
			MinRSSIDbm:      -90,
			SpacingBcastMs:  fragment.DefaultFragmentSpacingBcastMs,
			SpacingDirMs:    fragment.DefaultFragmentSpacingDirMs,
		},
		Nostr: Nostr{MaxRelaysPerGeohash: 5, DefaultStrategy: "HealthBased"},
		Limits: Limits{
			MaxInFlightAssemblies: fragment.DefaultMaxInFlightAssemblies,
			PerConversationCap:    store.DefaultPerConversationCap,
			GlobalMessageCap:      store.DefaultGlobalCap,
			MaxConcurrentSessions: noise.DefaultMaxConcurrentSessions,
		},
		Timing: Timing{
			AssemblyLifetime:       30 * time.Second,
			SessionIdleTimeout:     noise.DefaultConfig().IdleTimeout,
			SessionKeyRotation:     noise.DefaultConfig().KeyRotationInterval,
			CapabilityTimeout:      capability.DefaultTimeout,
			DeliveryConfirmTimeout: delivery.DefaultConfig().ConfirmationTimeout,
			HealthProbeInterval:    router.ProbeInterval,
		},
		Monitoring: Monitoring{LogLevel: "info"},
	}
}

// Development shortens the session idle and capability timeouts and logs
// at debug level, for fast local iteration.
func Development() Config {
	c := Canonical()
	c.Timing.SessionIdleTimeout = 30 * time.Second
	c.Timing.CapabilityTimeout = 5 * time.Second
	c.Monitoring.LogLevel = "debug"
	return c
}

// Production raises the session and tracked-peer caps for a long-running
// unattended relay/daemon.
func Production() Config {
	c := Canonical()
	c.Limits.MaxConcurrentSessions = 500
	c.RateLimiting.MaxTrackedPeers = 5000
	c.Monitoring.LogLevel = "warn"
	return c
}

// BatteryOptimized trades throughput for radio duty cycle on
// power-constrained devices.
func BatteryOptimized() Config {
	c := Canonical()
	c.BLE.MaxCentralLinks = 3
	c.BLE.SpacingBcastMs = 20
	c.BLE.SpacingDirMs = 15
	c.Timing.HealthProbeInterval = 2 * time.Minute
	return c
}

// Testing minimizes every timeout so scenario tests driven by a virtual
// clock don't need to advance it by unrealistic amounts.
func Testing() Config {
	c := Canonical()
	c.Timing.AssemblyLifetime = time.Second
	c.Timing.SessionIdleTimeout = 5 * time.Second
	c.Timing.CapabilityTimeout = time.Second
	c.Delivery.ConfirmationTimeout = 2 * time.Second
	c.Monitoring.LogLevel = "debug"
	return c
}

// Validate checks every range invariant spec.md §4/§10 documents,
// collecting every violation rather than failing on the first the way
// cfg's init check in the teacher does at process startup.
func (c Config) Validate() error {
	var errs []string

	if c.BLE.FragmentSize < 100 || c.BLE.FragmentSize > 1024 {
		errs = append(errs, fmt.Sprintf("ble.fragment_size %d out of range [100,1024]", c.BLE.FragmentSize))
	}
	if c.BLE.MaxCentralLinks < 1 || c.BLE.MaxCentralLinks > 10 {
		errs = append(errs, fmt.Sprintf("ble.max_central_links %d out of range [1,10]", c.BLE.MaxCentralLinks))
	}
	if c.BLE.MinRSSIDbm < -120 || c.BLE.MinRSSIDbm > -50 {
		errs = append(errs, fmt.Sprintf("ble.min_rssi_dbm %d out of range [-120,-50]", c.BLE.MinRSSIDbm))
	}
	if c.RateLimiting.PeerMessageLimit <= 0 {
		errs = append(errs, "rate_limiting.peer_message_limit must be positive")
	}
	if c.RateLimiting.MaxTrackedPeers <= 0 {
		errs = append(errs, "rate_limiting.max_tracked_peers must be positive")
	}
	if c.MessageStore.PerConversationCap <= 0 || c.MessageStore.PerConversationCap > c.MessageStore.GlobalCap {
		errs = append(errs, "message_store.per_conversation_cap must be positive and <= global_cap")
	}
	if c.Delivery.MaxRetries < 0 {
		errs = append(errs, "delivery.max_retries must be non-negative")
	}
	if c.Session.HandshakeTimeout <= 0 {
		errs = append(errs, "session.handshake_timeout must be positive")
	}
	if c.Limits.MaxConcurrentSessions <= 0 {
		errs = append(errs, "limits.max_concurrent_sessions must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", bcerr.ConfigurationError, errs)
}
