/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package capability implements the version hello/ack negotiation and
// per-peer feature gating from spec.md §4.4.
package capability

import (
	"sync"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// MaxCapabilities bounds how many capability IDs a single hello may carry.
const MaxCapabilities = 64

// DefaultTimeout is how long we wait for a hello before marking a peer
// legacy (spec.md §4.4: CAPABILITY_TIMEOUT).
const DefaultTimeout = 30 * time.Second

// CoreCapabilities is the fixed set assigned to a legacy peer.
var CoreCapabilities = []string{
	"core_messaging",
	"noise_protocol",
	"fragmentation",
	"location_channels",
	"mesh_sync",
	"ble_transport",
	"nostr_transport",
}

// Status is the negotiation lifecycle exposed to the rest of the engine.
type Status int

const (
	Unknown Status = iota
	Pending
	Negotiated
	Legacy
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Pending:
		return "Pending"
	case Negotiated:
		return "Negotiated"
	case Legacy:
		return "Legacy"
	default:
		return "Unknown"
	}
}

// Hello is the VersionHello payload (spec.md §4.4).
type Hello struct {
	Peer               [8]byte
	SupportedVersions  []uint8
	Capabilities       []string
	ImplementationInfo string
}

// Ack is the VersionAck reply.
type Ack struct {
	NegotiatedVersion uint8
	MutualCapabilities []string
}

// RejectReason codes for CapabilityRejection.
type RejectReason uint8

const (
	RejectTooManyCapabilities RejectReason = iota + 1
	RejectIncompatibleVersion
)

// Rejection is sent instead of an Ack when negotiation can't proceed.
type Rejection struct {
	Reason RejectReason
}

type peerRecord struct {
	status       Status
	mutual       []string
	pendingSince clock.Timestamp
}

// Negotiator tracks negotiation state per peer and decides feature gating.
// Mutation funnels through a single mutex, matching the "single logical
// owner" policy from spec.md §5.
type Negotiator struct {
	mu                sync.Mutex
	clock             clock.Source
	localVersion      uint8
	localCapabilities []string
	timeout           time.Duration

	peers map[[8]byte]*peerRecord
}

// NewNegotiator returns a Negotiator advertising localCapabilities at
// localVersion.
func NewNegotiator(src clock.Source, localVersion uint8, localCapabilities []string, timeout time.Duration) *Negotiator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Negotiator{
		clock:             src,
		localVersion:      localVersion,
		localCapabilities: localCapabilities,
		timeout:           timeout,
		peers:             make(map[[8]byte]*peerRecord),
	}
}

// BeginPending marks peer as awaiting a hello, starting the legacy-timeout
// clock. Called once a session with peer reaches Established.
func (n *Negotiator) BeginPending(peer [8]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.peers[peer]; ok {
		return
	}
	n.peers[peer] = &peerRecord{status: Pending, pendingSince: n.clock.Now()}
}

// sameMajor implements "same major, any minor" (spec.md §4.4). Versions
// are encoded as a single byte here; the major is the upper nibble.
func sameMajor(a, b uint8) bool {
	return a>>4 == b>>4
}

// HandleHello processes an inbound VersionHello and returns the Ack (or
// Rejection) to send back, transitioning the peer to Negotiated.
// Processing the same Hello twice yields the same mutual set both times
// (spec.md §8 idempotence law).
func (n *Negotiator) HandleHello(h Hello) (*Ack, *Rejection) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(h.Capabilities) > MaxCapabilities {
		return nil, &Rejection{Reason: RejectTooManyCapabilities}
	}
	compatible := false
	for _, v := range h.SupportedVersions {
		if sameMajor(v, n.localVersion) {
			compatible = true
			break
		}
	}
	if !compatible {
		return nil, &Rejection{Reason: RejectIncompatibleVersion}
	}

	mutual := intersect(n.localCapabilities, h.Capabilities)
	rec, ok := n.peers[h.Peer]
	if !ok {
		rec = &peerRecord{}
		n.peers[h.Peer] = rec
	}
	rec.status = Negotiated
	rec.mutual = mutual

	return &Ack{NegotiatedVersion: n.localVersion, MutualCapabilities: mutual}, nil
}

// HandleAck processes an inbound VersionAck, recording the mutual set our
// peer computed. Symmetric with HandleHello on the other side of the wire.
func (n *Negotiator) HandleAck(peer [8]byte, a Ack) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.peers[peer]
	if !ok {
		rec = &peerRecord{}
		n.peers[peer] = rec
	}
	rec.status = Negotiated
	rec.mutual = append([]string(nil), a.MutualCapabilities...)
}

// SweepLegacyTimeouts marks every still-Pending peer whose timeout has
// elapsed as Legacy with the fixed core capability set.
func (n *Negotiator) SweepLegacyTimeouts() (nowLegacy [][8]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock.Now()
	for peer, rec := range n.peers {
		if rec.status == Pending && rec.pendingSince.Add(n.timeout).Before(now) {
			rec.status = Legacy
			rec.mutual = append([]string(nil), CoreCapabilities...)
			nowLegacy = append(nowLegacy, peer)
		}
	}
	return nowLegacy
}

// StatusOf reports the negotiation status for peer (Unknown if never seen).
func (n *Negotiator) StatusOf(peer [8]byte) Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.peers[peer]
	if !ok {
		return Unknown
	}
	return rec.status
}

// SupportsCapability implements should_use_feature: the router gates
// advanced features on this before ever emitting them (spec.md §4.4/§8:
// "for every legacy peer q, should_use_feature(q, advanced_cap) = false").
func (n *Negotiator) SupportsCapability(peer [8]byte, capability string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.peers[peer]
	if !ok {
		return false
	}
	for _, c := range rec.mutual {
		if c == capability {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range b {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
