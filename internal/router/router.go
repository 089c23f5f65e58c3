/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package router implements the transport routing policy from spec.md
// §4.7: canonical context-to-transport mapping, health-scored selection
// among candidates, rule overrides, and a bounded outbound queue. It is
// grounded on the teacher's conn.Bind/Endpoint split — a Bind is "a way to
// reach the network", an Endpoint is "where a particular peer lives on
// it" — generalized here to "a way to reach the mesh" (TransportKind) and
// "how healthy that way currently is" (Health).
package router

import (
	"sort"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// TransportKind identifies one of the two wire transports (spec.md §2).
type TransportKind int

const (
	BLE TransportKind = iota
	Nostr
)

func (k TransportKind) String() string {
	switch k {
	case BLE:
		return "BLE"
	case Nostr:
		return "Nostr"
	default:
		return "Unknown"
	}
}

// MessageContext is the closed enum spec.md §4.7 routes on.
type MessageContext int

const (
	PublicMesh MessageContext = iota
	PublicLocation
	Private
	ReadReceipt
	DeliveryAck
	FavoriteNotification
)

// canonicalCandidates is the default context -> transport-set policy
// (spec.md §4.7): PublicMesh is BLE-only, PublicLocation is Nostr-only,
// everything else in the "private" class may use either, ranked by
// health.
func canonicalCandidates(ctx MessageContext) []TransportKind {
	switch ctx {
	case PublicMesh:
		return []TransportKind{BLE}
	case PublicLocation:
		return []TransportKind{Nostr}
	default:
		return []TransportKind{BLE, Nostr}
	}
}

// RoutingRule overrides the canonical policy for a specific context. Rules
// are consulted highest-Priority-first; the first matching rule wins.
type RoutingRule struct {
	Context  MessageContext
	Targets  []TransportKind
	Priority int
}

const (
	healthWindowSamples = 100
	healthWindowAge     = time.Hour
	// ProbeInterval is how often the engine's scheduler should re-probe
	// an idle transport's health (spec.md §4.7).
	ProbeInterval = 30 * time.Second
)

type sample struct {
	at      clock.Timestamp
	success bool
	latency time.Duration
}

// transportHealth holds the rolling outcome window for one transport, plus
// the derived fields spec.md §3/§4.7 score selection on: consecutive
// failures, current utilization, and per-peer reachability.
type transportHealth struct {
	samples             []sample
	lastProbed          clock.Timestamp
	probed              bool
	consecutiveFailures int
	utilization         float64
	reachablePeers      map[[8]byte]bool
}

// successRate returns the fraction of successful samples in the window, or
// 1.0 (optimistic) when no samples have been recorded yet.
func (h *transportHealth) successRate() float64 {
	if len(h.samples) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range h.samples {
		if s.success {
			ok++
		}
	}
	return float64(ok) / float64(len(h.samples))
}

// avgLatency returns the mean sample latency, or 0 when no samples (or
// unmeasured, latency-less) results have been recorded.
func (h *transportHealth) avgLatency() time.Duration {
	if len(h.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range h.samples {
		total += s.latency
	}
	return total / time.Duration(len(h.samples))
}

// latencyFactor implements spec.md §4.7's step function.
func latencyFactor(d time.Duration) float64 {
	switch {
	case d < 100*time.Millisecond:
		return 1.0
	case d < 500*time.Millisecond:
		return 0.8
	case d < time.Second:
		return 0.6
	default:
		return 0.4
	}
}

// quality implements spec.md §4.7/§3's derived score:
// success_rate·(1−0.1·min(consecutive_failures,9)), further scaled by the
// latency step function and (1−0.5·utilization).
func (h *transportHealth) quality() float64 {
	cf := h.consecutiveFailures
	if cf > 9 {
		cf = 9
	}
	q := h.successRate() * (1 - 0.1*float64(cf))
	q *= latencyFactor(h.avgLatency())
	q *= 1 - 0.5*h.utilization
	return q
}

// isHealthy implements spec.md §4.7's gate: success_rate > 0.5 AND
// consecutive_failures < 3.
func (h *transportHealth) isHealthy() bool {
	return h.successRate() > 0.5 && h.consecutiveFailures < 3
}

// reachable reports whether peer is known reachable over this transport.
// A peer never reported one way or the other is assumed reachable, the
// same optimistic default successRate uses for an unsampled transport.
func (h *transportHealth) reachable(peer [8]byte) bool {
	if h.reachablePeers == nil {
		return true
	}
	v, ok := h.reachablePeers[peer]
	return !ok || v
}

func (h *transportHealth) record(now clock.Timestamp, success bool, latency time.Duration) {
	h.samples = append(h.samples, sample{at: now, success: success, latency: latency})
	cutoff := now.Add(-healthWindowAge)
	trimmed := h.samples[:0]
	for _, s := range h.samples {
		if s.at.After(cutoff) || s.at == cutoff {
			trimmed = append(trimmed, s)
		}
	}
	h.samples = trimmed
	if len(h.samples) > healthWindowSamples {
		h.samples = h.samples[len(h.samples)-healthWindowSamples:]
	}
	if success {
		h.consecutiveFailures = 0
	} else {
		h.consecutiveFailures++
	}
}

// Effect is a queued outbound unit of work awaiting transmission.
type Effect struct {
	Context   MessageContext
	Recipient [8]byte
	Payload   []byte
	EnqueuedAt clock.Timestamp
}

// Router selects transports per message and holds the bounded outbound
// queue feeding them.
type Router struct {
	clock clock.Source

	rules  []RoutingRule
	health map[TransportKind]*transportHealth

	queueCap  int
	retention time.Duration
	queue     []Effect
}

// DefaultQueueCap and DefaultRetention are the spec.md §4.7 defaults.
const (
	DefaultQueueCap  = 1000
	DefaultRetention = time.Hour
)

// New returns a Router with the canonical policy and an empty queue.
func New(src clock.Source) *Router {
	return &Router{
		clock:     src,
		health:    make(map[TransportKind]*transportHealth),
		queueCap:  DefaultQueueCap,
		retention: DefaultRetention,
	}
}

// AddRule installs an override rule. Rules with higher Priority are
// checked first; on a tie, the earlier-added rule wins.
func (r *Router) AddRule(rule RoutingRule) {
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
}

// candidatesFor returns the ranked transport set for ctx, consulting
// overrides before falling back to the canonical policy.
func (r *Router) candidatesFor(ctx MessageContext) []TransportKind {
	for _, rule := range r.rules {
		if rule.Context == ctx {
			return rule.Targets
		}
	}
	return canonicalCandidates(ctx)
}

func (r *Router) healthFor(kind TransportKind) *transportHealth {
	h, ok := r.health[kind]
	if !ok {
		h = &transportHealth{}
		r.health[kind] = h
	}
	return h
}

// Resolve picks the single best transport for ctx and recipient: when the
// canonical or overridden candidate set names exactly one transport (the
// PublicMesh / PublicLocation cases), that transport is returned
// unconditionally, even if currently unhealthy — a degraded BLE link is
// still the only legal carrier for a public mesh broadcast. Otherwise the
// highest-quality candidate that is both healthy and known reachable for
// recipient is chosen, ties broken by candidate order; if none qualifies,
// ok is false and the caller must queue the message (spec.md §4.7).
func (r *Router) Resolve(ctx MessageContext, recipient [8]byte) (kind TransportKind, ok bool) {
	candidates := r.candidatesFor(ctx)
	if len(candidates) == 1 {
		return candidates[0], true
	}
	bestQuality := -1.0
	for _, c := range candidates {
		h := r.healthFor(c)
		if !h.isHealthy() || !h.reachable(recipient) {
			continue
		}
		if q := h.quality(); q > bestQuality {
			kind, bestQuality = c, q
			ok = true
		}
	}
	return kind, ok
}

// RecordResult feeds a send outcome back into the rolling health window,
// with no latency sample (e.g. a best-effort Send, as opposed to a timed
// Probe).
func (r *Router) RecordResult(kind TransportKind, success bool) {
	r.healthFor(kind).record(r.clock.Now(), success, 0)
}

// RecordProbe feeds a health-probe outcome, including its measured
// round-trip latency, into kind's rolling window (spec.md §4.7: "result
// (success + latency) feeds the health window").
func (r *Router) RecordProbe(kind TransportKind, success bool, latency time.Duration) {
	r.healthFor(kind).record(r.clock.Now(), success, latency)
}

// SetUtilization records kind's current fractional load (0..1), used to
// discount its quality score under load (spec.md §4.7/§3).
func (r *Router) SetUtilization(kind TransportKind, utilization float64) {
	r.healthFor(kind).utilization = utilization
}

// SetReachable records whether peer is currently reachable over kind, the
// "per-peer reachability flags" Resolve consults (spec.md §4.7). BLE
// reports this from link-up/link-down/peer-discovered transport events;
// Nostr, being globally reachable, never needs to.
func (r *Router) SetReachable(kind TransportKind, peer [8]byte, reachable bool) {
	h := r.healthFor(kind)
	if h.reachablePeers == nil {
		h.reachablePeers = make(map[[8]byte]bool)
	}
	h.reachablePeers[peer] = reachable
}

// Score reports the current quality score (0..1) for kind.
func (r *Router) Score(kind TransportKind) float64 {
	return r.healthFor(kind).quality()
}

// IsHealthy reports whether kind currently passes spec.md §4.7's health
// gate.
func (r *Router) IsHealthy(kind TransportKind) bool {
	return r.healthFor(kind).isHealthy()
}

// NeedsProbe reports whether kind hasn't been actively probed within
// ProbeInterval.
func (r *Router) NeedsProbe(kind TransportKind) bool {
	h := r.healthFor(kind)
	return !h.probed || h.lastProbed.Add(ProbeInterval).Before(r.clock.Now())
}

// MarkProbed records that kind was just probed, regardless of outcome.
func (r *Router) MarkProbed(kind TransportKind) {
	h := r.healthFor(kind)
	h.lastProbed = r.clock.Now()
	h.probed = true
}

// Enqueue appends eff to the bounded outbound queue, dropping the oldest
// entry when the queue is full (spec.md §4.7: bounded FIFO, default cap
// 1000).
func (r *Router) Enqueue(eff Effect) {
	eff.EnqueuedAt = r.clock.Now()
	r.queue = append(r.queue, eff)
	if len(r.queue) > r.queueCap {
		r.queue = r.queue[1:]
	}
}

// Drain removes and returns every queued effect still within the
// retention window, oldest first, dropping anything older.
func (r *Router) Drain() []Effect {
	now := r.clock.Now()
	out := make([]Effect, 0, len(r.queue))
	for _, eff := range r.queue {
		if eff.EnqueuedAt.Add(r.retention).Before(now) {
			continue
		}
		out = append(out, eff)
	}
	r.queue = nil
	return out
}

// QueueLen reports how many effects are currently queued.
func (r *Router) QueueLen() int {
	return len(r.queue)
}
