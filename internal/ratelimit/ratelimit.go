/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package ratelimit implements the per-peer and global rate limiting from
// spec.md §4.x, generalizing the teacher's per-source-IP token bucket
// (ratelimiter.Ratelimiter) to per-peer message and connection buckets,
// plus a global token bucket backed by golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// Defaults from spec.md.
const (
	DefaultMaxTrackedPeers     = 1000
	DefaultPeerMessageLimit    = 50
	DefaultPeerConnectionLimit = 5
	DefaultWindow              = 60 * time.Second
	DefaultGlobalMessageLimit  = 1000
)

// PeerID is the 8-byte identifier used throughout the engine.
type PeerID [8]byte

// tokenBucket mirrors the teacher's RatelimiterEntry: tokens accrue
// continuously at refillPerMs and are spent one capacity unit per
// admitted event, capped at capacity.
type tokenBucket struct {
	tokens     float64
	lastRefill clock.Timestamp
	started    bool
}

func (b *tokenBucket) allow(now clock.Timestamp, capacity, refillPerMs float64) bool {
	if !b.started {
		b.tokens = capacity
		b.lastRefill = now
		b.started = true
	}
	elapsedMs := float64(now - b.lastRefill)
	if elapsedMs > 0 {
		b.tokens += elapsedMs * refillPerMs
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

type peerRecord struct {
	mu          sync.Mutex
	messages    tokenBucket
	connections tokenBucket
	lastSeen    clock.Timestamp
}

// PeerLimiter tracks a bounded, LRU-capped table of per-peer token
// buckets, matching the teacher's table-plus-garbage-collection shape
// (ratelimiter.Ratelimiter) but keyed by PeerID and driven by an injected
// clock.Source instead of wall-clock time.Now.
type PeerLimiter struct {
	mu sync.RWMutex

	clock clock.Source

	msgCapacity     float64
	msgRefillPerMs  float64
	connCapacity    float64
	connRefillPerMs float64

	maxTracked int
	table      map[PeerID]*peerRecord
	order      []PeerID
}

// NewPeerLimiter returns a PeerLimiter allowing msgLimit messages and
// connLimit connection attempts per window, per peer.
func NewPeerLimiter(src clock.Source, msgLimit, connLimit int, window time.Duration, maxTracked int) *PeerLimiter {
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTrackedPeers
	}
	windowMs := float64(window.Milliseconds())
	return &PeerLimiter{
		clock:           src,
		msgCapacity:     float64(msgLimit),
		msgRefillPerMs:  float64(msgLimit) / windowMs,
		connCapacity:    float64(connLimit),
		connRefillPerMs: float64(connLimit) / windowMs,
		maxTracked:      maxTracked,
		table:           make(map[PeerID]*peerRecord),
	}
}

func (l *PeerLimiter) getOrCreate(peer PeerID) *peerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.table[peer]; ok {
		for i, p := range l.order {
			if p == peer {
				l.order = append(append(l.order[:i], l.order[i+1:]...), peer)
				break
			}
		}
		return rec
	}
	if len(l.table) >= l.maxTracked {
		l.evictOldestLocked()
	}
	rec = &peerRecord{lastSeen: l.clock.Now()}
	l.table[peer] = rec
	l.order = append(l.order, peer)
	return rec
}

func (l *PeerLimiter) evictOldestLocked() {
	if len(l.order) == 0 {
		return
	}
	oldest := l.order[0]
	l.order = l.order[1:]
	delete(l.table, oldest)
}

// AllowMessage reports whether peer may send another message right now,
// consuming one token if so.
func (l *PeerLimiter) AllowMessage(peer PeerID) bool {
	rec := l.getOrCreate(peer)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	now := l.clock.Now()
	rec.lastSeen = now
	return rec.messages.allow(now, l.msgCapacity, l.msgRefillPerMs)
}

// AllowConnection reports whether peer may open another connection right
// now, consuming one token if so.
func (l *PeerLimiter) AllowConnection(peer PeerID) bool {
	rec := l.getOrCreate(peer)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	now := l.clock.Now()
	rec.lastSeen = now
	return rec.connections.allow(now, l.connCapacity, l.connRefillPerMs)
}

// Sweep drops tracked peers idle for longer than maxIdle, mirroring the
// teacher's ticker-driven garbage collection without requiring a
// background goroutine (the engine's scheduler drives this periodically,
// same as noise.Manager.Sweep and delivery.Tracker.Sweep).
func (l *PeerLimiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	removed := 0
	kept := l.order[:0]
	for _, peer := range l.order {
		rec := l.table[peer]
		rec.mu.Lock()
		idle := rec.lastSeen.Add(maxIdle).Before(now)
		rec.mu.Unlock()
		if idle {
			delete(l.table, peer)
			removed++
			continue
		}
		kept = append(kept, peer)
	}
	l.order = kept
	return removed
}

// TrackedCount returns how many peers currently hold a bucket entry.
func (l *PeerLimiter) TrackedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.table)
}

// NewGlobalMessageLimiter returns an x/time/rate.Limiter admitting limit
// events per window, used for the mesh-wide message cap layered on top of
// the per-peer buckets (spec.md §4.x).
func NewGlobalMessageLimiter(limit int, window time.Duration) *rate.Limiter {
	if limit <= 0 {
		limit = DefaultGlobalMessageLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}

// Limiter composes the per-peer buckets with the global backstop, the
// shape the engine actually depends on for admission control.
type Limiter struct {
	Peers          *PeerLimiter
	GlobalMessages *rate.Limiter
}

// NewLimiter wires up the default canonical rate limiting policy.
func NewLimiter(src clock.Source) *Limiter {
	return &Limiter{
		Peers:          NewPeerLimiter(src, DefaultPeerMessageLimit, DefaultPeerConnectionLimit, DefaultWindow, DefaultMaxTrackedPeers),
		GlobalMessages: NewGlobalMessageLimiter(DefaultGlobalMessageLimit, DefaultWindow),
	}
}

// AllowMessage admits a message only if both the peer's bucket and the
// global backstop have capacity; a rejected global check does not consume
// the peer's token (spec.md: per-peer and global limits are independent
// checks, both must pass).
func (l *Limiter) AllowMessage(peer PeerID) bool {
	if !l.GlobalMessages.Allow() {
		return false
	}
	return l.Peers.AllowMessage(peer)
}
