/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package noise

import (
	"fmt"
	"sync"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// PeerID is the opaque 8-byte identifier from spec.md §3.
type PeerID [8]byte

// DefaultMaxConcurrentSessions is the spec.md §4.3 default.
const DefaultMaxConcurrentSessions = 100

// Manager owns exactly one Session per PeerID (spec.md §3 invariant: "a
// second CreateOutbound while Handshaking is rejected") and LRU-evicts the
// oldest session once MaxConcurrentSessions is exceeded, mirroring the
// teacher's device.peers map guarded by a single RWMutex plus
// AllowedIPs-style bounded-resource discipline.
type Manager struct {
	mu                    sync.Mutex
	clock                 clock.Source
	cfg                   Config
	localPriv             PrivateKey
	localPub              PublicKey
	maxConcurrentSessions int

	sessions map[PeerID]*Session
	order    []PeerID // LRU order, most-recently-touched last
}

// NewManager returns an empty Manager.
func NewManager(src clock.Source, cfg Config, localPriv PrivateKey, localPub PublicKey, maxConcurrentSessions int) *Manager {
	if maxConcurrentSessions <= 0 {
		maxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	return &Manager{
		clock:                 src,
		cfg:                   cfg,
		localPriv:             localPriv,
		localPub:              localPub,
		maxConcurrentSessions: maxConcurrentSessions,
		sessions:              make(map[PeerID]*Session),
	}
}

// ErrSessionExists is returned by CreateOutbound/CreateInbound when a
// session already exists for the peer in a non-terminal state.
var ErrSessionExists = fmt.Errorf("noise: session already active for peer")

// CreateOutbound creates (or reuses a terminal) Session for peer and moves
// it to Handshaking as the initiator.
func (m *Manager) CreateOutbound(peer PeerID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getOrCreateLocked(peer)
	if err != nil {
		return nil, err
	}
	if err := s.CreateOutbound(); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateInbound creates (or reuses a terminal) Session for peer and moves
// it to Handshaking as the responder.
func (m *Manager) CreateInbound(peer PeerID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getOrCreateLocked(peer)
	if err != nil {
		return nil, err
	}
	if err := s.CreateInbound(); err != nil {
		return nil, err
	}
	return s, nil
}

// getOrCreateLocked returns the peer's session, rejecting the call if one
// is already live (non-Uninitialized, non-terminal), and evicting the LRU
// session first if the cap would otherwise be exceeded by a brand new
// entry. Callers must hold m.mu.
func (m *Manager) getOrCreateLocked(peer PeerID) (*Session, error) {
	if s, ok := m.sessions[peer]; ok {
		switch s.State() {
		case Uninitialized, Terminated, Failed:
			m.touchLocked(peer)
			return s, nil
		default:
			return nil, ErrSessionExists
		}
	}
	if len(m.sessions) >= m.maxConcurrentSessions {
		m.evictOldestLocked()
	}
	s := NewSession(m.clock, m.cfg, m.localPriv, m.localPub)
	m.sessions[peer] = s
	m.order = append(m.order, peer)
	return s, nil
}

func (m *Manager) touchLocked(peer PeerID) {
	for i, p := range m.order {
		if p == peer {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.order = append(m.order, peer)
}

func (m *Manager) evictOldestLocked() {
	if len(m.order) == 0 {
		return
	}
	oldest := m.order[0]
	m.order = m.order[1:]
	delete(m.sessions, oldest)
}

// Get returns the session for peer, if any.
func (m *Manager) Get(peer PeerID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// Forget removes peer's session entirely, e.g. once the UI explicitly
// forgets a peer (spec.md §3: PeerId "destroyed when a peer is explicitly
// forgotten").
func (m *Manager) Forget(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peer)
	for i, p := range m.order {
		if p == peer {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Count returns the number of sessions currently tracked.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep runs CheckHandshakeTimeout/CheckIdleTimeout/CheckRekeyThreshold
// over every tracked session; callers (the engine's scheduler) should call
// this periodically rather than per-message.
func (m *Manager) Sweep() (timedOut []PeerID, idled []PeerID, needsRekey []PeerID) {
	m.mu.Lock()
	peers := make([]PeerID, 0, len(m.sessions))
	sessions := make([]*Session, 0, len(m.sessions))
	for p, s := range m.sessions {
		peers = append(peers, p)
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for i, s := range sessions {
		if err := s.CheckHandshakeTimeout(); err != nil {
			timedOut = append(timedOut, peers[i])
			continue
		}
		if s.CheckIdleTimeout() {
			idled = append(idled, peers[i])
			continue
		}
		if s.CheckRekeyThreshold() {
			needsRekey = append(needsRekey, peers[i])
		}
	}
	return
}
