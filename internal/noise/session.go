/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	fnoise "github.com/flynn/noise"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// Config holds the timing parameters from spec.md §4.3.
type Config struct {
	HandshakeTimeout      time.Duration
	IdleTimeout           time.Duration
	KeyRotationInterval   time.Duration
	RekeyMessageThreshold uint64
	RekeyRetentionWindow  time.Duration
}

// DefaultConfig returns the spec.md §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:      30 * time.Second,
		IdleTimeout:           300 * time.Second,
		KeyRotationInterval:   3600 * time.Second,
		RekeyMessageThreshold: 1 << 20,
		RekeyRetentionWindow:  10 * time.Second,
	}
}

var cipherSuite = fnoise.NewCipherSuite(fnoise.DH25519, fnoise.CipherChaChaPoly, fnoise.HashBLAKE2s)

// Errors specific to operations forbidden in the current state. An
// ErrWrongState error also wraps bcerr.SessionFailed for the caller's
// error-kind switch, per spec.md §7's InvalidPacket/SessionFailed split;
// ErrHandshakeFailed and ErrNoPreviousKey do not. A forbidden
// operation request is a local programming/protocol error, not a reason to
// tear the carrier down.
var (
	ErrWrongState      = errors.New("noise: operation not permitted in current state")
	ErrHandshakeFailed = errors.New("noise: handshake message rejected")
	ErrNoPreviousKey   = errors.New("noise: no retained previous receive key")
)

// Session is a per-peer Noise-XX tunnel plus the 7-state machine guarding
// it (spec.md §4.3). All access is serialized by mu; the engine's global
// lock order (spec.md §5) treats one Session as "the peer-session lock".
type Session struct {
	mu    sync.Mutex
	clock clock.Source
	cfg   Config

	state     State
	initiator bool

	localStatic fnoise.DHKey
	localPub    PublicKey

	peerFingerprint Fingerprint
	haveFingerprint bool

	hs   *fnoise.HandshakeState
	send *fnoise.CipherState
	recv *fnoise.CipherState

	prevRecv       *fnoise.CipherState
	prevRecvExpiry clock.Timestamp

	rekeyHS *fnoise.HandshakeState

	handshakeDeadline clock.Timestamp
	idleDeadline      clock.Timestamp
	rekeyDeadline     clock.Timestamp
	messagesSinceKey  uint64
}

// NewSession allocates a Session in state Uninitialized. Call CreateOutbound
// or CreateInbound to move it into Handshaking.
func NewSession(src clock.Source, cfg Config, localPriv PrivateKey, localPub PublicKey) *Session {
	return &Session{
		clock:       src,
		cfg:         cfg,
		state:       Uninitialized,
		localStatic: toDHKey(localPriv, localPub),
		localPub:    localPub,
	}
}

// State returns the current state. Safe for concurrent use.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fingerprint returns the remote peer's static-key fingerprint, valid once
// the handshake has processed the peer's static key (XX message 2 for the
// initiator, message 3 for the responder).
func (s *Session) Fingerprint() (Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerFingerprint, s.haveFingerprint
}

func wrongState(op string, got State) error {
	return fmt.Errorf("%w: %s called in %s: %w", ErrWrongState, op, got, bcerr.SessionFailed)
}

// CreateOutbound moves Uninitialized -> Handshaking as the initiator.
func (s *Session) CreateOutbound() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Uninitialized {
		return wrongState("create_outbound", s.state)
	}
	hs, err := fnoise.NewHandshakeState(fnoise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       fnoise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: s.localStatic,
	})
	if err != nil {
		return fmt.Errorf("noise: new handshake state: %w", err)
	}
	s.hs = hs
	s.initiator = true
	s.state = Handshaking
	s.handshakeDeadline = s.clock.Now().Add(s.cfg.HandshakeTimeout)
	return nil
}

// CreateInbound moves Uninitialized -> Handshaking as the responder.
func (s *Session) CreateInbound() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Uninitialized {
		return wrongState("create_inbound", s.state)
	}
	hs, err := fnoise.NewHandshakeState(fnoise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       fnoise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: s.localStatic,
	})
	if err != nil {
		return fmt.Errorf("noise: new handshake state: %w", err)
	}
	s.hs = hs
	s.initiator = false
	s.state = Handshaking
	s.handshakeDeadline = s.clock.Now().Add(s.cfg.HandshakeTimeout)
	return nil
}

// WriteHandshakeMessage produces the next XX message this side owes the
// peer. Valid in Handshaking and Rekeying.
func (s *Session) WriteHandshakeMessage() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.activeHandshakeLocked()
	if hs == nil {
		return nil, wrongState("write_handshake_msg", s.state)
	}
	out, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		s.failLocked()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.maybeFinishLocked(cs1, cs2)
	return out, nil
}

// ReadHandshakeMessage consumes an XX message from the peer. Valid in
// Handshaking and Rekeying. A malformed message is fatal for the session
// (spec.md §4.3 failure semantics).
func (s *Session) ReadHandshakeMessage(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.activeHandshakeLocked()
	if hs == nil {
		return wrongState("read_handshake_msg", s.state)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		s.failLocked()
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if peerStatic := hs.PeerStatic(); peerStatic != nil && !s.haveFingerprint {
		var pub PublicKey
		copy(pub[:], peerStatic)
		s.peerFingerprint = FingerprintOf(pub)
		s.haveFingerprint = true
	}
	s.maybeFinishLocked(cs1, cs2)
	return nil
}

// activeHandshakeLocked returns the in-progress HandshakeState for the
// current state, or nil if neither Handshaking nor Rekeying.
func (s *Session) activeHandshakeLocked() *fnoise.HandshakeState {
	switch s.state {
	case Handshaking:
		return s.hs
	case Rekeying:
		return s.rekeyHS
	default:
		return nil
	}
}

// maybeFinishLocked swaps in fresh cipher states once the pattern
// completes (both non-nil), moving Handshaking->Established or
// Rekeying->Established, and clearing the deadline that would otherwise
// fire Timeout.
func (s *Session) maybeFinishLocked(cs1, cs2 *fnoise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	switch s.state {
	case Handshaking:
		if s.initiator {
			s.send, s.recv = cs1, cs2
		} else {
			s.send, s.recv = cs2, cs1
		}
		s.hs = nil
	case Rekeying:
		// prevRecv was already snapshotted when Rekeying began (InitiateRekey/
		// AcceptRekey); just refresh its expiry now that the new keys are live.
		s.prevRecvExpiry = s.clock.Now().Add(s.cfg.RekeyRetentionWindow)
		if s.initiator {
			s.send, s.recv = cs1, cs2
		} else {
			s.send, s.recv = cs2, cs1
		}
		s.rekeyHS = nil
	default:
		return
	}
	s.state = Established
	s.messagesSinceKey = 0
	now := s.clock.Now()
	s.idleDeadline = now.Add(s.cfg.IdleTimeout)
	s.rekeyDeadline = now.Add(s.cfg.KeyRotationInterval)
}

// CheckFinished reports whether the handshake (or rekey) has completed,
// i.e. the session has reached Established since the last handshake
// operation. It never itself changes state; maybeFinishLocked already did
// so as soon as both cipher states appeared.
func (s *Session) CheckFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Established
}

// Encrypt authenticates and encrypts plaintext for transport. Valid only
// in Established.
func (s *Session) Encrypt(ad, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return nil, wrongState("encrypt", s.state)
	}
	out := s.send.Encrypt(nil, ad, plaintext)
	s.messagesSinceKey++
	s.idleDeadline = s.clock.Now().Add(s.cfg.IdleTimeout)
	return out, nil
}

// Decrypt authenticates and decrypts a transport message with the current
// receive key. Valid only in Established. A decryption failure here is
// fatal for the session (spec.md §4.3).
func (s *Session) Decrypt(ad, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return nil, wrongState("decrypt", s.state)
	}
	out, err := s.recv.Decrypt(nil, ad, ciphertext)
	if err != nil {
		s.failLocked()
		return nil, fmt.Errorf("%w: %v", bcerr.SessionFailed, err)
	}
	s.idleDeadline = s.clock.Now().Add(s.cfg.IdleTimeout)
	return out, nil
}

// DecryptWithPrevious decrypts a message still encrypted under the
// pre-rekey receive key, valid during the Rekeying retention window
// (spec.md §4.3: "previous receive key is retained for one window").
func (s *Session) DecryptWithPrevious(ad, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Rekeying && s.state != Established {
		return nil, wrongState("decrypt_with_previous", s.state)
	}
	if s.prevRecv == nil {
		return nil, ErrNoPreviousKey
	}
	if s.clock.Now().After(s.prevRecvExpiry) {
		s.prevRecv = nil
		return nil, ErrNoPreviousKey
	}
	return s.prevRecv.Decrypt(nil, ad, ciphertext)
}

// CheckRekeyThreshold reports whether the time- or message-count-based
// rekey trigger has fired. The caller is expected to follow a true result
// with InitiateRekey.
func (s *Session) CheckRekeyThreshold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return false
	}
	return s.clock.Now().After(s.rekeyDeadline) || s.messagesSinceKey >= s.cfg.RekeyMessageThreshold
}

// InitiateRekey starts a fresh XX handshake inside the current tunnel,
// moving Established -> Rekeying. Per spec.md's invariant, rekey never
// occurs while a handshake is already in progress — enforced trivially
// here since this only succeeds from Established.
func (s *Session) InitiateRekey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return nil, wrongState("initiate_rekey", s.state)
	}
	hs, err := fnoise.NewHandshakeState(fnoise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       fnoise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: s.localStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: new rekey handshake: %w", err)
	}
	s.rekeyHS = hs
	s.initiator = true
	s.state = Rekeying
	s.handshakeDeadline = s.clock.Now().Add(s.cfg.HandshakeTimeout)
	// Retain the pre-rekey receive key immediately: messages encrypted
	// under it may still arrive while this rekey is in flight, not just
	// after it completes.
	s.prevRecv = s.recv
	s.prevRecvExpiry = s.clock.Now().Add(s.cfg.HandshakeTimeout + s.cfg.RekeyRetentionWindow)
	out, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		s.failLocked()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return out, nil
}

// AcceptRekey moves Established -> Rekeying as the responder, when the
// peer initiates. The caller then feeds the peer's first rekey message to
// ReadHandshakeMessage.
func (s *Session) AcceptRekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return wrongState("accept_rekey", s.state)
	}
	hs, err := fnoise.NewHandshakeState(fnoise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       fnoise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: s.localStatic,
	})
	if err != nil {
		return fmt.Errorf("noise: new rekey handshake: %w", err)
	}
	s.rekeyHS = hs
	s.initiator = false
	s.state = Rekeying
	s.handshakeDeadline = s.clock.Now().Add(s.cfg.HandshakeTimeout)
	s.prevRecv = s.recv
	s.prevRecvExpiry = s.clock.Now().Add(s.cfg.HandshakeTimeout + s.cfg.RekeyRetentionWindow)
	return nil
}

// CompleteRekey is a no-op assertion that Rekeying has finished; kept as an
// explicit operation name (spec.md §4.3 lists it for symmetry with
// check_finished) even though maybeFinishLocked already performed the
// atomic key swap as soon as the pattern completed.
func (s *Session) CompleteRekey() bool {
	return s.CheckFinished()
}

// Terminate moves Established -> Terminating, e.g. on idle timeout or an
// explicit user-initiated session close.
func (s *Session) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return wrongState("terminate", s.state)
	}
	s.state = Terminating
	return nil
}

// SendLeave marks that a leave notification has been (or is about to be)
// sent to the peer. Valid only in Terminating.
func (s *Session) SendLeave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Terminating {
		return wrongState("send_leave", s.state)
	}
	return nil
}

// Cleanup releases key material and advances the terminal states per the
// diagram in spec.md §4.3: Failed -> Uninitialized (the session object may
// be reused for a fresh CreateOutbound/CreateInbound), Terminating ->
// Terminated, and Terminated -> Terminated (idempotent).
func (s *Session) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Failed:
		s.zeroizeLocked()
		s.state = Uninitialized
	case Terminating:
		s.zeroizeLocked()
		s.state = Terminated
	case Terminated:
		// idempotent
	default:
		return wrongState("cleanup", s.state)
	}
	return nil
}

// CheckHandshakeTimeout fires the Handshaking/Rekeying -> Failed
// transition if the handshake deadline has passed.
func (s *Session) CheckHandshakeTimeout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Handshaking && s.state != Rekeying {
		return nil
	}
	if s.clock.Now().After(s.handshakeDeadline) {
		s.failLocked()
		return bcerr.Timeout
	}
	return nil
}

// CheckIdleTimeout fires the Established -> Terminating transition if the
// session has been idle past IdleTimeout.
func (s *Session) CheckIdleTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return false
	}
	if s.clock.Now().After(s.idleDeadline) {
		s.state = Terminating
		return true
	}
	return false
}

func (s *Session) failLocked() {
	s.zeroizeLocked()
	s.state = Failed
}

func (s *Session) zeroizeLocked() {
	s.hs = nil
	s.rekeyHS = nil
	s.send = nil
	s.recv = nil
	s.prevRecv = nil
	s.messagesSinceKey = 0
}
