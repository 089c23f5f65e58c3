/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package store implements the bounded, deduplicating message store from
// spec.md §4.6: a per-conversation ring plus a global cap, content
// validation, and age-based sweeping.
package store

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// Defaults from spec.md §4.6. MaxMessageBytes bounds the content field's
// length in bytes; MaxContentChars is the stricter
// application-level bound on the content field's rune count that a client
// enforces before a message is ever stored.
const (
	DefaultPerConversationCap = 10000
	DefaultGlobalCap          = 100000
	DefaultMaxMessageBytes    = 64 * 1024
	DefaultMaxContentChars    = 32 * 1024
	DefaultMaxAge             = 30 * 24 * time.Hour
)

var (
	ErrMessageTooLarge = errors.New("store: message exceeds max wire size")
	ErrContentTooLong  = errors.New("store: message content exceeds max length")
	ErrInvalidUTF8     = errors.New("store: message content is not valid UTF-8")
	ErrDuplicate       = errors.New("store: duplicate message id")
)

// ConversationID identifies a DM pairing or a public channel/geohash.
type ConversationID string

// MessageID is the content-addressed identifier from spec.md §3.
type MessageID [32]byte

// Message is a stored, already-validated message body.
type Message struct {
	ID           MessageID
	Conversation ConversationID
	Sender       [8]byte
	Content      string
	ReceivedAt   clock.Timestamp
}

type conversationRing struct {
	cap      int
	order    []MessageID // FIFO, oldest first
	messages map[MessageID]*Message
}

func newConversationRing(cap int) *conversationRing {
	return &conversationRing{cap: cap, messages: make(map[MessageID]*Message)}
}

// Store owns every conversation ring plus the global dedupe index.
// Mutation funnels through a single mutex (spec.md §5).
type Store struct {
	mu              sync.Mutex
	clock           clock.Source
	perConvCap      int
	globalCap       int
	maxMessageBytes int
	maxContentChars int

	conversations map[ConversationID]*conversationRing
	globalOrder   []MessageID // FIFO across all conversations, oldest first
	seen          map[MessageID]ConversationID
}

// New returns an empty Store using the spec.md §4.6 defaults.
func New(src clock.Source) *Store {
	return NewWithLimits(src, DefaultPerConversationCap, DefaultGlobalCap, DefaultMaxMessageBytes, DefaultMaxContentChars)
}

// NewWithLimits returns an empty Store with explicit capacity limits, for
// presets such as BatteryOptimized (spec.md §10).
func NewWithLimits(src clock.Source, perConvCap, globalCap, maxMessageBytes, maxContentChars int) *Store {
	return &Store{
		clock:           src,
		perConvCap:      perConvCap,
		globalCap:       globalCap,
		maxMessageBytes: maxMessageBytes,
		maxContentChars: maxContentChars,
		conversations:   make(map[ConversationID]*conversationRing),
		seen:            make(map[MessageID]ConversationID),
	}
}

// Append validates and inserts a message, evicting the oldest entry from
// the target conversation's ring (and, if needed, the oldest entry
// globally) to stay within both caps. Re-appending a MessageID already
// present anywhere in the store returns ErrDuplicate and is a no-op,
// matching the idempotent-append law from spec.md §8.
func (s *Store) Append(msg Message) error {
	if len(msg.Content) > s.maxMessageBytes {
		return ErrMessageTooLarge
	}
	if !utf8.ValidString(msg.Content) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(msg.Content) > s.maxContentChars {
		return ErrContentTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[msg.ID]; dup {
		return ErrDuplicate
	}
	if msg.ReceivedAt == 0 {
		msg.ReceivedAt = s.clock.Now()
	}

	ring, ok := s.conversations[msg.Conversation]
	if !ok {
		ring = newConversationRing(s.perConvCap)
		s.conversations[msg.Conversation] = ring
	}

	stored := msg
	ring.messages[msg.ID] = &stored
	ring.order = append(ring.order, msg.ID)
	s.globalOrder = append(s.globalOrder, msg.ID)
	s.seen[msg.ID] = msg.Conversation

	if len(ring.order) > ring.cap {
		s.evictFromRingLocked(ring, msg.Conversation)
	}
	for len(s.globalOrder) > s.globalCap {
		s.evictOldestGlobalLocked()
	}
	return nil
}

// evictFromRingLocked drops the oldest entry in ring, keeping the global
// index consistent.
func (s *Store) evictFromRingLocked(ring *conversationRing, conv ConversationID) {
	oldest := ring.order[0]
	ring.order = ring.order[1:]
	delete(ring.messages, oldest)
	delete(s.seen, oldest)
	s.removeFromGlobalOrderLocked(oldest)
}

// evictOldestGlobalLocked drops the globally-oldest message regardless of
// which conversation it belongs to, preserving per-conversation FIFO order
// for everything else.
func (s *Store) evictOldestGlobalLocked() {
	if len(s.globalOrder) == 0 {
		return
	}
	oldest := s.globalOrder[0]
	s.globalOrder = s.globalOrder[1:]
	conv, ok := s.seen[oldest]
	if !ok {
		return
	}
	delete(s.seen, oldest)
	if ring, ok := s.conversations[conv]; ok {
		delete(ring.messages, oldest)
		for i, id := range ring.order {
			if id == oldest {
				ring.order = append(ring.order[:i], ring.order[i+1:]...)
				break
			}
		}
	}
}

func (s *Store) removeFromGlobalOrderLocked(id MessageID) {
	for i, gid := range s.globalOrder {
		if gid == id {
			s.globalOrder = append(s.globalOrder[:i], s.globalOrder[i+1:]...)
			return
		}
	}
}

// Has reports whether id is currently retained, in any conversation; an
// evicted or swept message is no longer reported.
func (s *Store) Has(id MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Conversation returns the messages currently retained for conv, oldest
// first.
func (s *Store) Conversation(conv ConversationID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.conversations[conv]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(ring.order))
	for _, id := range ring.order {
		out = append(out, *ring.messages[id])
	}
	return out
}

// Count returns the total number of currently-retained messages across all
// conversations.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.globalOrder)
}

// SweepByAge evicts every message older than maxAge, returning how many
// were removed.
func (s *Store) SweepByAge(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for len(s.globalOrder) > 0 {
		oldestID := s.globalOrder[0]
		conv, ok := s.seen[oldestID]
		if !ok {
			s.globalOrder = s.globalOrder[1:]
			continue
		}
		ring := s.conversations[conv]
		m, ok := ring.messages[oldestID]
		if !ok || !m.ReceivedAt.Add(maxAge).Before(now) {
			break
		}
		s.evictFromRingLocked(ring, conv)
		removed++
	}
	return removed
}
