/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package delivery implements the at-most-once / best-effort-once
// delivery tracker from spec.md §4.5: per-message retry scheduling,
// delivery-ack/read-receipt correlation, and bounded memory via aggressive
// cleanup.
package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// Status is the lifecycle of a TrackedMessage (spec.md §3.x: the richer
// enum carried from original_source/ as a strict superset of the spec's
// prose).
type Status int

const (
	Pending Status = iota
	Sent
	Delivered
	Read
	Confirmed
	Failed
	Cancelled
	Expired
)

func (s Status) Terminal() bool {
	switch s {
	case Confirmed, Failed, Cancelled, Expired:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Sent:
		return "Sent"
	case Delivered:
		return "Delivered"
	case Read:
		return "Read"
	case Confirmed:
		return "Confirmed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Config holds the retry policy from spec.md §4.5.
type Config struct {
	InitialDelay       time.Duration
	Multiplier         float64
	MaxRetryDelay      time.Duration
	MaxRetries         int
	ConfirmationTimeout time.Duration
	SentReceiptWindow  int // de-dup window for outbound acks/receipts
}

// DefaultConfig returns the spec.md §4.5 defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay:        500 * time.Millisecond,
		Multiplier:          2.0,
		MaxRetryDelay:       30 * time.Second,
		MaxRetries:          5,
		ConfirmationTimeout: 60 * time.Second,
		SentReceiptWindow:   1000,
	}
}

// attempt records one delivery attempt's schedule.
type attempt struct {
	at       clock.Timestamp
	nextWait time.Duration
}

// MessageID is the 32-byte content hash from spec.md §3.
type MessageID [32]byte

// TrackedMessage mirrors spec.md §3's record, keyed by a random uuid
// distinct from the content-addressed MessageID.
type TrackedMessage struct {
	UUID        uuid.UUID
	Recipient   [8]byte
	Payload     []byte
	MessageID   MessageID
	Status      Status
	Attempts    []attempt
	CreatedAt   clock.Timestamp
	ConfirmedAt clock.Timestamp
	MaxRetries  int
}

// Event is emitted to the UI layer for a terminal or notable transition.
type Event struct {
	UUID   uuid.UUID
	Status Status
	Reason string
}

// Tracker owns all TrackedMessages. Mutation funnels through a single
// mutex (spec.md §5: "single logical owner... mutators funnel through
// either a dedicated task mailbox or a short critical section").
type Tracker struct {
	mu    sync.Mutex
	clock clock.Source
	cfg   Config

	byUUID      map[uuid.UUID]*TrackedMessage
	uuidByMsgID map[MessageID]uuid.UUID

	recentReceipts     []MessageID // bounded de-dup window, oldest first
	recentReceiptIndex map[MessageID]struct{}

	sendAcks    bool
	sendReceipts bool
}

// NewTracker returns an empty Tracker.
func NewTracker(src clock.Source, cfg Config) *Tracker {
	return &Tracker{
		clock:              src,
		cfg:                cfg,
		byUUID:             make(map[uuid.UUID]*TrackedMessage),
		uuidByMsgID:        make(map[MessageID]uuid.UUID),
		recentReceiptIndex: make(map[MessageID]struct{}),
		sendAcks:           true,
		sendReceipts:       true,
	}
}

// SetReceiptPrivacy independently toggles whether this peer sends delivery
// acks and read receipts for inbound messages (spec.md §4.5).
func (t *Tracker) SetReceiptPrivacy(sendAcks, sendReceipts bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendAcks = sendAcks
	t.sendReceipts = sendReceipts
}

func (t *Tracker) ShouldSendAck() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendAcks
}

func (t *Tracker) ShouldSendReadReceipt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendReceipts
}

// Track begins tracking a newly originated message in Pending.
func (t *Tracker) Track(id uuid.UUID, recipient [8]byte, payload []byte, msgID MessageID) *TrackedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm := &TrackedMessage{
		UUID:       id,
		Recipient:  recipient,
		Payload:    payload,
		MessageID:  msgID,
		Status:     Pending,
		CreatedAt:  t.clock.Now(),
		MaxRetries: t.cfg.MaxRetries,
	}
	t.byUUID[id] = tm
	t.uuidByMsgID[msgID] = id
	return tm
}

// nextDelay computes the exponential-backoff delay for attempt number n
// (1-indexed), capped at MaxRetryDelay (spec.md §4.5).
func (t *Tracker) nextDelay(n int) time.Duration {
	d := float64(t.cfg.InitialDelay) * pow(t.cfg.Multiplier, n-1)
	capped := time.Duration(d)
	if capped > t.cfg.MaxRetryDelay || capped < 0 {
		return t.cfg.MaxRetryDelay
	}
	return capped
}

func pow(base float64, exp int) float64 {
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

// MarkSent records a send attempt, moving Pending -> Sent (or recording a
// retry if already Sent). Returns the delay until the next retry should be
// attempted, and false if max_retries has just been exhausted.
func (t *Tracker) MarkSent(id uuid.UUID) (delay time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, found := t.byUUID[id]
	if !found || tm.Status.Terminal() {
		return 0, false
	}
	if len(tm.Attempts) >= tm.MaxRetries {
		tm.Status = Failed
		return 0, false
	}
	n := len(tm.Attempts) + 1
	delay = t.nextDelay(n)
	tm.Attempts = append(tm.Attempts, attempt{at: t.clock.Now(), nextWait: delay})
	tm.Status = Sent
	return delay, true
}

// Confirm handles an inbound DeliveryAck. Unknown MessageIDs are a no-op
// (spec.md §8 idempotence: "Delivery ack... for unknown MessageId is a
// no-op"). Applying it twice yields the same status both times.
func (t *Tracker) Confirm(msgID MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.uuidByMsgID[msgID]
	if !ok {
		return
	}
	tm, ok := t.byUUID[id]
	if !ok || tm.Status.Terminal() {
		return
	}
	tm.Status = Confirmed
	tm.ConfirmedAt = t.clock.Now()
}

// MarkDelivered handles a lower-level "Delivered" transport confirmation
// distinct from the application-level ack, refining Sent -> Delivered.
func (t *Tracker) MarkDelivered(msgID MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.uuidByMsgID[msgID]
	if !ok {
		return
	}
	tm, ok := t.byUUID[id]
	if !ok || tm.Status.Terminal() {
		return
	}
	if tm.Status == Sent || tm.Status == Pending {
		tm.Status = Delivered
	}
}

// MarkRead handles an inbound ReadReceipt, refining Delivered -> Read
// (spec.md §4.5). A receipt for an unknown MessageID, or one that arrives
// before Delivered, is a no-op either way it is idempotent.
func (t *Tracker) MarkRead(msgID MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.uuidByMsgID[msgID]
	if !ok {
		return
	}
	tm, ok := t.byUUID[id]
	if !ok {
		return
	}
	if tm.Status == Delivered {
		tm.Status = Read
	}
}

// Cancel moves a message to Cancelled regardless of its current status,
// unless already terminal.
func (t *Tracker) Cancel(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.byUUID[id]
	if !ok || tm.Status.Terminal() {
		return
	}
	tm.Status = Cancelled
}

// UUIDForMessageID returns the uuid a content-addressed MessageID
// correlates to, if any message carrying it is still tracked.
func (t *Tracker) UUIDForMessageID(msgID MessageID) (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.uuidByMsgID[msgID]
	return id, ok
}

// Get returns a copy of the tracked message's current status, for tests
// and metrics.
func (t *Tracker) Get(id uuid.UUID) (TrackedMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.byUUID[id]
	if !ok {
		return TrackedMessage{}, false
	}
	return *tm, true
}

// Sweep is the periodic cleanup cycle (spec.md §4.5). Per spec.md §9's
// resolved open question, whichever trigger fires first wins between
// max_retries exhaustion and the wall-clock confirmation_timeout; both
// surface the same terminal event.
func (t *Tracker) Sweep() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var events []Event
	for id, tm := range t.byUUID {
		if tm.Status.Terminal() {
			continue
		}
		if len(tm.Attempts) >= tm.MaxRetries && tm.Status != Delivered && tm.Status != Read {
			tm.Status = Failed
			events = append(events, Event{UUID: id, Status: Failed, Reason: "max_retries_exhausted"})
			continue
		}
		if tm.CreatedAt.Add(t.cfg.ConfirmationTimeout).Before(now) {
			tm.Status = Expired
			events = append(events, Event{UUID: id, Status: Expired, Reason: "confirmation_timeout"})
		}
	}
	return events
}

// CleanupByAge removes terminal entries older than maxAge.
func (t *Tracker) CleanupByAge(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	removed := 0
	for id, tm := range t.byUUID {
		if !tm.Status.Terminal() {
			continue
		}
		if tm.CreatedAt.Add(maxAge).Before(now) {
			t.removeLocked(id, tm.MessageID)
			removed++
		}
	}
	return removed
}

// CleanupByCount trims terminal entries, oldest first, until at most
// maxCount remain tracked in total.
func (t *Tracker) CleanupByCount(maxCount int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.byUUID) <= maxCount {
		return 0
	}
	type entry struct {
		id        uuid.UUID
		msgID     MessageID
		createdAt clock.Timestamp
		terminal  bool
	}
	entries := make([]entry, 0, len(t.byUUID))
	for id, tm := range t.byUUID {
		entries = append(entries, entry{id, tm.MessageID, tm.CreatedAt, tm.Status.Terminal()})
	}
	// Oldest-first removal, terminal entries only, mirroring the
	// conversation ring's FIFO eviction discipline elsewhere in the
	// engine.
	removed := 0
	for len(t.byUUID) > maxCount {
		oldestIdx := -1
		for i, e := range entries {
			if !e.terminal {
				continue
			}
			if oldestIdx == -1 || e.createdAt < entries[oldestIdx].createdAt {
				oldestIdx = i
			}
		}
		if oldestIdx == -1 {
			break
		}
		e := entries[oldestIdx]
		t.removeLocked(e.id, e.msgID)
		entries = append(entries[:oldestIdx], entries[oldestIdx+1:]...)
		removed++
	}
	return removed
}

func (t *Tracker) removeLocked(id uuid.UUID, msgID MessageID) {
	delete(t.byUUID, id)
	delete(t.uuidByMsgID, msgID)
}

// NoteReceiptSent records that we sent an ack/receipt for msgID, for
// de-duplication, bounded to SentReceiptWindow entries (spec.md §4.5).
func (t *Tracker) NoteReceiptSent(msgID MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.recentReceiptIndex[msgID]; ok {
		return
	}
	t.recentReceipts = append(t.recentReceipts, msgID)
	t.recentReceiptIndex[msgID] = struct{}{}
	if len(t.recentReceipts) > t.cfg.SentReceiptWindow {
		oldest := t.recentReceipts[0]
		t.recentReceipts = t.recentReceipts[1:]
		delete(t.recentReceiptIndex, oldest)
	}
}

// AlreadySentReceipt reports whether NoteReceiptSent has already recorded
// msgID within the current window.
func (t *Tracker) AlreadySentReceipt(msgID MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.recentReceiptIndex[msgID]
	return ok
}
