package store

import (
	"strings"
	"testing"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

func id(b byte) MessageID {
	var m MessageID
	m[0] = b
	return m
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	vc := clock.NewVirtual()
	s := New(vc)
	msg := Message{ID: id(1), Conversation: "c1", Content: "hi"}
	if err := s.Append(msg); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(msg); err != ErrDuplicate {
		t.Fatalf("got %v want ErrDuplicate", err)
	}
	if s.Count() != 1 {
		t.Fatalf("expected count 1, got %d", s.Count())
	}
}

func TestAppendRejectsOversizedContent(t *testing.T) {
	vc := clock.NewVirtual()
	s := NewWithLimits(vc, DefaultPerConversationCap, DefaultGlobalCap, DefaultMaxMessageBytes, 4)
	err := s.Append(Message{ID: id(1), Conversation: "c1", Content: "toolong"})
	if err != ErrContentTooLong {
		t.Fatalf("got %v want ErrContentTooLong", err)
	}
}

func TestAppendRejectsOversizedMessage(t *testing.T) {
	vc := clock.NewVirtual()
	s := NewWithLimits(vc, DefaultPerConversationCap, DefaultGlobalCap, 4, DefaultMaxContentChars)
	err := s.Append(Message{ID: id(1), Conversation: "c1", Content: "toolong"})
	if err != ErrMessageTooLarge {
		t.Fatalf("got %v want ErrMessageTooLarge", err)
	}
}

func TestAppendRejectsInvalidUTF8(t *testing.T) {
	vc := clock.NewVirtual()
	s := New(vc)
	bad := string([]byte{0xff, 0xfe, 0xfd})
	if err := s.Append(Message{ID: id(1), Conversation: "c1", Content: bad}); err != ErrInvalidUTF8 {
		t.Fatalf("got %v want ErrInvalidUTF8", err)
	}
}

func TestPerConversationRingEvictsOldestPreservingFIFO(t *testing.T) {
	vc := clock.NewVirtual()
	s := NewWithLimits(vc, 3, 1000, DefaultMaxMessageBytes, DefaultMaxContentChars)
	for i := byte(1); i <= 5; i++ {
		if err := s.Append(Message{ID: id(i), Conversation: "c1", Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	msgs := s.Conversation("c1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(msgs))
	}
	if msgs[0].ID != id(3) || msgs[2].ID != id(5) {
		t.Fatalf("expected FIFO order [3,4,5], got first=%v last=%v", msgs[0].ID, msgs[2].ID)
	}
}

func TestGlobalCapEvictsAcrossConversations(t *testing.T) {
	vc := clock.NewVirtual()
	s := NewWithLimits(vc, 1000, 2, DefaultMaxMessageBytes, DefaultMaxContentChars)
	s.Append(Message{ID: id(1), Conversation: "a", Content: "x"})
	s.Append(Message{ID: id(2), Conversation: "b", Content: "x"})
	s.Append(Message{ID: id(3), Conversation: "a", Content: "x"})

	if s.Count() != 2 {
		t.Fatalf("expected global count capped at 2, got %d", s.Count())
	}
	if s.Has(id(1)) {
		t.Fatal("oldest global message should have been evicted")
	}
	if !s.Has(id(3)) {
		t.Fatal("newest message should be retained")
	}
}

func TestSweepByAgeRemovesOnlyExpiredMessages(t *testing.T) {
	vc := clock.NewVirtual()
	s := New(vc)
	s.Append(Message{ID: id(1), Conversation: "a", Content: "old"})
	vc.Advance(time.Hour)
	s.Append(Message{ID: id(2), Conversation: "a", Content: "new"})

	removed := s.SweepByAge(30 * time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if s.Has(id(1)) {
		t.Fatal("old message should be gone")
	}
	if !s.Has(id(2)) {
		t.Fatal("new message should survive")
	}
}

func TestMaxContentBytesBoundary(t *testing.T) {
	vc := clock.NewVirtual()
	s := NewWithLimits(vc, DefaultPerConversationCap, DefaultGlobalCap, 8, DefaultMaxContentChars)
	exact := strings.Repeat("a", 8)
	if err := s.Append(Message{ID: id(1), Conversation: "a", Content: exact}); err != nil {
		t.Fatalf("exact boundary should be accepted: %v", err)
	}
}
