package bus

import "testing"

func TestDefaultCapacitiesApplyWhenUnset(t *testing.T) {
	b := New(Config{})
	if cap(b.commands) != DefaultCommandCap {
		t.Fatalf("got %d want %d", cap(b.commands), DefaultCommandCap)
	}
	if cap(b.effects) != DefaultEffectCap {
		t.Fatalf("got %d want %d", cap(b.effects), DefaultEffectCap)
	}
}

func TestNotifyAppDropsRatherThanBlocksWhenFull(t *testing.T) {
	b := New(Config{AppEventCap: 1})
	if !b.NotifyApp("first") {
		t.Fatal("first notify should succeed")
	}
	if b.NotifyApp("second") {
		t.Fatal("second notify should be dropped, channel is full")
	}
	got := <-b.AppEvents()
	if got != "first" {
		t.Fatalf("got %v want first", got)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	b := New(Config{})
	b.SubmitCommand("do-the-thing")
	if got := <-b.Commands(); got != "do-the-thing" {
		t.Fatalf("got %v", got)
	}
}

func TestEffectRoundTrip(t *testing.T) {
	b := New(Config{})
	b.EmitEffect("send-bytes")
	if got := <-b.Effects(); got != "send-bytes" {
		t.Fatalf("got %v", got)
	}
}
