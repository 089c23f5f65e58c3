package wire

import (
	"strings"
	"testing"
)

func TestMessageEncodeDecodeRoundTripMinimal(t *testing.T) {
	m := &BitchatMessage{Timestamp: 123456789, ID: "id1", Sender: "alice", Content: "hello"}
	buf, err := EncodeMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Timestamp != m.Timestamp || got.ID != m.ID || got.Sender != m.Sender || got.Content != m.Content {
		t.Fatalf("got %+v want %+v", got, m)
	}
	if got.OriginalSender != "" || got.RecipientNickname != "" || got.SenderPeerID != "" || got.Mentions != nil {
		t.Fatalf("optional fields should be empty when no HAS_* bits set, got %+v", got)
	}
}

func TestMessageEncodeDecodeRoundTripAllOptionalFields(t *testing.T) {
	m := &BitchatMessage{
		Timestamp:         42,
		ID:                "id2",
		Sender:            "bob",
		Content:           "relayed",
		OriginalSender:    "carol",
		RecipientNickname: "dave",
		SenderPeerID:      "peer-123",
		Mentions:          []string{"alice", "carol"},
	}
	buf, err := EncodeMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.OriginalSender != m.OriginalSender || got.RecipientNickname != m.RecipientNickname || got.SenderPeerID != m.SenderPeerID {
		t.Fatalf("got %+v want %+v", got, m)
	}
	if len(got.Mentions) != 2 || got.Mentions[0] != "alice" || got.Mentions[1] != "carol" {
		t.Fatalf("mentions round-trip failed: %+v", got.Mentions)
	}
}

func TestMessageRejectsOversizedContent(t *testing.T) {
	m := &BitchatMessage{ID: "a", Sender: "b", Content: strings.Repeat("x", MaxContentBytes+1)}
	if _, err := EncodeMessage(m); err != ErrFieldTooLong {
		t.Fatalf("got %v want ErrFieldTooLong", err)
	}
}

func TestMessageDecodeTruncatedBufferErrors(t *testing.T) {
	if _, err := DecodeMessage([]byte{0x01, 0x02, 0x03}); err != ErrShortMessage {
		t.Fatalf("got %v want ErrShortMessage", err)
	}
}

func TestPayloadSplitJoinRoundTrip(t *testing.T) {
	body := []byte("plaintext body")
	joined := JoinPayload(PayloadPrivateMessage, body)
	tag, rest, err := SplitPayload(joined)
	if err != nil {
		t.Fatal(err)
	}
	if tag != PayloadPrivateMessage || string(rest) != string(body) {
		t.Fatalf("got tag=%v body=%q", tag, rest)
	}
}

func TestUnknownPayloadTypeIsNotKnown(t *testing.T) {
	if PayloadType(0x99).IsKnown() {
		t.Fatal("0x99 should not be a known payload type")
	}
	if !PayloadVersionHello.IsKnown() {
		t.Fatal("PayloadVersionHello should be known")
	}
}
