package nostr

import (
	"context"
	"testing"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/transport"
)

func TestPublishFansOutToOtherClients(t *testing.T) {
	relay := NewFakeRelay()
	a := NewClient(relay, transport.PeerID{1})
	b := NewClient(relay, transport.PeerID{2})
	defer a.Close()
	defer b.Close()

	if err := a.Send(context.Background(), transport.PeerID{}, []byte("hello relay")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-b.Events():
		if string(ev.Bytes) != "hello relay" {
			t.Fatalf("got %q", ev.Bytes)
		}
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestDecodeEventRejectsMissingTag(t *testing.T) {
	if _, err := decodeEvent("not-tagged"); err == nil {
		t.Fatal("expected an error for a missing bitchat1: tag")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	relay := NewFakeRelay()
	a := NewClient(relay, transport.PeerID{1})
	a.Close()
	if err := a.Send(context.Background(), transport.PeerID{}, []byte("x")); err != ErrClosed {
		t.Fatalf("got %v want ErrClosed", err)
	}
}

func TestProbeFailsAfterClose(t *testing.T) {
	relay := NewFakeRelay()
	a := NewClient(relay, transport.PeerID{1})
	a.Close()
	if _, err := a.Probe(context.Background()); err != ErrClosed {
		t.Fatalf("got %v want ErrClosed", err)
	}
}
