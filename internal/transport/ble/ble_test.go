package ble

import (
	"context"
	"testing"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/transport"
)

func TestDirectedSendDeliversOnlyToRecipient(t *testing.T) {
	mesh := NewMesh()
	a := NewLink(mesh, transport.PeerID{1})
	b := NewLink(mesh, transport.PeerID{2})
	c := NewLink(mesh, transport.PeerID{3})
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.Send(context.Background(), transport.PeerID{2}, []byte("hi")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-b.Events():
		if string(ev.Bytes) != "hi" {
			t.Fatalf("got %q", ev.Bytes)
		}
	case <-time.After(time.Second):
		t.Fatal("recipient never received the directed message")
	}

	select {
	case ev := <-c.Events():
		t.Fatalf("uninvolved peer should not receive a directed message, got %+v", ev)
	default:
	}
}

func TestBroadcastDeliversToAllButSender(t *testing.T) {
	mesh := NewMesh()
	a := NewLink(mesh, transport.PeerID{1})
	b := NewLink(mesh, transport.PeerID{2})
	c := NewLink(mesh, transport.PeerID{3})
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.Send(context.Background(), transport.PeerID{}, []byte("bcast")); err != nil {
		t.Fatal(err)
	}

	for _, l := range []*Link{b, c} {
		select {
		case ev := <-l.Events():
			if string(ev.Bytes) != "bcast" {
				t.Fatalf("got %q", ev.Bytes)
			}
		case <-time.After(time.Second):
			t.Fatal("broadcast never arrived")
		}
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	mesh := NewMesh()
	a := NewLink(mesh, transport.PeerID{1})
	a.Close()
	if err := a.Send(context.Background(), transport.PeerID{2}, []byte("x")); err != ErrClosed {
		t.Fatalf("got %v want ErrClosed", err)
	}
}

func TestProbeReflectsMeshOccupancy(t *testing.T) {
	mesh := NewMesh()
	a := NewLink(mesh, transport.PeerID{1})
	defer a.Close()

	h, err := a.Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Reachable {
		t.Fatal("a lone peer should not report the mesh reachable")
	}

	b := NewLink(mesh, transport.PeerID{2})
	defer b.Close()
	h, err = a.Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !h.Reachable {
		t.Fatal("mesh with 2 peers should be reachable")
	}
}
