package capability

import (
	"testing"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

var peerA = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

func TestHelloNegotiatesMutualCapabilities(t *testing.T) {
	vc := clock.NewVirtual()
	n := NewNegotiator(vc, 0x10, []string{"core_messaging", "file_transfer", "group_messaging"}, DefaultTimeout)

	ack, rej := n.HandleHello(Hello{
		Peer:              peerA,
		SupportedVersions: []uint8{0x11},
		Capabilities:      []string{"core_messaging", "file_transfer"},
	})
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if len(ack.MutualCapabilities) != 2 {
		t.Fatalf("expected 2 mutual capabilities, got %v", ack.MutualCapabilities)
	}
	if n.StatusOf(peerA) != Negotiated {
		t.Fatalf("expected Negotiated, got %s", n.StatusOf(peerA))
	}
	if !n.SupportsCapability(peerA, "file_transfer") {
		t.Fatal("file_transfer should be supported")
	}
	if n.SupportsCapability(peerA, "group_messaging") {
		t.Fatal("group_messaging was never offered by the peer")
	}
}

func TestHelloIsIdempotent(t *testing.T) {
	vc := clock.NewVirtual()
	n := NewNegotiator(vc, 0x10, []string{"core_messaging", "file_transfer"}, DefaultTimeout)
	h := Hello{Peer: peerA, SupportedVersions: []uint8{0x10}, Capabilities: []string{"core_messaging"}}

	ack1, _ := n.HandleHello(h)
	ack2, _ := n.HandleHello(h)
	if len(ack1.MutualCapabilities) != len(ack2.MutualCapabilities) {
		t.Fatal("processing the same hello twice should yield the same mutual set")
	}
}

func TestIncompatibleVersionRejected(t *testing.T) {
	vc := clock.NewVirtual()
	n := NewNegotiator(vc, 0x10, []string{"core_messaging"}, DefaultTimeout)
	_, rej := n.HandleHello(Hello{Peer: peerA, SupportedVersions: []uint8{0x20}, Capabilities: []string{"core_messaging"}})
	if rej == nil || rej.Reason != RejectIncompatibleVersion {
		t.Fatalf("expected RejectIncompatibleVersion, got %+v", rej)
	}
}

func TestTooManyCapabilitiesRejected(t *testing.T) {
	vc := clock.NewVirtual()
	n := NewNegotiator(vc, 0x10, []string{"core_messaging"}, DefaultTimeout)
	caps := make([]string, MaxCapabilities+1)
	for i := range caps {
		caps[i] = "cap"
	}
	_, rej := n.HandleHello(Hello{Peer: peerA, SupportedVersions: []uint8{0x10}, Capabilities: caps})
	if rej == nil || rej.Reason != RejectTooManyCapabilities {
		t.Fatalf("expected RejectTooManyCapabilities, got %+v", rej)
	}
}

func TestLegacyPeerGetsCoreOnlyAfterTimeout(t *testing.T) {
	vc := clock.NewVirtual()
	n := NewNegotiator(vc, 0x10, []string{"core_messaging", "file_transfer"}, 30*time.Second)
	n.BeginPending(peerA)
	if n.StatusOf(peerA) != Pending {
		t.Fatalf("expected Pending, got %s", n.StatusOf(peerA))
	}

	vc.Advance(29 * time.Second)
	if legacy := n.SweepLegacyTimeouts(); len(legacy) != 0 {
		t.Fatal("should not be legacy yet")
	}

	vc.Advance(2 * time.Second)
	legacy := n.SweepLegacyTimeouts()
	if len(legacy) != 1 || legacy[0] != peerA {
		t.Fatalf("expected peerA to time out to legacy, got %v", legacy)
	}
	if n.StatusOf(peerA) != Legacy {
		t.Fatalf("expected Legacy, got %s", n.StatusOf(peerA))
	}
	// S3: every advanced capability must be unsupported for a legacy peer.
	if n.SupportsCapability(peerA, "file_transfer") {
		t.Fatal("legacy peer must not support advanced capabilities")
	}
	if !n.SupportsCapability(peerA, "core_messaging") {
		t.Fatal("legacy peer must support the fixed core set")
	}
}
