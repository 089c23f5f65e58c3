package router

import (
	"testing"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

var zeroPeer [8]byte

func TestCanonicalPolicyIsFixedForPublicContexts(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	if got, ok := r.Resolve(PublicMesh, zeroPeer); !ok || got != BLE {
		t.Fatalf("PublicMesh must route over BLE, got %s (ok=%v)", got, ok)
	}
	if got, ok := r.Resolve(PublicLocation, zeroPeer); !ok || got != Nostr {
		t.Fatalf("PublicLocation must route over Nostr, got %s (ok=%v)", got, ok)
	}
}

func TestPublicMeshIgnoresHealthScore(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	for i := 0; i < 10; i++ {
		r.RecordResult(BLE, false)
	}
	if got, ok := r.Resolve(PublicMesh, zeroPeer); !ok || got != BLE {
		t.Fatalf("PublicMesh must still route over BLE even when unhealthy, got %s (ok=%v)", got, ok)
	}
}

func TestPrivateContextPrefersHealthierTransport(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	for i := 0; i < 5; i++ {
		r.RecordResult(BLE, false)
		r.RecordResult(Nostr, true)
	}
	if got, ok := r.Resolve(Private, zeroPeer); !ok || got != Nostr {
		t.Fatalf("expected Nostr (healthier), got %s (ok=%v)", got, ok)
	}
}

func TestPrivateContextQueuesWhenNoneHealthy(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	for i := 0; i < 5; i++ {
		r.RecordResult(BLE, false)
		r.RecordResult(Nostr, false)
	}
	if _, ok := r.Resolve(Private, zeroPeer); ok {
		t.Fatal("expected no healthy transport, got ok=true")
	}
}

func TestResolveExcludesUnreachablePeer(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	peer := [8]byte{1}
	r.SetReachable(Nostr, peer, false)
	if got, ok := r.Resolve(Private, peer); !ok || got != BLE {
		t.Fatalf("expected BLE (Nostr unreachable for peer), got %s (ok=%v)", got, ok)
	}
}

func TestRuleOverrideTakesPriorityOverCanonical(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	r.AddRule(RoutingRule{Context: PublicMesh, Targets: []TransportKind{Nostr}, Priority: 10})
	if got, ok := r.Resolve(PublicMesh, zeroPeer); !ok || got != Nostr {
		t.Fatalf("override rule should win, got %s (ok=%v)", got, ok)
	}
}

func TestHealthWindowDecaysOldSamples(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	for i := 0; i < 5; i++ {
		r.RecordResult(BLE, false)
	}
	vc.Advance(healthWindowAge + time.Minute)
	r.RecordResult(BLE, true)
	if r.Score(BLE) != 1.0 {
		t.Fatalf("stale failures should have decayed out of the window, got score %v", r.Score(BLE))
	}
}

func TestNeedsProbeRespectsInterval(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	if !r.NeedsProbe(BLE) {
		t.Fatal("never-probed transport should need a probe")
	}
	r.MarkProbed(BLE)
	if r.NeedsProbe(BLE) {
		t.Fatal("just-probed transport should not need another probe yet")
	}
	vc.Advance(ProbeInterval + time.Second)
	if !r.NeedsProbe(BLE) {
		t.Fatal("transport should need a probe again after the interval elapses")
	}
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	r.queueCap = 2
	r.Enqueue(Effect{Context: Private, Payload: []byte("1")})
	r.Enqueue(Effect{Context: Private, Payload: []byte("2")})
	r.Enqueue(Effect{Context: Private, Payload: []byte("3")})
	if r.QueueLen() != 2 {
		t.Fatalf("expected queue capped at 2, got %d", r.QueueLen())
	}
	drained := r.Drain()
	if string(drained[0].Payload) != "2" || string(drained[1].Payload) != "3" {
		t.Fatalf("expected oldest dropped, got %+v", drained)
	}
}

func TestDrainDropsEntriesOlderThanRetention(t *testing.T) {
	vc := clock.NewVirtual()
	r := New(vc)
	r.retention = time.Minute
	r.Enqueue(Effect{Context: Private, Payload: []byte("old")})
	vc.Advance(2 * time.Minute)
	r.Enqueue(Effect{Context: Private, Payload: []byte("new")})

	drained := r.Drain()
	if len(drained) != 1 || string(drained[0].Payload) != "new" {
		t.Fatalf("expected only the fresh effect to survive, got %+v", drained)
	}
}
