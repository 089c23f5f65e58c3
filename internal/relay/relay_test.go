package relay

import (
	"testing"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

func TestSelectFallsBackToCoarserPrefix(t *testing.T) {
	vc := clock.NewVirtual()
	d := New(vc)
	d.Add("wss://region", []string{"9q8"})

	got := d.Select("9q8yyk8", HealthBased)
	if len(got) != 1 || got[0].URL != "wss://region" {
		t.Fatalf("expected fallback match on coarser prefix, got %+v", got)
	}
}

func TestHealthBasedPrefersHealthiest(t *testing.T) {
	vc := clock.NewVirtual()
	d := New(vc)
	d.Add("wss://a", []string{"9q8yy"})
	d.Add("wss://b", []string{"9q8yy"})
	d.MarkFailed("wss://a")
	d.MarkHealthy("wss://b")

	got := d.Select("9q8yy", HealthBased)
	if len(got) != 1 || got[0].URL != "wss://b" {
		t.Fatalf("expected healthiest relay wss://b, got %+v", got)
	}
}

func TestBroadcastAllReturnsEveryCoveringRelay(t *testing.T) {
	vc := clock.NewVirtual()
	d := New(vc)
	d.Add("wss://a", []string{"9q8"})
	d.Add("wss://b", []string{"9q8"})

	got := d.Select("9q8yy", BroadcastAll)
	if len(got) != 2 {
		t.Fatalf("expected both relays, got %d", len(got))
	}
}

func TestRoundRobinCyclesThroughCandidates(t *testing.T) {
	vc := clock.NewVirtual()
	d := New(vc)
	d.Add("wss://a", []string{"9q8"})
	d.Add("wss://b", []string{"9q8"})

	first := d.Select("9q8", RoundRobin)[0].URL
	second := d.Select("9q8", RoundRobin)[0].URL
	third := d.Select("9q8", RoundRobin)[0].URL
	if first == second {
		t.Fatal("round robin should not pick the same relay twice in a row with 2 candidates")
	}
	if first != third {
		t.Fatal("round robin should cycle back after exhausting candidates")
	}
}

func TestReconnectBackoffGrowsThenExhausts(t *testing.T) {
	vc := clock.NewVirtual()
	d := New(vc)
	d.Add("wss://a", []string{"9q8"})

	for i := 0; i < maxReconnectTries; i++ {
		d.MarkFailed("wss://a")
		ready, exhausted := d.ReadyToReconnect("wss://a")
		if exhausted {
			t.Fatalf("should not be exhausted yet at attempt %d", i+1)
		}
		if ready {
			t.Fatalf("should not be ready immediately after a failure at attempt %d", i+1)
		}
		vc.Advance(maxBackoff + time.Second)
	}
	d.MarkFailed("wss://a")
	_, exhausted := d.ReadyToReconnect("wss://a")
	if !exhausted {
		t.Fatal("expected reconnect attempts to be exhausted")
	}
}

func TestMarkHealthyResetsBackoffState(t *testing.T) {
	vc := clock.NewVirtual()
	d := New(vc)
	d.Add("wss://a", []string{"9q8"})
	d.MarkFailed("wss://a")
	d.MarkHealthy("wss://a")
	ready, exhausted := d.ReadyToReconnect("wss://a")
	if !ready || exhausted {
		t.Fatalf("expected ready=true exhausted=false after recovery, got ready=%v exhausted=%v", ready, exhausted)
	}
}
