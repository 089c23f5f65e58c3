/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package relay implements the geohash-indexed Nostr relay directory from
// spec.md §4.8. The teacher's device/allowedips.go indexes IPs in a
// compressed bit-trie keyed on address prefixes of arbitrary length; a
// relay directory needs the same "progressively shorten the prefix until
// something matches" access pattern but at only 12 fixed geohash lengths,
// so a trie's complexity (and its unsafe.Pointer arithmetic) buys nothing
// here. This instead buckets relays by geohash prefix length in a plain
// map, walking from the most specific prefix to the least — the same
// shape, implemented the straightforward way.
package relay

import (
	"sort"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// Health is the liveness state of a tracked relay (spec.md §4.8).
type Health int

const (
	Unknown Health = iota
	Healthy
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	case Unhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// Strategy selects among the relays covering a given geohash.
type Strategy int

const (
	Geographic Strategy = iota
	HealthBased
	PrivacyFocused
	RoundRobin
	BroadcastAll
)

// MaxGeohashPrefix is the longest geohash prefix length tracked (city
// block resolution); shorter prefixes are progressively coarser regions.
const MaxGeohashPrefix = 12

const (
	initialBackoff    = time.Second
	backoffMultiplier = 2.0
	maxBackoff        = 300 * time.Second
	maxReconnectTries = 10
)

// Relay is one tracked Nostr relay.
type Relay struct {
	URL         string
	Geohashes   []string // prefixes this relay is known to cover, any length
	Health      Health
	Attempts    int
	NextAttempt clock.Timestamp
	roundRobinN int
}

// Directory indexes relays by every geohash prefix they cover, so a
// lookup for a precise geohash falls back to coarser prefixes the way the
// teacher's AllowedIPs falls back to a shorter network mask.
type Directory struct {
	clock clock.Source

	byURL   map[string]*Relay
	byIndex map[string][]string // geohash prefix -> relay URLs
	rrState map[string]int      // geohash prefix -> round-robin cursor
}

// New returns an empty Directory.
func New(src clock.Source) *Directory {
	return &Directory{
		clock:   src,
		byURL:   make(map[string]*Relay),
		byIndex: make(map[string][]string),
		rrState: make(map[string]int),
	}
}

// Add registers a relay covering the given geohash prefixes.
func (d *Directory) Add(url string, geohashes []string) *Relay {
	r, ok := d.byURL[url]
	if !ok {
		r = &Relay{URL: url, Health: Unknown}
		d.byURL[url] = r
	}
	r.Geohashes = geohashes
	for _, g := range geohashes {
		d.byIndex[g] = appendUnique(d.byIndex[g], url)
	}
	return r
}

func appendUnique(list []string, url string) []string {
	for _, u := range list {
		if u == url {
			return list
		}
	}
	return append(list, url)
}

// candidatesFor walks geohash from its full length down to an empty
// prefix, returning the first non-empty bucket of covering relays — the
// "shorten the prefix until something matches" lookup.
func (d *Directory) candidatesFor(geohash string) []string {
	for n := len(geohash); n >= 0; n-- {
		prefix := geohash[:n]
		if urls := d.byIndex[prefix]; len(urls) > 0 {
			return urls
		}
	}
	return nil
}

// Select returns the relay(s) to use for geohash under strategy. All
// strategies except BroadcastAll return at most one relay.
func (d *Directory) Select(geohash string, strategy Strategy) []*Relay {
	urls := d.candidatesFor(geohash)
	if len(urls) == 0 {
		return nil
	}
	relays := make([]*Relay, 0, len(urls))
	for _, u := range urls {
		relays = append(relays, d.byURL[u])
	}

	switch strategy {
	case BroadcastAll:
		return relays
	case HealthBased:
		best := healthiest(relays)
		if best == nil {
			return nil
		}
		return []*Relay{best}
	case Geographic:
		// Prefer the relay whose matched prefix is longest (most
		// specific region); candidatesFor already returns the
		// longest-matching bucket, so the first entry in declaration
		// order not marked Unhealthy is the geographic pick.
		for _, r := range relays {
			if r.Health != Unhealthy {
				return []*Relay{r}
			}
		}
		return []*Relay{relays[0]}
	case PrivacyFocused:
		// Deterministic but non-sticky: pick by sorted URL so no
		// single relay is favored by insertion order, without
		// depending on real randomness (clock-seeded would leak
		// timing; sorted selection is reproducible and neutral).
		sorted := append([]*Relay(nil), relays...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].URL < sorted[j].URL })
		return []*Relay{sorted[0]}
	case RoundRobin:
		prefix := geohash[:len(geohash)]
		idx := d.rrState[prefix] % len(urls)
		d.rrState[prefix] = idx + 1
		return []*Relay{d.byURL[urls[idx]]}
	default:
		return []*Relay{relays[0]}
	}
}

func healthiest(relays []*Relay) *Relay {
	rank := func(h Health) int {
		switch h {
		case Healthy:
			return 0
		case Unknown:
			return 1
		case Degraded:
			return 2
		default:
			return 3
		}
	}
	if len(relays) == 0 {
		return nil
	}
	best := relays[0]
	for _, r := range relays[1:] {
		if rank(r.Health) < rank(best.Health) {
			best = r
		}
	}
	return best
}

// MarkHealthy resets a relay's backoff state after a successful probe.
func (d *Directory) MarkHealthy(url string) {
	r, ok := d.byURL[url]
	if !ok {
		return
	}
	r.Health = Healthy
	r.Attempts = 0
	r.NextAttempt = 0
}

// MarkDegraded records a soft failure (e.g. a slow response) without
// entering the reconnect backoff schedule.
func (d *Directory) MarkDegraded(url string) {
	if r, ok := d.byURL[url]; ok {
		r.Health = Degraded
	}
}

// MarkFailed records a hard failure and schedules the next reconnect
// attempt using exponential backoff capped at maxBackoff, giving up (the
// relay stays Unhealthy with no further NextAttempt) after
// maxReconnectTries.
func (d *Directory) MarkFailed(url string) {
	r, ok := d.byURL[url]
	if !ok {
		return
	}
	r.Health = Unhealthy
	r.Attempts++
	if r.Attempts > maxReconnectTries {
		r.NextAttempt = 0
		return
	}
	backoff := float64(initialBackoff)
	for i := 1; i < r.Attempts; i++ {
		backoff *= backoffMultiplier
	}
	delay := time.Duration(backoff)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	r.NextAttempt = d.clock.Now().Add(delay)
}

// ReadyToReconnect reports whether url's backoff has elapsed (or it was
// never marked failed) and whether it has given up after too many
// consecutive failures.
func (d *Directory) ReadyToReconnect(url string) (ready bool, exhausted bool) {
	r, ok := d.byURL[url]
	if !ok {
		return false, false
	}
	if r.Attempts > maxReconnectTries {
		return false, true
	}
	if r.NextAttempt == 0 {
		return true, false
	}
	return !d.clock.Now().Before(r.NextAttempt), false
}
