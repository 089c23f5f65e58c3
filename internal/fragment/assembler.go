/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package fragment

import (
	"errors"
	"sync"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/fec"
)

// ErrCountMismatch is returned when a fragment's Count, Total, or Algorithm
// disagrees with what's already recorded for its assembly id; the whole
// assembly fails.
var ErrCountMismatch = errors.New("fragment: count mismatch for assembly")

type assemblyKey struct {
	sender     [8]byte
	assemblyID uint64
}

type assembly struct {
	count     uint16
	total     uint16
	algorithm fec.Algorithm
	have      map[uint16][]byte
	createdAt clock.Timestamp
	touchedAt clock.Timestamp
}

// Assembler reassembles inbound fragments into complete packets, bounded
// by a soft in-flight cap and a per-assembly lifetime (spec.md §4.2).
type Assembler struct {
	mu       sync.Mutex
	clock    clock.Source
	lifetime time.Duration
	maxInFlight int

	order []assemblyKey // insertion order, for oldest-first eviction
	byKey map[assemblyKey]*assembly
}

// NewAssembler returns an Assembler with the given lifetime and in-flight
// cap (spec.md defaults: 30s, 128).
func NewAssembler(src clock.Source, lifetime time.Duration, maxInFlight int) *Assembler {
	return &Assembler{
		clock:       src,
		lifetime:    lifetime,
		maxInFlight: maxInFlight,
		byKey:       make(map[assemblyKey]*assembly),
	}
}

// Result is returned by Add when a fragment completes its assembly.
type Result struct {
	Complete bool
	Bytes    []byte
}

// Add feeds a fragment from sender into the assembler. Duplicate fragments
// (same index, same assembly) are idempotent no-ops. A Count mismatch for
// an already-seen assembly id fails (drops) that assembly and returns
// ErrCountMismatch.
func (a *Assembler) Add(sender [8]byte, fr Fragment) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.sweepLocked(now)

	key := assemblyKey{sender: sender, assemblyID: fr.AssemblyID}
	asm, ok := a.byKey[key]
	if !ok {
		if len(a.byKey) >= a.maxInFlight {
			a.evictOldestLocked()
		}
		asm = &assembly{
			count:     fr.Count,
			total:     fr.Total,
			algorithm: fr.Algorithm,
			have:      make(map[uint16][]byte, fr.Total),
			createdAt: now,
			touchedAt: now,
		}
		a.byKey[key] = asm
		a.order = append(a.order, key)
	}

	if asm.count != fr.Count || asm.total != fr.Total || asm.algorithm != fr.Algorithm {
		delete(a.byKey, key)
		a.removeFromOrderLocked(key)
		return Result{}, ErrCountMismatch
	}

	asm.touchedAt = now
	if _, dup := asm.have[fr.Index]; !dup {
		asm.have[fr.Index] = fr.Bytes
	}

	result, complete := a.tryCompleteLocked(asm)
	if !complete {
		return Result{}, nil
	}
	delete(a.byKey, key)
	a.removeFromOrderLocked(key)
	return result, nil
}

// joinChunks concatenates the first n entries of have, in index order.
// A short final fragment that FEC padded to a uniform shard length leaves
// harmless trailing zero bytes here; wire.Decode only reads its declared
// payload length and ignores anything past it.
func joinChunks(have map[uint16][]byte, n uint16) []byte {
	total := 0
	for i := uint16(0); i < n; i++ {
		total += len(have[i])
	}
	out := make([]byte, 0, total)
	for i := uint16(0); i < n; i++ {
		out = append(out, have[i]...)
	}
	return out
}

// tryCompleteLocked reports whether asm can be completed with what's been
// received so far. The fast path needs every original data chunk; failing
// that, once at least Count shards (data and/or parity) have arrived and
// the assembly is FEC-protected, it attempts reconstruction via the
// matching Protector. A Decode failure (still too many erasures) is not
// fatal — it just means "not complete yet", since more fragments may
// still arrive.
func (a *Assembler) tryCompleteLocked(asm *assembly) (Result, bool) {
	haveAllData := true
	for i := uint16(0); i < asm.count; i++ {
		if _, ok := asm.have[i]; !ok {
			haveAllData = false
			break
		}
	}
	if haveAllData {
		return Result{Complete: true, Bytes: joinChunks(asm.have, asm.count)}, true
	}

	if asm.algorithm == fec.None || len(asm.have) < int(asm.count) {
		return Result{}, false
	}

	shardSize := 0
	for _, b := range asm.have {
		if len(b) > shardSize {
			shardSize = len(b)
		}
	}
	protector, err := fec.NewProtector(asm.algorithm, int(asm.count), uint16(shardSize))
	if err != nil {
		return Result{}, false
	}
	received := make([]fec.Shard, asm.total)
	for i := uint16(0); i < asm.total; i++ {
		if b, ok := asm.have[i]; ok {
			received[i] = b
		}
	}
	recovered, err := protector.Decode(received)
	if err != nil {
		return Result{}, false
	}
	recoveredMap := make(map[uint16][]byte, asm.count)
	for i, s := range recovered {
		recoveredMap[uint16(i)] = s
	}
	return Result{Complete: true, Bytes: joinChunks(recoveredMap, asm.count)}, true
}

// sweepLocked drops assemblies whose lifetime has elapsed. Callers must
// hold a.mu.
func (a *Assembler) sweepLocked(now clock.Timestamp) {
	if len(a.order) == 0 {
		return
	}
	kept := a.order[:0]
	for _, key := range a.order {
		asm, ok := a.byKey[key]
		if !ok {
			continue
		}
		if asm.createdAt.Since(now) >= a.lifetime {
			delete(a.byKey, key)
			continue
		}
		kept = append(kept, key)
	}
	a.order = kept
}

// evictOldestLocked drops the single oldest in-flight assembly to make
// room for a new one. Callers must hold a.mu.
func (a *Assembler) evictOldestLocked() {
	if len(a.order) == 0 {
		return
	}
	oldest := a.order[0]
	a.order = a.order[1:]
	delete(a.byKey, oldest)
}

func (a *Assembler) removeFromOrderLocked(key assemblyKey) {
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

// InFlight reports the number of assemblies currently tracked, for tests
// and metrics.
func (a *Assembler) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byKey)
}
