/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package wire implements the bit-exact BitChat packet codec (spec.md
// §4.1, §6.1): a fixed header followed by an optional recipient and a
// length-prefixed payload, big-endian throughout.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// Version is the only wire version this codec emits; UnknownVersion
	// is returned for anything else on decode.
	Version uint8 = 1

	// PeerIDSize is the fixed width of a PeerId (spec.md §3).
	PeerIDSize = 8

	// MaxPayloadSize bounds the payload-length field (u16).
	MaxPayloadSize = 1<<16 - 1

	// MaxPacketSize is the default wire-unit bound before fragmentation
	// kicks in (spec.md §3, overridable via config).
	MaxPacketSize = 512
)

// Flag bits. Bits 4-7 are reserved for future optional fields; unknown bits
// must be preserved verbatim across a decode/re-encode round trip so a
// forwarding intermediary doesn't silently strip fields it doesn't
// understand.
const (
	FlagDirected     uint8 = 1 << 0 // recipient field is present
	FlagHasSignature uint8 = 1 << 1
	FlagIsFragment   uint8 = 1 << 2
	FlagHasFEC       uint8 = 1 << 3 // payload carries FEC-protected fragment data (§4.2.x)
)

// Type identifies the packet's role at the mesh-transport level (distinct
// from the Noise payload tag in spec.md §6.2, which lives one layer up,
// inside an already-decrypted payload).
type Type uint8

const (
	TypeChat        Type = 1
	TypeFragment    Type = 2
	TypeHandshake   Type = 3
	TypeCapability  Type = 4
	TypeKeepalive   Type = 5
	TypeLeave       Type = 6
)

// Packet is the decoded form of a single wire unit.
type Packet struct {
	Version   uint8
	Type      Type
	Flags     uint8
	Sender    [PeerIDSize]byte
	Recipient [PeerIDSize]byte // only meaningful if Flags&FlagDirected != 0
	TTL       uint8
	Payload   []byte
}

// Directed reports whether p carries a recipient.
func (p *Packet) Directed() bool { return p.Flags&FlagDirected != 0 }

var (
	// ErrShortBuffer is returned when a buffer is too small to contain a
	// header or its declared payload.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrUnknownVersion is returned for any version other than Version.
	ErrUnknownVersion = errors.New("wire: unknown version")
	// ErrUnknownType is returned for a Type value not in the closed set
	// above.
	ErrUnknownType = errors.New("wire: unknown type")
	// ErrPayloadTooLong is returned when Payload exceeds MaxPayloadSize.
	ErrPayloadTooLong = errors.New("wire: payload too long")
)

// headerSize returns the fixed-size prefix length for the given flags,
// excluding the payload itself.
func headerSize(flags uint8) int {
	n := 1 /*version*/ + 1 /*type*/ + 1 /*flags*/ + 1 /*ttl*/ + PeerIDSize /*sender*/
	if flags&FlagDirected != 0 {
		n += PeerIDSize
	}
	n += 2 // payload length
	return n
}

// Encode serializes p per spec.md §4.1/§6.1. It never mutates p.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLong
	}
	size := headerSize(p.Flags) + len(p.Payload)
	buf := make([]byte, size)
	i := 0
	buf[i] = p.Version
	i++
	buf[i] = uint8(p.Type)
	i++
	buf[i] = p.Flags
	i++
	buf[i] = p.TTL
	i++
	copy(buf[i:i+PeerIDSize], p.Sender[:])
	i += PeerIDSize
	if p.Flags&FlagDirected != 0 {
		copy(buf[i:i+PeerIDSize], p.Recipient[:])
		i += PeerIDSize
	}
	binary.BigEndian.PutUint16(buf[i:i+2], uint16(len(p.Payload)))
	i += 2
	copy(buf[i:], p.Payload)
	return buf, nil
}

// Decode parses buf into a Packet per spec.md §4.1. Unknown flag bits are
// preserved in the returned Packet.Flags so a later Encode round-trips
// them unchanged, even though this codec doesn't itself interpret them.
func Decode(buf []byte) (*Packet, error) {
	// Minimum fixed prefix before we even know whether Directed is set.
	const minFixed = 1 + 1 + 1 + 1 + PeerIDSize
	if len(buf) < minFixed {
		return nil, ErrShortBuffer
	}
	p := &Packet{}
	i := 0
	p.Version = buf[i]
	i++
	if p.Version != Version {
		return nil, ErrUnknownVersion
	}
	rawType := buf[i]
	i++
	switch Type(rawType) {
	case TypeChat, TypeFragment, TypeHandshake, TypeCapability, TypeKeepalive, TypeLeave:
		p.Type = Type(rawType)
	default:
		return nil, ErrUnknownType
	}
	p.Flags = buf[i]
	i++
	p.TTL = buf[i]
	i++
	copy(p.Sender[:], buf[i:i+PeerIDSize])
	i += PeerIDSize

	if p.Flags&FlagDirected != 0 {
		if len(buf) < i+PeerIDSize+2 {
			return nil, ErrShortBuffer
		}
		copy(p.Recipient[:], buf[i:i+PeerIDSize])
		i += PeerIDSize
	}

	if len(buf) < i+2 {
		return nil, ErrShortBuffer
	}
	plen := int(binary.BigEndian.Uint16(buf[i : i+2]))
	i += 2
	if len(buf) < i+plen {
		return nil, ErrShortBuffer
	}
	p.Payload = append([]byte(nil), buf[i:i+plen]...)
	return p, nil
}
