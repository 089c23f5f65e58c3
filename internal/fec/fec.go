/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package fec adapts the teacher's forward-error-correction subsystem
// (originally built to protect WireGuard transport packets) to protect
// groups of BitChat fragments crossing the lossy BLE carrier (spec.md
// §4.2.x). A Selector picks an algorithm from an observed loss rate using
// the same thresholds the teacher's device/constants.go already defines.
package fec

import "errors"

// Shard is one data or parity unit handed to a Protector. A nil Shard
// denotes an erasure (the transport never received or delivered it).
type Shard []byte

// Algorithm identifies which FEC scheme produced/consumes a group of
// shards; it rides the wire as part of the fragment group header so a
// receiver without FEC support can at least recognize and discard it.
type Algorithm uint8

const (
	None Algorithm = iota
	XOR
	ReedSolomon
	RaptorQ
)

// Protector is the common interface across all three schemes. Encode takes
// exactly NumDataShards() source shards and returns the full shard set
// (data + parity); Decode takes a full-length slice (nil for erasures) and
// returns the recovered data shards.
type Protector interface {
	Algorithm() Algorithm
	NumDataShards() int
	NumParityShards() int
	TotalShards() int
	Encode(source []Shard) ([]Shard, error)
	Decode(received []Shard) ([]Shard, error)
}

var (
	// ErrTooManyErasures is returned when more shards are missing than
	// the scheme's parity budget can reconstruct.
	ErrTooManyErasures = errors.New("fec: too many missing shards to reconstruct")
)

// Loss-rate thresholds, carried verbatim from the teacher's
// device/constants.go FEC selection table.
const (
	NoFECMaxLossRate     float64 = 0.01
	XORFECMaxLossRate    float64 = 0.05
	RSFECMaxLossRate     float64 = 0.20
	RaptorFECMinLossRate float64 = 0.20
)

// DefaultDataShards is how many fragments are grouped under one FEC group
// before parity is computed, matching the teacher's FECMaxDataShards.
const DefaultDataShards = 16

// Select returns the Algorithm appropriate for the observed BLE loss rate.
// Below 1% loss it returns None (no parity overhead is worth paying); the
// caller should simply not construct a Protector in that case.
func Select(lossRate float64) Algorithm {
	switch {
	case lossRate <= NoFECMaxLossRate:
		return None
	case lossRate <= XORFECMaxLossRate:
		return XOR
	case lossRate <= RSFECMaxLossRate:
		return ReedSolomon
	default:
		return RaptorQ
	}
}

// NewProtector constructs a Protector for algo, sized for dataShards
// source fragments. symbolSize is only meaningful for RaptorQ.
func NewProtector(algo Algorithm, dataShards int, symbolSize uint16) (Protector, error) {
	switch algo {
	case XOR:
		return newXORProtector(dataShards)
	case ReedSolomon:
		parity := (dataShards + 3) / 4 // ~25% overhead, matches the teacher's RS tier sizing intent
		if parity < 1 {
			parity = 1
		}
		return newReedSolomonProtector(dataShards, parity)
	case RaptorQ:
		return newRaptorQProtector(dataShards, symbolSize)
	default:
		return nil, errors.New("fec: no protector for algorithm None")
	}
}
