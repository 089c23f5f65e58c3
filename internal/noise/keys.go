/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package noise implements the end-to-end session layer from spec.md
// §4.3: a Noise-XX handshake (via github.com/flynn/noise), AEAD transport
// encryption, rekeying, and the 7-state session state machine.
package noise

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2s"
)

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	// FingerprintSize is the width of a peer's stable identity anchor
	// (spec.md §3): a hash of its Noise static public key.
	FingerprintSize = 32
)

type (
	PublicKey   [PublicKeySize]byte
	PrivateKey  [PrivateKeySize]byte
	Fingerprint [FingerprintSize]byte
)

func (k PublicKey) IsZero() bool {
	var zero PublicKey
	return k.Equals(zero)
}

func (k PublicKey) Equals(other PublicKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

func (k PublicKey) ToHex() string { return hex.EncodeToString(k[:]) }

// FingerprintOf hashes a peer's static public key into its stable
// identity anchor (spec.md §3: "stable across sessions").
func FingerprintOf(pub PublicKey) Fingerprint {
	sum := blake2s.Sum256(pub[:])
	var fp Fingerprint
	copy(fp[:], sum[:])
	return fp
}

var errKeyWrongSize = errors.New("noise: key has wrong size")

// GenerateKeypair returns a fresh Curve25519 static keypair.
func GenerateKeypair(rng interface{ Read([]byte) (int, error) }) (PrivateKey, PublicKey, error) {
	return generateKeypair(rng)
}
