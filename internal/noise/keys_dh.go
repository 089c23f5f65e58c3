/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package noise

import (
	"io"

	fnoise "github.com/flynn/noise"
)

func generateKeypair(rng interface{ Read([]byte) (int, error) }) (PrivateKey, PublicKey, error) {
	r, ok := rng.(io.Reader)
	if !ok {
		return PrivateKey{}, PublicKey{}, errKeyWrongSize
	}
	kp, err := fnoise.DH25519.GenerateKeypair(r)
	if err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	var priv PrivateKey
	var pub PublicKey
	copy(priv[:], kp.Private)
	copy(pub[:], kp.Public)
	return priv, pub, nil
}

func toDHKey(priv PrivateKey, pub PublicKey) fnoise.DHKey {
	return fnoise.DHKey{Private: append([]byte(nil), priv[:]...), Public: append([]byte(nil), pub[:]...)}
}
