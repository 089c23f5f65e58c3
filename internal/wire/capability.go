/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package wire

// Hello, Ack, and Rejection are the wire-level bodies carried under
// PayloadVersionHello, PayloadVersionAck, and PayloadCapabilityRejection
// (spec.md §4.4's post-handshake capability negotiation). They mirror
// capability.Hello/Ack/Rejection field-for-field; wire stays free of a
// dependency on the capability package by re-declaring the shapes here,
// the same split BitchatMessage keeps from the delivery package.

// EncodeHello serializes a version/capability hello. Layout: version
// count(1) + versions, capability count(1) + length-prefixed1 each,
// length-prefixed2 implementation info.
func EncodeHello(versions []uint8, capabilities []string, implInfo string) []byte {
	buf := make([]byte, 0, 16+len(capabilities)*8+len(implInfo))
	buf = append(buf, uint8(len(versions)))
	buf = append(buf, versions...)
	buf = append(buf, uint8(len(capabilities)))
	for _, c := range capabilities {
		buf = putLenPrefixed1(buf, c)
	}
	buf = putLenPrefixed2(buf, implInfo)
	return buf
}

// DecodeHello parses a Hello body encoded by EncodeHello.
func DecodeHello(buf []byte) (versions []uint8, capabilities []string, implInfo string, err error) {
	if len(buf) < 1 {
		return nil, nil, "", ErrShortMessage
	}
	n := int(buf[0])
	rest := buf[1:]
	if len(rest) < n {
		return nil, nil, "", ErrShortMessage
	}
	versions = append([]uint8(nil), rest[:n]...)
	rest = rest[n:]

	if len(rest) < 1 {
		return nil, nil, "", ErrShortMessage
	}
	capCount := int(rest[0])
	rest = rest[1:]
	capabilities = make([]string, 0, capCount)
	for i := 0; i < capCount; i++ {
		var c string
		if c, rest, err = readLenPrefixed1(rest); err != nil {
			return nil, nil, "", err
		}
		capabilities = append(capabilities, c)
	}
	if implInfo, rest, err = readLenPrefixed2(rest); err != nil {
		return nil, nil, "", err
	}
	return versions, capabilities, implInfo, nil
}

// EncodeAck serializes the negotiated-version/mutual-capability ack.
// Layout: negotiated version(1) + mutual capability count(1) +
// length-prefixed1 each.
func EncodeAck(negotiatedVersion uint8, mutualCapabilities []string) []byte {
	buf := make([]byte, 0, 2+len(mutualCapabilities)*8)
	buf = append(buf, negotiatedVersion)
	buf = append(buf, uint8(len(mutualCapabilities)))
	for _, c := range mutualCapabilities {
		buf = putLenPrefixed1(buf, c)
	}
	return buf
}

// DecodeAck parses an Ack body encoded by EncodeAck.
func DecodeAck(buf []byte) (negotiatedVersion uint8, mutualCapabilities []string, err error) {
	if len(buf) < 2 {
		return 0, nil, ErrShortMessage
	}
	negotiatedVersion = buf[0]
	count := int(buf[1])
	rest := buf[2:]
	mutualCapabilities = make([]string, 0, count)
	for i := 0; i < count; i++ {
		var c string
		if c, rest, err = readLenPrefixed1(rest); err != nil {
			return 0, nil, err
		}
		mutualCapabilities = append(mutualCapabilities, c)
	}
	return negotiatedVersion, mutualCapabilities, nil
}

// EncodeRejection serializes a capability rejection. Layout: reason(1).
func EncodeRejection(reason uint8) []byte {
	return []byte{reason}
}

// DecodeRejection parses a Rejection body encoded by EncodeRejection.
func DecodeRejection(buf []byte) (reason uint8, err error) {
	if len(buf) < 1 {
		return 0, ErrShortMessage
	}
	return buf[0], nil
}
