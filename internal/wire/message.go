/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package wire

import (
	"encoding/binary"
	"errors"
)

// BitchatMessage flag bits (spec.md §6.3: "as specified by the flag bits
// HAS_*"). The spec names the fields but not their bit order; this fixes
// one, least-significant-first in field declaration order.
const (
	HasOriginalSender     uint8 = 1 << 0
	HasRecipientNickname  uint8 = 1 << 1
	HasSenderPeerID       uint8 = 1 << 2
	HasMentions           uint8 = 1 << 3
)

const (
	MaxIDBytes       = 255
	MaxSenderBytes   = 255
	MaxContentBytes  = 65535
	MaxMentionBytes  = 255
)

var (
	ErrFieldTooLong    = errors.New("wire: message field exceeds its maximum length")
	ErrShortMessage    = errors.New("wire: truncated message body")
	ErrTooManyMentions = errors.New("wire: too many mentions")
)

// BitchatMessage is the application payload carried by PrivateMessage and
// GroupMessage (spec.md §6.3).
type BitchatMessage struct {
	Timestamp          uint64
	ID                 string
	Sender             string
	Content            string
	OriginalSender      string // present iff HasOriginalSender
	RecipientNickname   string // present iff HasRecipientNickname
	SenderPeerID        string // present iff HasSenderPeerID
	Mentions            []string // present iff HasMentions
}

func (m *BitchatMessage) flags() uint8 {
	var f uint8
	if m.OriginalSender != "" {
		f |= HasOriginalSender
	}
	if m.RecipientNickname != "" {
		f |= HasRecipientNickname
	}
	if m.SenderPeerID != "" {
		f |= HasSenderPeerID
	}
	if len(m.Mentions) > 0 {
		f |= HasMentions
	}
	return f
}

func putLenPrefixed1(buf []byte, s string) []byte {
	buf = append(buf, uint8(len(s)))
	return append(buf, s...)
}

func putLenPrefixed2(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readLenPrefixed1(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, ErrShortMessage
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return "", nil, ErrShortMessage
	}
	return string(buf[:n]), buf[n:], nil
}

func readLenPrefixed2(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrShortMessage
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, ErrShortMessage
	}
	return string(buf[:n]), buf[n:], nil
}

// EncodeMessage serializes m per spec.md §6.3.
func EncodeMessage(m *BitchatMessage) ([]byte, error) {
	if len(m.ID) > MaxIDBytes || len(m.Sender) > MaxSenderBytes {
		return nil, ErrFieldTooLong
	}
	if len(m.Content) > MaxContentBytes {
		return nil, ErrFieldTooLong
	}
	if len(m.OriginalSender) > MaxSenderBytes || len(m.SenderPeerID) > MaxSenderBytes {
		return nil, ErrFieldTooLong
	}
	if len(m.Mentions) > 255 {
		return nil, ErrTooManyMentions
	}
	for _, mention := range m.Mentions {
		if len(mention) > MaxMentionBytes {
			return nil, ErrFieldTooLong
		}
	}

	buf := make([]byte, 0, 16+len(m.ID)+len(m.Sender)+len(m.Content))
	buf = append(buf, m.flags())
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], m.Timestamp)
	buf = append(buf, tsBuf[:]...)
	buf = putLenPrefixed1(buf, m.ID)
	buf = putLenPrefixed1(buf, m.Sender)
	buf = putLenPrefixed2(buf, m.Content)

	if m.OriginalSender != "" {
		buf = putLenPrefixed1(buf, m.OriginalSender)
	}
	if m.RecipientNickname != "" {
		buf = putLenPrefixed1(buf, m.RecipientNickname)
	}
	if m.SenderPeerID != "" {
		buf = putLenPrefixed1(buf, m.SenderPeerID)
	}
	if len(m.Mentions) > 0 {
		buf = append(buf, uint8(len(m.Mentions)))
		for _, mention := range m.Mentions {
			buf = putLenPrefixed1(buf, mention)
		}
	}
	return buf, nil
}

// DecodeMessage parses a BitchatMessage body, honoring the HAS_* flag
// bits to decide which optional fields to read.
func DecodeMessage(buf []byte) (*BitchatMessage, error) {
	if len(buf) < 9 {
		return nil, ErrShortMessage
	}
	flags := buf[0]
	ts := binary.BigEndian.Uint64(buf[1:9])
	rest := buf[9:]

	m := &BitchatMessage{Timestamp: ts}
	var err error
	if m.ID, rest, err = readLenPrefixed1(rest); err != nil {
		return nil, err
	}
	if m.Sender, rest, err = readLenPrefixed1(rest); err != nil {
		return nil, err
	}
	if m.Content, rest, err = readLenPrefixed2(rest); err != nil {
		return nil, err
	}
	if flags&HasOriginalSender != 0 {
		if m.OriginalSender, rest, err = readLenPrefixed1(rest); err != nil {
			return nil, err
		}
	}
	if flags&HasRecipientNickname != 0 {
		if m.RecipientNickname, rest, err = readLenPrefixed1(rest); err != nil {
			return nil, err
		}
	}
	if flags&HasSenderPeerID != 0 {
		if m.SenderPeerID, rest, err = readLenPrefixed1(rest); err != nil {
			return nil, err
		}
	}
	if flags&HasMentions != 0 {
		if len(rest) < 1 {
			return nil, ErrShortMessage
		}
		count := int(rest[0])
		rest = rest[1:]
		mentions := make([]string, 0, count)
		for i := 0; i < count; i++ {
			var mention string
			if mention, rest, err = readLenPrefixed1(rest); err != nil {
				return nil, err
			}
			mentions = append(mentions, mention)
		}
		m.Mentions = mentions
	}
	return m, nil
}
