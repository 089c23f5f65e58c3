package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		p    Packet
	}{
		{"broadcast chat", Packet{Version: Version, Type: TypeChat, Flags: 0, TTL: 5, Payload: []byte("hi")}},
		{"directed chat", Packet{Version: Version, Type: TypeChat, Flags: FlagDirected, TTL: 7, Payload: []byte("hello there")}},
		{"empty payload", Packet{Version: Version, Type: TypeKeepalive, Flags: 0, TTL: 1, Payload: nil}},
		{"unknown flag bit preserved", Packet{Version: Version, Type: TypeChat, Flags: FlagDirected | 1<<6, TTL: 3, Payload: []byte("x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			copy(tc.p.Sender[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
			if tc.p.Directed() {
				copy(tc.p.Recipient[:], []byte{8, 7, 6, 5, 4, 3, 2, 1})
			}
			buf, err := Encode(&tc.p)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Version != tc.p.Version || got.Type != tc.p.Type || got.Flags != tc.p.Flags || got.TTL != tc.p.TTL {
				t.Fatalf("header mismatch: got %+v want %+v", got, tc.p)
			}
			if got.Sender != tc.p.Sender || got.Recipient != tc.p.Recipient {
				t.Fatalf("addressing mismatch: got %+v want %+v", got, tc.p)
			}
			if !bytes.Equal(got.Payload, tc.p.Payload) {
				t.Fatalf("payload mismatch: got %q want %q", got.Payload, tc.p.Payload)
			}
			reencoded, err := Encode(got)
			if err != nil {
				t.Fatalf("re-Encode: %v", err)
			}
			if !bytes.Equal(reencoded, buf) {
				t.Fatalf("round trip not bit-exact:\n got %x\nwant %x", reencoded, buf)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	p := Packet{Version: Version, Type: TypeChat, Flags: FlagDirected}
	copy(p.Sender[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(p.Recipient[:], []byte{1, 1, 1, 1, 1, 1, 1, 1})
	p.Payload = []byte("payload")
	good, err := Encode(&p)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decode(good[:3]); err != ErrShortBuffer {
		t.Fatalf("truncated header: got %v want ErrShortBuffer", err)
	}
	if _, err := Decode(good[:len(good)-2]); err != ErrShortBuffer {
		t.Fatalf("truncated payload: got %v want ErrShortBuffer", err)
	}

	badVersion := append([]byte(nil), good...)
	badVersion[0] = Version + 1
	if _, err := Decode(badVersion); err != ErrUnknownVersion {
		t.Fatalf("got %v want ErrUnknownVersion", err)
	}

	badType := append([]byte(nil), good...)
	badType[1] = 0xEE
	if _, err := Decode(badType); err != ErrUnknownType {
		t.Fatalf("got %v want ErrUnknownType", err)
	}
}

func TestEncodePayloadTooLong(t *testing.T) {
	p := Packet{Version: Version, Type: TypeChat, Payload: make([]byte, MaxPayloadSize+1)}
	if _, err := Encode(&p); err != ErrPayloadTooLong {
		t.Fatalf("got %v want ErrPayloadTooLong", err)
	}
}

func TestExactMaxPacketSizeBoundary(t *testing.T) {
	p := Packet{Version: Version, Type: TypeChat, TTL: 1}
	copy(p.Sender[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	fixed := headerSize(p.Flags)
	p.Payload = make([]byte, MaxPacketSize-fixed)
	buf, err := Encode(&p)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != MaxPacketSize {
		t.Fatalf("got %d bytes, want exactly MaxPacketSize (%d)", len(buf), MaxPacketSize)
	}
}
