package fec

import (
	"bytes"
	"testing"
)

func TestSelectByLossRate(t *testing.T) {
	cases := []struct {
		loss float64
		want Algorithm
	}{
		{0, None},
		{0.01, None},
		{0.02, XOR},
		{0.05, XOR},
		{0.10, ReedSolomon},
		{0.20, ReedSolomon},
		{0.25, RaptorQ},
		{0.9, RaptorQ},
	}
	for _, tc := range cases {
		if got := Select(tc.loss); got != tc.want {
			t.Errorf("Select(%.2f) = %v, want %v", tc.loss, got, tc.want)
		}
	}
}

func TestXORRecoversSingleErasure(t *testing.T) {
	p, err := newXORProtector(4)
	if err != nil {
		t.Fatal(err)
	}
	src := []Shard{[]byte("aaaa"), []byte("bbbb"), []byte("cccc"), []byte("dddd")}
	encoded, err := p.Encode(src)
	if err != nil {
		t.Fatal(err)
	}
	received := append([]Shard(nil), encoded...)
	received[2] = nil // erase one data shard
	decoded, err := p.Decode(received)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range src {
		if !bytes.Equal(decoded[i], want) {
			t.Fatalf("shard %d: got %q want %q", i, decoded[i], want)
		}
	}
}

func TestXORTooManyErasures(t *testing.T) {
	p, _ := newXORProtector(4)
	src := []Shard{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	encoded, _ := p.Encode(src)
	received := append([]Shard(nil), encoded...)
	received[1] = nil
	received[2] = nil
	if _, err := p.Decode(received); err != ErrTooManyErasures {
		t.Fatalf("got %v want ErrTooManyErasures", err)
	}
}

func TestReedSolomonRecoversWithinParityBudget(t *testing.T) {
	p, err := newReedSolomonProtector(6, 3)
	if err != nil {
		t.Fatal(err)
	}
	src := make([]Shard, 6)
	for i := range src {
		src[i] = bytes.Repeat([]byte{byte('A' + i)}, 8)
	}
	encoded, err := p.Encode(src)
	if err != nil {
		t.Fatal(err)
	}
	received := append([]Shard(nil), encoded...)
	received[0] = nil
	received[3] = nil
	received[7] = nil // a parity shard too
	decoded, err := p.Decode(received)
	if err != nil {
		t.Fatal(err)
	}
	for i := range src {
		if !bytes.Equal(decoded[i], src[i]) {
			t.Fatalf("shard %d mismatch after RS reconstruction", i)
		}
	}
}
