package fec

import (
	"errors"
	"fmt"
)

// xorProtector implements Protector with the simplest possible scheme: N
// data shards XORed together into 1 parity shard, recovering any single
// erasure. Adapted from the teacher's fec/xor.go.
type xorProtector struct {
	dataShards int
}

func newXORProtector(dataShards int) (Protector, error) {
	if dataShards <= 0 {
		return nil, errors.New("fec: xor data shard count must be positive")
	}
	return &xorProtector{dataShards: dataShards}, nil
}

func (x *xorProtector) Algorithm() Algorithm   { return XOR }
func (x *xorProtector) NumDataShards() int     { return x.dataShards }
func (x *xorProtector) NumParityShards() int   { return 1 }
func (x *xorProtector) TotalShards() int       { return x.dataShards + 1 }

func (x *xorProtector) Encode(source []Shard) ([]Shard, error) {
	if len(source) != x.dataShards {
		return nil, fmt.Errorf("fec: xor encode expected %d shards, got %d", x.dataShards, len(source))
	}
	maxLen := 0
	for _, s := range source {
		if s == nil {
			return nil, errors.New("fec: xor encode got nil source shard")
		}
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	parity := make(Shard, maxLen)
	padded := make(Shard, maxLen)
	for _, s := range source {
		copy(padded, s)
		for i := len(s); i < maxLen; i++ {
			padded[i] = 0
		}
		for i := 0; i < maxLen; i++ {
			parity[i] ^= padded[i]
		}
	}
	out := make([]Shard, x.dataShards+1)
	copy(out, source)
	out[x.dataShards] = parity
	return out, nil
}

func (x *xorProtector) Decode(received []Shard) ([]Shard, error) {
	if len(received) != x.dataShards+1 {
		return nil, fmt.Errorf("fec: xor decode expected %d shards, got %d", x.dataShards+1, len(received))
	}
	missing := -1
	missingCount := 0
	maxLen := 0
	for i, s := range received {
		if s == nil {
			missingCount++
			missing = i
			continue
		}
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	if missingCount == 0 {
		return received[:x.dataShards], nil
	}
	if missingCount > 1 {
		return nil, ErrTooManyErasures
	}
	if missing == x.dataShards {
		// The parity shard itself was lost; all data shards survived.
		return received[:x.dataShards], nil
	}

	recovered := make(Shard, maxLen)
	for i, s := range received {
		if i == missing {
			continue
		}
		for j := 0; j < len(s); j++ {
			recovered[j] ^= s[j]
		}
	}
	out := append([]Shard(nil), received[:x.dataShards]...)
	out[missing] = recovered
	return out, nil
}
