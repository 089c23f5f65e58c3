package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// rsProtector wraps github.com/klauspost/reedsolomon, adapted from the
// teacher's fec/reedsolomon.go to operate on fragment Shards instead of
// WireGuard transport packets.
type rsProtector struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

func newReedSolomonProtector(dataShards, parityShards int) (Protector, error) {
	enc, err := reedsolomon.New(dataShards, parityShards, reedsolomon.WithAutoGoroutines(1500))
	if err != nil {
		return nil, fmt.Errorf("fec: reed-solomon encoder: %w", err)
	}
	return &rsProtector{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

func (rs *rsProtector) Algorithm() Algorithm { return ReedSolomon }
func (rs *rsProtector) NumDataShards() int   { return rs.dataShards }
func (rs *rsProtector) NumParityShards() int { return rs.parityShards }
func (rs *rsProtector) TotalShards() int     { return rs.dataShards + rs.parityShards }

func (rs *rsProtector) Encode(source []Shard) ([]Shard, error) {
	if len(source) != rs.dataShards {
		return nil, fmt.Errorf("fec: rs encode expected %d shards, got %d", rs.dataShards, len(source))
	}

	maxLen := 0
	for i, s := range source {
		if s == nil {
			return nil, fmt.Errorf("fec: rs encode source shard %d is nil", i)
		}
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}

	shards := make([][]byte, rs.dataShards+rs.parityShards)
	for i, s := range source {
		if len(s) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, s)
			shards[i] = padded
		} else {
			shards[i] = s
		}
	}
	for i := rs.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, maxLen)
	}

	if err := rs.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: rs encode: %w", err)
	}

	out := make([]Shard, len(shards))
	for i, s := range shards {
		out[i] = Shard(s)
	}
	return out, nil
}

func (rs *rsProtector) Decode(received []Shard) ([]Shard, error) {
	if len(received) != rs.dataShards+rs.parityShards {
		return nil, fmt.Errorf("fec: rs decode expected %d shards, got %d", rs.dataShards+rs.parityShards, len(received))
	}

	shards := make([][]byte, len(received))
	missing := 0
	for i, s := range received {
		shards[i] = s
		if s == nil {
			missing++
		}
	}
	if missing > rs.parityShards {
		return nil, ErrTooManyErasures
	}
	if missing == 0 {
		return received[:rs.dataShards], nil
	}

	if err := rs.enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("fec: rs reconstruct: %w", err)
	}

	out := make([]Shard, rs.dataShards)
	for i := 0; i < rs.dataShards; i++ {
		out[i] = Shard(shards[i])
	}
	return out, nil
}
