package fec

import (
	"errors"
	"fmt"

	"github.com/xssnick/raptorq"
)

// rqProtector wraps github.com/xssnick/raptorq, adapted from the teacher's
// fec/raptorq.go. RaptorQ is a fountain code: it has no fixed parity-shard
// count, so NumParityShards is nominal and Decode assumes (as the teacher's
// own comment does) that the caller hands back symbols indexed by their
// original encoding symbol ID, with nil marking an erasure.
type rqProtector struct {
	rq               raptorq.RaptorQ
	numSourceSymbols uint
	symbolSize       uint16
}

func newRaptorQProtector(numSourcePackets int, symbolSize uint16) (Protector, error) {
	if numSourcePackets <= 0 {
		return nil, errors.New("fec: raptorq source count must be positive")
	}
	if symbolSize == 0 {
		return nil, errors.New("fec: raptorq symbol size must be positive")
	}
	return &rqProtector{
		rq:               raptorq.NewRaptorQ(symbolSize),
		numSourceSymbols: uint(numSourcePackets),
		symbolSize:       symbolSize,
	}, nil
}

func (r *rqProtector) Algorithm() Algorithm { return RaptorQ }
func (r *rqProtector) NumDataShards() int   { return int(r.numSourceSymbols) }
func (r *rqProtector) NumParityShards() int { return int(r.numSourceSymbols) } // one repair symbol per source symbol, by convention
func (r *rqProtector) TotalShards() int     { return 2 * int(r.numSourceSymbols) }

// Encode returns K source symbols followed by K repair symbols (a 2x
// overhead convention chosen for BLE's high-loss regime; see
// RaptorFECMinLossRate).
func (r *rqProtector) Encode(source []Shard) ([]Shard, error) {
	if len(source) != int(r.numSourceSymbols) {
		return nil, fmt.Errorf("fec: raptorq encode expected %d shards, got %d", r.numSourceSymbols, len(source))
	}

	payload := make([]byte, 0, int(r.numSourceSymbols)*int(r.symbolSize))
	for i, s := range source {
		if s == nil {
			return nil, fmt.Errorf("fec: raptorq encode source shard %d is nil", i)
		}
		if len(s) > int(r.symbolSize) {
			return nil, fmt.Errorf("fec: raptorq source shard %d exceeds symbol size %d", i, r.symbolSize)
		}
		padded := make([]byte, r.symbolSize)
		copy(padded, s)
		payload = append(payload, padded...)
	}

	enc, err := r.rq.CreateEncoder(payload)
	if err != nil {
		return nil, fmt.Errorf("fec: raptorq encoder: %w", err)
	}

	out := make([]Shard, 0, 2*int(r.numSourceSymbols))
	for i := uint32(0); i < uint32(r.numSourceSymbols); i++ {
		out = append(out, Shard(enc.GenSymbol(i)))
	}
	for i := uint32(0); i < uint32(r.numSourceSymbols); i++ {
		out = append(out, Shard(enc.GenSymbol(uint32(r.numSourceSymbols)+i)))
	}
	return out, nil
}

// Decode feeds every non-nil symbol (indexed by its position, which must
// match its original encoding symbol ID) to the decoder until it either
// succeeds or runs out of symbols.
func (r *rqProtector) Decode(received []Shard) ([]Shard, error) {
	payloadLen := uint64(r.numSourceSymbols) * uint64(r.symbolSize)
	dec, err := r.rq.CreateDecoder(payloadLen)
	if err != nil {
		return nil, fmt.Errorf("fec: raptorq decoder: %w", err)
	}

	for i, s := range received {
		if s == nil {
			continue
		}
		canTry, err := dec.AddSymbol(uint32(i), s)
		if err != nil {
			continue
		}
		if !canTry {
			continue
		}
		success, result, err := dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("fec: raptorq decode: %w", err)
		}
		if !success {
			continue
		}
		out := make([]Shard, r.numSourceSymbols)
		for j := 0; j < int(r.numSourceSymbols); j++ {
			start := j * int(r.symbolSize)
			end := start + int(r.symbolSize)
			if end > len(result) {
				return nil, errors.New("fec: raptorq reconstructed payload shorter than expected")
			}
			out[j] = Shard(result[start:end])
		}
		return out, nil
	}
	return nil, ErrTooManyErasures
}
