package state

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// #region vector-encoding
// encodedSize is 12 coordinates, the confidence and a unix-nano timestamp.
const encodedSize = (NumDimensions + 2) * 8

// Encode packs a state into a fixed little-endian blob for storage.
func Encode(s PhaseSpaceState) []byte {
	buf := make([]byte, encodedSize)
	for i, f := range s.coords {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	binary.LittleEndian.PutUint64(buf[NumDimensions*8:], math.Float64bits(s.confidence))
	var ns int64
	if !s.timestamp.IsZero() {
		ns = s.timestamp.UnixNano()
	}
	binary.LittleEndian.PutUint64(buf[(NumDimensions+1)*8:], uint64(ns))
	return buf
}

// Decode unpacks a blob written by Encode.
func Decode(b []byte) (PhaseSpaceState, error) {
	if len(b) != encodedSize {
		return PhaseSpaceState{}, fmt.Errorf("decode state: want %d bytes, got %d", encodedSize, len(b))
	}
	var v Vector
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	conf := math.Float64frombits(binary.LittleEndian.Uint64(b[NumDimensions*8:]))
	ns := int64(binary.LittleEndian.Uint64(b[(NumDimensions+1)*8:]))
	var ts time.Time
	if ns != 0 {
		ts = time.Unix(0, ns)
	}
	return New(v, conf, ts), nil
}

// #endregion vector-encoding
