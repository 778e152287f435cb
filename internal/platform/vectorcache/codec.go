package vectorcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

const (
	flagRaw        byte = 0
	flagCompressed byte = 1

	// compressThreshold is the raw payload size above which the compressed
	// branch is taken (~1KB, i.e. vectors longer than ~256 dims).
	compressThreshold = 1024
)

// Encode packs a vector as a one-byte compression flag followed by
// little-endian float32s, gzip-compressing payloads above the threshold.
func Encode(vec []float32) ([]byte, error) {
	raw := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	if len(raw) <= compressThreshold {
		out := make([]byte, 0, len(raw)+1)
		out = append(out, flagRaw)
		return append(out, raw...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(flagCompressed)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress vector: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress vector: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Truncated or corrupt payloads are errors; callers
// treat them as cache misses.
func Decode(payload []byte) ([]float32, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	flag := payload[0]
	body := payload[1:]

	switch flag {
	case flagCompressed:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("decompress vector: %w", err)
		}
		raw, err := io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress vector: %w", err)
		}
		body = raw
	case flagRaw:
	default:
		return nil, fmt.Errorf("unknown compression flag %d", flag)
	}

	if len(body)%4 != 0 {
		return nil, fmt.Errorf("truncated vector payload: %d bytes", len(body))
	}
	vec := make([]float32, len(body)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return vec, nil
}
