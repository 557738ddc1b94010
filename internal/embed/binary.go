package embed

import (
	"context"
	"hash/fnv"
)

// maxShingles bounds the work done per payload. Larger payloads are sampled
// at a fixed stride.
const maxShingles = 1 << 20

// BinaryEncoder embeds opaque media bytes by signed feature hashing of
// overlapping 4-byte shingles. Payloads that differ in a few bytes land close
// together; unrelated payloads are near-orthogonal.
type BinaryEncoder struct {
	dimensions int
	seed       uint32
}

// NewBinaryEncoder returns an encoder whose hash space is salted by name so
// different modalities do not share coordinates.
func NewBinaryEncoder(dims int, name string) *BinaryEncoder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return &BinaryEncoder{dimensions: dims, seed: h.Sum32()}
}

func (e *BinaryEncoder) Encode(ctx context.Context, payload []byte) ([]float32, error) {
	vec := make([]float32, e.dimensions)
	if len(payload) < 4 {
		for i, b := range payload {
			vec[e.index(uint32(b)<<8|uint32(i))] += 1
		}
		normalize(vec)
		return vec, nil
	}

	n := len(payload) - 3
	stride := 1
	if n > maxShingles {
		stride = n / maxShingles
	}
	for i := 0; i < n; i += stride {
		if (i/stride)&0xffff == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		h := mix(e.seed ^ (uint32(payload[i]) | uint32(payload[i+1])<<8 | uint32(payload[i+2])<<16 | uint32(payload[i+3])<<24))
		if h&1 == 0 {
			vec[int(h>>1)%e.dimensions]++
		} else {
			vec[int(h>>1)%e.dimensions]--
		}
	}
	normalize(vec)
	return vec, nil
}

func (e *BinaryEncoder) Dimensions() int { return e.dimensions }

func (e *BinaryEncoder) index(v uint32) int {
	return int(mix(e.seed^v)>>1) % e.dimensions
}

// mix is a 32-bit finalizer (murmur3 fmix32).
func mix(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
