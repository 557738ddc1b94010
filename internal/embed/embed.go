// Package embed turns payloads into fixed-dimension vectors. Each modality
// has its own encoder, built lazily on first use and reused afterwards.
package embed

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/CanopyHQ/xylem/internal/model"
)

// DefaultDimensions is the vector width used when none is configured.
const DefaultDimensions = 512

// Modality selects an encoder.
type Modality string

const (
	Text  Modality = "text"
	Image Modality = "image"
	Audio Modality = "audio"
	Video Modality = "video"
)

// Encoder embeds one modality.
type Encoder interface {
	Encode(ctx context.Context, payload []byte) ([]float32, error)
	Dimensions() int
}

// Provider embeds any supported modality.
type Provider interface {
	Encode(ctx context.Context, m Modality, payload []byte) ([]float32, error)
	Dimensions() int
}

// Factory builds an encoder. It is called at most once per modality.
type Factory func() (Encoder, error)

type slot struct {
	once    sync.Once
	factory Factory
	enc     Encoder
	err     error
}

// Universal is a Provider holding one lazily built encoder per modality.
// Safe for concurrent use.
type Universal struct {
	dims  int
	slots map[Modality]*slot
}

// NewUniversal returns a provider over the given factories.
func NewUniversal(dims int, factories map[Modality]Factory) *Universal {
	u := &Universal{dims: dims, slots: make(map[Modality]*slot, len(factories))}
	for m, f := range factories {
		u.slots[m] = &slot{factory: f}
	}
	return u
}

// NewLocal returns a provider backed entirely by the local hashing encoders.
func NewLocal(dims int) *Universal {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return NewUniversal(dims, map[Modality]Factory{
		Text:  func() (Encoder, error) { return NewTextEncoder(dims), nil },
		Image: func() (Encoder, error) { return NewBinaryEncoder(dims, "image"), nil },
		Audio: func() (Encoder, error) { return NewBinaryEncoder(dims, "audio"), nil },
		Video: func() (Encoder, error) { return NewBinaryEncoder(dims, "video"), nil },
	})
}

// Encode embeds payload with the encoder for m.
func (u *Universal) Encode(ctx context.Context, m Modality, payload []byte) ([]float32, error) {
	s, ok := u.slots[m]
	if !ok {
		return nil, fmt.Errorf("no encoder for modality %q", m)
	}
	s.once.Do(func() {
		s.enc, s.err = s.factory()
	})
	if s.err != nil {
		return nil, fmt.Errorf("failed to initialize %s encoder: %w", m, s.err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec, err := s.enc.Encode(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(vec) != u.dims {
		return nil, fmt.Errorf("%s encoder returned %d dimensions, want %d", m, len(vec), u.dims)
	}
	return vec, nil
}

func (u *Universal) Dimensions() int { return u.dims }

// ModalityFor picks the modality for a resource. tool and code resources are
// embedded as text; kinds with no modality of their own fall back to the mime
// type. The second result is false when nothing applies.
func ModalityFor(kind model.ResourceType, mime string) (Modality, bool) {
	switch kind {
	case model.TypeText, model.TypeCode, model.TypeTool:
		return Text, true
	case model.TypeImage:
		return Image, true
	case model.TypeAudio:
		return Audio, true
	case model.TypeVideo:
		return Video, true
	}
	if k, ok := model.KindFromMime(mime); ok && k != kind {
		return ModalityFor(k, "")
	}
	return "", false
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is empty, zero, or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// IsZero reports whether v has no direction: empty or all zeros. Such a
// vector has no cosine similarity to anything.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// normalize scales v to unit length in place.
func normalize(v []float32) {
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = float32(math.Sqrt(float64(norm)))
		for i := range v {
			v[i] /= norm
		}
	}
}
