package embed

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/model"
)

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestTextEncoderDeterministicAndNormalized(t *testing.T) {
	e := NewTextEncoder(512)
	ctx := context.Background()
	a, err := e.Encode(ctx, []byte("Generated a watercolor image of a lighthouse"))
	require.NoError(t, err)
	b, err := e.Encode(ctx, []byte("Generated a watercolor image of a lighthouse"))
	require.NoError(t, err)

	assert.Len(t, a, 512)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-6)
}

func TestTextEncoderSeparatesUnrelatedText(t *testing.T) {
	e := NewTextEncoder(512)
	ctx := context.Background()
	a, _ := e.Encode(ctx, []byte("The database migration failed because the schema version was stale"))
	b, _ := e.Encode(ctx, []byte("A jazz quartet recorded their new album in a small Lisbon studio"))
	assert.Less(t, CosineSimilarity(a, b), 0.75)
}

func TestTextEncoderNFC(t *testing.T) {
	e := NewTextEncoder(128)
	ctx := context.Background()
	composed, _ := e.Encode(ctx, []byte("caf\u00e9 menu review"))
	decomposed, _ := e.Encode(ctx, []byte("cafe\u0301 menu review"))
	assert.Equal(t, composed, decomposed)
}

func TestTextEncoderEmptyInput(t *testing.T) {
	v, err := NewTextEncoder(64).Encode(context.Background(), []byte("  ?! "))
	require.NoError(t, err)
	assert.Len(t, v, 64)
	assert.Zero(t, CosineSimilarity(v, v))
}

func TestBinaryEncoderNearDuplicates(t *testing.T) {
	e := NewBinaryEncoder(512, "image")
	ctx := context.Background()
	orig := randomBytes(1, 4096)
	flipped := append([]byte(nil), orig...)
	flipped[2000] ^= 0xff

	a, err := e.Encode(ctx, orig)
	require.NoError(t, err)
	b, err := e.Encode(ctx, flipped)
	require.NoError(t, err)
	c, err := e.Encode(ctx, randomBytes(2, 4096))
	require.NoError(t, err)

	assert.Greater(t, CosineSimilarity(a, b), 0.95)
	assert.Less(t, CosineSimilarity(a, c), 0.5)
}

func TestBinaryEncoderTinyPayload(t *testing.T) {
	v, err := NewBinaryEncoder(32, "audio").Encode(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)
}

func TestUniversalBuildsEachEncoderOnce(t *testing.T) {
	var builds int32
	u := NewUniversal(16, map[Modality]Factory{
		Text: func() (Encoder, error) {
			atomic.AddInt32(&builds, 1)
			return NewTextEncoder(16), nil
		},
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := u.Encode(ctx, Text, []byte("hello world again"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))

	_, err := u.Encode(ctx, Image, []byte("x"))
	assert.Error(t, err)
}

func TestUniversalFactoryErrorIsSticky(t *testing.T) {
	var builds int32
	u := NewUniversal(16, map[Modality]Factory{
		Text: func() (Encoder, error) {
			atomic.AddInt32(&builds, 1)
			return nil, errors.New("no key")
		},
	})
	_, err := u.Encode(context.Background(), Text, []byte("a"))
	assert.Error(t, err)
	_, err = u.Encode(context.Background(), Text, []byte("a"))
	assert.Error(t, err)
	assert.Equal(t, int32(1), builds)
}

func TestUniversalRejectsWrongWidth(t *testing.T) {
	u := NewUniversal(8, map[Modality]Factory{
		Text: func() (Encoder, error) { return NewTextEncoder(16), nil },
	})
	_, err := u.Encode(context.Background(), Text, []byte("hello there"))
	assert.Error(t, err)
}

func TestModalityFor(t *testing.T) {
	tests := []struct {
		kind model.ResourceType
		mime string
		want Modality
		ok   bool
	}{
		{model.TypeText, "", Text, true},
		{model.TypeTool, "application/json", Text, true},
		{model.TypeCode, "application/octet-stream", Text, true},
		{model.TypeImage, "", Image, true},
		{model.TypeDataset, "text/csv", Text, true},
		{model.TypeModel, "application/octet-stream", "", false},
		{model.TypeComposite, "video/mp4", Video, true},
	}
	for _, tt := range tests {
		got, ok := ModalityFor(tt.kind, tt.mime)
		assert.Equal(t, tt.ok, ok, tt.kind)
		assert.Equal(t, tt.want, got, tt.kind)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default(t.TempDir()).Embeddings
	p, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 512, p.Dimensions())

	cfg.Provider = "openai"
	p, err = FromConfig(cfg)
	require.NoError(t, err)
	_, err = p.Encode(context.Background(), Text, []byte("hi"))
	assert.Error(t, err, "missing api key surfaces on first use")

	cfg.Provider = "bogus"
	_, err = FromConfig(cfg)
	assert.Error(t, err)
}

func TestCosineSimilarityEdges(t *testing.T) {
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}
