package search

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/cas"
	"github.com/CanopyHQ/xylem/internal/embed"
	"github.com/CanopyHQ/xylem/internal/ingest"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/similarity"
	"github.com/CanopyHQ/xylem/internal/store"
)

const testDims = 128

type brokenProvider struct{}

func (brokenProvider) Encode(context.Context, embed.Modality, []byte) ([]float32, error) {
	return nil, errors.New("quota exceeded")
}
func (brokenProvider) Dimensions() int { return testDims }

type fixture struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	search   *Service
}

func setupSearch(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "xylem.db"), testDims)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	blobs, err := cas.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	provider := embed.NewLocal(testDims)
	return &fixture{
		store:    s,
		pipeline: ingest.New(s, blobs, provider, ingest.Options{}),
		search:   New(s, provider, similarity.DefaultMatchOptions),
	}
}

func (f *fixture) ingest(t *testing.T, data []byte, mime string) string {
	t.Helper()
	return f.ingestAs(t, data, mime, "")
}

func (f *fixture) ingestAs(t *testing.T, data []byte, mime, kind string) string {
	t.Helper()
	rec, err := f.pipeline.Ingest(context.Background(), ingest.Payload{Data: data, Mime: mime}, ingest.Descriptor{
		Entity:       ingest.EntityInput{Role: "human"},
		Action:       ingest.ActionInput{Type: "create"},
		ResourceType: kind,
	})
	require.NoError(t, err)
	return rec.CID
}

func randomBytes(seed int64) []byte {
	b := make([]byte, 2048)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestSearchFileFindsSameKind(t *testing.T) {
	f := setupSearch(t)
	img := randomBytes(1)
	imgCID := f.ingest(t, img, "image/png")
	f.ingest(t, []byte("unrelated text document about gardening"), "text/plain")

	got, err := f.search.SearchFile(context.Background(), img, "image/png", Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, imgCID, got[0].CID)
	assert.Equal(t, string(model.TypeImage), got[0].Type)
	assert.InDelta(t, 1.0, got[0].Score, 1e-4)
}

func TestSearchFileMinScoreAndTopK(t *testing.T) {
	f := setupSearch(t)
	for i := int64(1); i <= 3; i++ {
		f.ingest(t, randomBytes(i), "image/png")
	}
	query := randomBytes(1)

	got, err := f.search.SearchFile(context.Background(), query, "image/png", Options{TopK: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)

	got, err = f.search.SearchFile(context.Background(), query, "image/png", Options{TopK: 3, MinScore: 0.99})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = f.search.SearchFile(context.Background(), query, "image/png", Options{TopK: 0})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchFileErrors(t *testing.T) {
	f := setupSearch(t)
	ctx := context.Background()

	_, err := f.search.SearchFile(ctx, nil, "image/png", Options{TopK: 5})
	assert.True(t, apperror.Is(err, apperror.MissingField))

	_, err = f.search.SearchFile(ctx, []byte("x"), "application/x-unknown", Options{TopK: 5})
	assert.True(t, apperror.Is(err, apperror.Unsupported))

	_, err = f.search.SearchFile(ctx, []byte("x"), "application/x-unknown", Options{Type: model.TypeDataset, TopK: 5})
	assert.True(t, apperror.Is(err, apperror.Unsupported))

	broken := New(f.store, brokenProvider{}, similarity.DefaultMatchOptions)
	_, err = broken.SearchFile(ctx, []byte("x"), "text/plain", Options{TopK: 5})
	assert.True(t, apperror.Is(err, apperror.EmbeddingFailed))
	_, err = broken.SearchText(ctx, "hello", Options{TopK: 5})
	assert.True(t, apperror.Is(err, apperror.EmbeddingFailed))
}

func TestSearchText(t *testing.T) {
	f := setupSearch(t)
	ctx := context.Background()
	doc := "the quick brown fox jumps over the lazy dog"
	cid := f.ingest(t, []byte(doc), "text/plain")
	f.ingest(t, randomBytes(7), "image/png")

	got, err := f.search.SearchText(ctx, doc, Options{TopK: 5, Type: model.TypeText})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cid, got[0].CID)

	_, err = f.search.SearchText(ctx, "   ", Options{TopK: 5})
	assert.True(t, apperror.Is(err, apperror.MissingField))
}

func TestSimilar(t *testing.T) {
	f := setupSearch(t)
	ctx := context.Background()
	cid := f.ingest(t, randomBytes(11), "image/png")
	f.ingest(t, randomBytes(12), "image/png")

	res, err := f.search.Similar(ctx, cid, 5)
	require.NoError(t, err)
	assert.Equal(t, similarity.Auto, res.Verdict)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, cid, res.Matches[0].CID)
	assert.Len(t, res.Matches, 2)

	_, err = f.search.Similar(ctx, "bafkreimissing", 5)
	assert.True(t, apperror.Is(err, apperror.NotFound))
}

func TestSimilarWithoutEmbedding(t *testing.T) {
	f := setupSearch(t)
	cid := f.ingestAs(t, []byte("a,b\n1,2\n"), "application/x-unknown-dataset", "dataset")
	_, err := f.search.Similar(context.Background(), cid, 5)
	assert.True(t, apperror.Is(err, apperror.Unsupported))
}

func TestSearchSurvivesDirectionlessText(t *testing.T) {
	f := setupSearch(t)
	ctx := context.Background()
	blank := f.ingest(t, []byte("!?"), "text/plain")
	estuary := f.ingest(t, []byte("field recordings from the northern estuary"), "text/plain")

	got, err := f.search.SearchText(ctx, "estuary tide tables", Options{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, estuary, got[0].CID)
	for _, m := range got {
		assert.NotEqual(t, blank, m.CID)
	}

	got, err = f.search.SearchText(ctx, "?!", Options{TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.search.Similar(ctx, blank, 5)
	assert.True(t, apperror.Is(err, apperror.Unsupported), "got %v", err)

	res, err := f.search.Similar(ctx, estuary, 5)
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, estuary, res.Matches[0].CID)
}
