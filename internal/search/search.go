// Package search answers read-only similarity queries over registered
// resources. Nothing it does is persisted.
package search

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/embed"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/similarity"
	"github.com/CanopyHQ/xylem/internal/store"
)

var tracer = otel.Tracer("github.com/CanopyHQ/xylem/internal/search")

// DefaultTopK is the number of matches returned when the caller gives none.
const DefaultTopK = 5

// Options narrows a file or text search.
type Options struct {
	Type     model.ResourceType
	TopK     int
	MinScore float64
}

// Service runs searches.
type Service struct {
	store    *store.Store
	embedder embed.Provider
	matcher  *similarity.Matcher
	opts     similarity.MatchOptions
}

// New returns a search service. thresholds configures the verdict bands of
// Similar.
func New(s *store.Store, embedder embed.Provider, thresholds similarity.MatchOptions) *Service {
	return &Service{store: s, embedder: embedder, matcher: similarity.New(s), opts: thresholds}
}

// SearchFile embeds data the way an upload of the same type would be and
// returns the closest resources.
func (s *Service) SearchFile(ctx context.Context, data []byte, mime string, opts Options) ([]similarity.Match, error) {
	ctx, span := tracer.Start(ctx, "search.SearchFile")
	defer span.End()

	if len(data) == 0 {
		return nil, apperror.Missing("file").WithRecovery("Attach the query content as the `file` part")
	}
	kind := opts.Type
	if kind == "" {
		k, ok := model.KindFromMime(mime)
		if !ok {
			return nil, apperror.New(apperror.Unsupported, "cannot infer kind from mime %q", mime).
				WithRecovery("Specify ?type=image|audio|text|video")
		}
		kind = k
	}
	modality, ok := embed.ModalityFor(kind, mime)
	if !ok {
		return nil, apperror.New(apperror.Unsupported, "resources of type %q are not embedded", kind).
			WithRecovery("Specify ?type=image|audio|text|video")
	}
	span.SetAttributes(attribute.String("xylem.kind", string(kind)))

	vec, err := s.encode(ctx, modality, data)
	if err != nil {
		return nil, err
	}
	return s.filtered(ctx, vec, Options{Type: kind, TopK: opts.TopK, MinScore: opts.MinScore})
}

// SearchText embeds text as a text payload and returns the closest
// resources, optionally of one type.
func (s *Service) SearchText(ctx context.Context, text string, opts Options) ([]similarity.Match, error) {
	ctx, span := tracer.Start(ctx, "search.SearchText")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return nil, apperror.Missing("text").WithRecovery("Send a JSON body with a non-empty `text`")
	}
	vec, err := s.encode(ctx, embed.Text, []byte(text))
	if err != nil {
		return nil, err
	}
	return s.filtered(ctx, vec, opts)
}

// Similar ranks resources against the stored embedding of cid. The resource
// itself is part of the ranking.
func (s *Service) Similar(ctx context.Context, cid string, topK int) (similarity.Result, error) {
	ctx, span := tracer.Start(ctx, "search.Similar")
	defer span.End()
	span.SetAttributes(attribute.String("xylem.cid", cid))

	if cid == "" {
		return similarity.Result{}, apperror.Missing("cid")
	}
	res, err := s.store.GetResource(ctx, cid)
	if errors.Is(err, store.ErrNotFound) {
		return similarity.Result{}, apperror.NotFoundf("resource %s not found", cid).
			WithDetails(map[string]any{"cid": cid})
	}
	if err != nil {
		return similarity.Result{}, apperror.From(err)
	}
	if len(res.Embedding) == 0 {
		return similarity.Result{}, apperror.New(apperror.Unsupported, "resource has no embedding").
			WithDetails(map[string]any{"cid": cid})
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	opts := s.opts
	opts.TopK = topK
	out, err := s.matcher.Match(ctx, res.Embedding, opts)
	if err != nil {
		return similarity.Result{}, apperror.From(err)
	}
	return out, nil
}

func (s *Service) encode(ctx context.Context, m embed.Modality, data []byte) ([]float32, error) {
	vec, err := s.embedder.Encode(ctx, m, data)
	if err != nil {
		return nil, apperror.Wrap(apperror.EmbeddingFailed, err, "embedding generation failed").
			WithRecovery("Retry later; the embedding provider may be unavailable")
	}
	return vec, nil
}

func (s *Service) filtered(ctx context.Context, vec []float32, opts Options) ([]similarity.Match, error) {
	if embed.IsZero(vec) {
		return []similarity.Match{}, nil
	}
	out, err := s.matcher.MatchFiltered(ctx, vec, similarity.FilterOptions{
		TopK:     opts.TopK,
		MinScore: opts.MinScore,
		Type:     opts.Type,
	})
	if err != nil {
		return nil, apperror.From(err)
	}
	return out, nil
}
