// Package ingest registers uploaded content: it pins the bytes, rejects
// exact and near duplicates, and records the entity, action, resource and
// attributions in one transaction.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/cas"
	"github.com/CanopyHQ/xylem/internal/embed"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/observability"
	"github.com/CanopyHQ/xylem/internal/session"
	"github.com/CanopyHQ/xylem/internal/similarity"
	"github.com/CanopyHQ/xylem/internal/store"
)

// DefaultNearDuplicate is the similarity at which an upload is rejected as a
// near copy of an existing resource of the same type.
const DefaultNearDuplicate = 0.95

var tracer = otel.Tracer("github.com/CanopyHQ/xylem/internal/ingest")

// Payload is the uploaded content.
type Payload struct {
	Data     []byte
	Mime     string
	Filename string
}

// Receipt identifies what an ingestion created.
type Receipt struct {
	CID      string `json:"cid"`
	ActionID string `json:"actionId"`
	EntityID string `json:"entityId"`
}

// Options tunes a Pipeline.
type Options struct {
	NearDuplicate float64
	Metrics       *observability.Metrics
}

// Pipeline runs ingestions. Safe for concurrent use.
type Pipeline struct {
	store    *store.Store
	content  cas.Store
	embedder embed.Provider
	matcher  *similarity.Matcher
	nearDup  float64
	metrics  *observability.Metrics

	now   func() time.Time
	newID func() string
}

// New returns a pipeline over its collaborators.
func New(s *store.Store, content cas.Store, embedder embed.Provider, opts Options) *Pipeline {
	if opts.NearDuplicate <= 0 {
		opts.NearDuplicate = DefaultNearDuplicate
	}
	return &Pipeline{
		store:    s,
		content:  content,
		embedder: embedder,
		matcher:  similarity.New(s),
		nearDup:  opts.NearDuplicate,
		metrics:  opts.Metrics,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Ingest registers payload as a new resource produced by the described
// action. Steps run strictly in order: validate, resolve kind, check the
// session, pin, exact-duplicate check, embed, near-duplicate check, commit.
// Nothing is written unless every step before the commit succeeds.
func (p *Pipeline) Ingest(ctx context.Context, payload Payload, d Descriptor) (rec Receipt, err error) {
	ctx, span := tracer.Start(ctx, "ingest.Ingest")
	start := p.now()
	defer func() {
		outcome := "ok"
		if err != nil {
			ae := apperror.From(err)
			outcome = string(ae.Code)
			span.SetStatus(codes.Error, ae.Message)
		}
		p.metrics.ObserveIngest(outcome, time.Since(start))
		span.End()
	}()

	if len(payload.Data) == 0 {
		return Receipt{}, apperror.Missing("file").WithRecovery("Attach the content as the `file` part")
	}
	if err := d.Validate(); err != nil {
		return Receipt{}, err
	}

	kind, err := resolveKind(d.ResourceType, payload.Mime)
	if err != nil {
		return Receipt{}, err
	}
	span.SetAttributes(attribute.String("xylem.kind", string(kind)))

	if d.SessionID != "" {
		if err := session.RequireOpen(ctx, p.store.Queries, d.SessionID); err != nil {
			return Receipt{}, apperror.From(err)
		}
	}

	pinned, err := p.pin(ctx, payload)
	if err != nil {
		return Receipt{}, err
	}
	span.SetAttributes(attribute.String("xylem.cid", pinned.CID))

	exists, err := p.store.ResourceExists(ctx, pinned.CID)
	if err != nil {
		return Receipt{}, apperror.From(err)
	}
	if exists {
		p.metrics.CountDuplicate("exact")
		return Receipt{}, apperror.DuplicateOf(pinned.CID, 1)
	}

	vec, err := p.embed(ctx, kind, payload)
	if err != nil {
		return Receipt{}, err
	}
	if vec != nil {
		match, found, err := p.matcher.MatchTop1(ctx, vec, p.nearDup, kind)
		if err != nil {
			return Receipt{}, apperror.From(err)
		}
		if found {
			p.metrics.CountDuplicate("near")
			return Receipt{}, apperror.DuplicateOf(match.CID, match.Score)
		}
	}

	return p.commit(ctx, d, kind, pinned, vec)
}

func resolveKind(override, mime string) (model.ResourceType, error) {
	if override != "" {
		return model.ResourceType(override), nil
	}
	if kind, ok := model.KindFromMime(mime); ok {
		return kind, nil
	}
	return "", apperror.New(apperror.Unsupported, "cannot infer resource type from mime %q", mime).
		WithRecovery("Set resourceType explicitly or upload a supported media type").
		WithDetails(map[string]any{"mime": mime})
}

func (p *Pipeline) pin(ctx context.Context, payload Payload) (cas.PinResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.pin")
	defer span.End()
	res, err := p.content.Pin(ctx, payload.Data, payload.Filename, payload.Mime)
	if err != nil {
		span.RecordError(err)
		return cas.PinResult{}, apperror.Wrap(apperror.Internal, err, "failed to pin content")
	}
	return res, nil
}

// embed returns nil without error when the kind has no modality to embed;
// such resources skip the near-duplicate check.
func (p *Pipeline) embed(ctx context.Context, kind model.ResourceType, payload Payload) ([]float32, error) {
	modality, ok := embed.ModalityFor(kind, payload.Mime)
	if !ok {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "ingest.embed")
	defer span.End()
	span.SetAttributes(attribute.String("xylem.modality", string(modality)))

	vec, err := p.embedder.Encode(ctx, modality, payload.Data)
	if err != nil {
		span.RecordError(err)
		return nil, apperror.Wrap(apperror.EmbeddingFailed, err, "failed to embed %s content", modality).
			WithRecovery("Retry later; the embedding provider may be unavailable")
	}
	if embed.IsZero(vec) {
		// Nothing to rank against; stored without an embedding.
		return nil, nil
	}
	return vec, nil
}

func (p *Pipeline) commit(ctx context.Context, d Descriptor, kind model.ResourceType, pinned cas.PinResult, vec []float32) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "ingest.commit")
	defer span.End()

	now := p.now()
	entityID := d.Entity.ID
	if entityID == "" {
		entityID = p.newID()
	}
	act := model.Action{
		ID:          p.newID(),
		Type:        model.ActionType(d.Action.Type),
		PerformedBy: entityID,
		Timestamp:   now,
		InputCIDs:   append([]string{}, d.Action.InputCIDs...),
		OutputCIDs:  []string{pinned.CID},
		ToolUsed:    d.Action.ToolCID,
		Proof:       d.Action.Proof,
		Extensions:  d.Action.Extensions,
		SessionID:   d.SessionID,
	}
	res := model.Resource{
		CID:        pinned.CID,
		Size:       pinned.Size,
		Algorithm:  "sha256",
		Type:       kind,
		Locations:  []model.Location{p.content.Location(pinned.CID)},
		CreatedBy:  entityID,
		RootAction: act.ID,
		License:    d.License,
		Embedding:  vec,
		SessionID:  d.SessionID,
		CreatedAt:  now,
	}

	err := p.store.WithTx(ctx, func(q *store.Queries) error {
		if d.SessionID != "" {
			if err := session.RequireOpen(ctx, q, d.SessionID); err != nil {
				return err
			}
		}
		if _, err := q.InsertEntity(ctx, model.Entity{
			ID:        entityID,
			Role:      model.EntityRole(d.Entity.Role),
			Name:      d.Entity.Name,
			Wallet:    d.Entity.Wallet,
			PublicKey: d.Entity.PublicKey,
			Metadata:  d.Entity.Metadata,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := q.InsertAction(ctx, act); err != nil {
			return err
		}
		if err := q.InsertResource(ctx, res); err != nil {
			return err
		}
		for _, src := range d.Action.InputCIDs {
			if err := q.InsertAttribution(ctx, model.Attribution{
				ID:                    p.newID(),
				ResourceCID:           pinned.CID,
				EntityID:              entityID,
				Role:                  model.AttrSourceMaterial,
				IncludedInAttribution: true,
				Extensions:            model.Bag{"sourceCid": src},
			}); err != nil {
				return err
			}
		}
		if d.Action.ToolCID != "" {
			if err := q.InsertAttribution(ctx, model.Attribution{
				ID:                    p.newID(),
				ResourceCID:           pinned.CID,
				EntityID:              entityID,
				Role:                  model.AttrTool,
				IncludedInAttribution: false,
				Extensions:            model.Bag{"toolCid": d.Action.ToolCID},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		p.metrics.CountDuplicate("race")
		return Receipt{}, apperror.DuplicateOf(pinned.CID, 1)
	}
	if err != nil {
		span.RecordError(err)
		return Receipt{}, apperror.From(err)
	}
	return Receipt{CID: pinned.CID, ActionID: act.ID, EntityID: entityID}, nil
}

// RegisterEntity creates an entity with a fresh id.
func (p *Pipeline) RegisterEntity(ctx context.Context, in EntityInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	id := p.newID()
	_, err := p.store.InsertEntity(ctx, model.Entity{
		ID:        id,
		Role:      model.EntityRole(in.Role),
		Name:      in.Name,
		Wallet:    in.Wallet,
		PublicKey: in.PublicKey,
		Metadata:  in.Metadata,
		CreatedAt: p.now(),
	})
	if err != nil {
		return "", apperror.Wrap(apperror.Internal, err, "Failed to upsert entity")
	}
	return id, nil
}
