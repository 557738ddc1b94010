package lineage

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/model"
)

// Bundle is the flat provenance of a resource.
type Bundle struct {
	Context      string              `json:"context"`
	Entities     []model.Entity      `json:"entities"`
	Resources    []model.Resource    `json:"resources"`
	Actions      []model.Action      `json:"actions"`
	Attributions []model.Attribution `json:"attributions"`
	// Truncated is set when the walk stopped with stored upstream resources
	// left unvisited, or the context ended. Dangling input references do not
	// count.
	Truncated bool `json:"truncated"`
}

// BuildProvenance walks upstream from rootCID breadth-first with one shared
// hop budget: every dequeue spends one hop, across all branches. Unknown
// cids are skipped. Attributions are collected for the root only.
func (w *Walker) BuildProvenance(ctx context.Context, rootCID string, maxDepth int) (Bundle, error) {
	ctx, span := tracer.Start(ctx, "lineage.BuildProvenance")
	defer span.End()
	span.SetAttributes(attrRoot.String(rootCID), attribute.Int("xylem.max_depth", maxDepth))

	if err := w.requireRoot(ctx, rootCID); err != nil {
		return Bundle{}, err
	}

	b := Bundle{
		Context:      Context,
		Entities:     []model.Entity{},
		Resources:    []model.Resource{},
		Actions:      []model.Action{},
		Attributions: []model.Attribution{},
	}
	queue := []string{rootCID}
	seen := map[string]bool{}
	seenActions := map[string]bool{}
	var entityIDs []string
	seenEntities := map[string]bool{}
	addEntity := func(id string) {
		if id != "" && !seenEntities[id] {
			seenEntities[id] = true
			entityIDs = append(entityIDs, id)
		}
	}

	budget := maxDepth
	for len(queue) > 0 && budget > 0 {
		budget--
		cid := queue[0]
		queue = queue[1:]
		if seen[cid] {
			continue
		}
		seen[cid] = true

		res, err := w.store.GetResource(ctx, cid)
		if err != nil {
			if interrupted(ctx, err) {
				b.Truncated = true
				break
			}
			if isNotFound(err) {
				continue
			}
			return Bundle{}, apperror.From(err)
		}
		b.Resources = append(b.Resources, res.Stripped())
		addEntity(res.CreatedBy)

		acts, err := w.store.ActionsProducing(ctx, cid)
		if err != nil {
			if interrupted(ctx, err) {
				b.Truncated = true
				break
			}
			return Bundle{}, apperror.From(err)
		}
		for _, a := range acts {
			if !seenActions[a.ID] {
				seenActions[a.ID] = true
				b.Actions = append(b.Actions, a)
			}
			addEntity(a.PerformedBy)
			for _, in := range a.InputCIDs {
				if !seen[in] {
					queue = append(queue, in)
				}
			}
			if a.ToolUsed != "" && !seen[a.ToolUsed] {
				queue = append(queue, a.ToolUsed)
			}
		}
	}
	if !b.Truncated {
		lost, err := w.anyStored(ctx, queue, seen)
		switch {
		case err != nil && interrupted(ctx, err):
			b.Truncated = true
		case err != nil:
			return Bundle{}, apperror.From(err)
		default:
			b.Truncated = lost
		}
	}

	// The walk may have been cut short by the caller's deadline; the root's
	// attributions and the entity batch still belong in the answer.
	fctx := context.WithoutCancel(ctx)
	attrs, err := w.store.AttributionsFor(fctx, rootCID)
	if err != nil {
		return Bundle{}, apperror.From(err)
	}
	for _, at := range attrs {
		b.Attributions = append(b.Attributions, at)
		addEntity(at.EntityID)
	}
	ents, err := w.store.GetEntities(fctx, entityIDs)
	if err != nil {
		return Bundle{}, apperror.From(err)
	}
	if ents != nil {
		b.Entities = ents
	}

	span.SetAttributes(
		attribute.Int("xylem.resources", len(b.Resources)),
		attribute.Bool("xylem.truncated", b.Truncated),
	)
	w.metrics.ObserveLineage("bundle", len(b.Resources)+len(b.Actions)+len(b.Entities))
	return b, nil
}
