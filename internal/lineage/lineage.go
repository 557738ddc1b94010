// Package lineage reconstructs the upstream history of a resource, either as
// a flat bundle or as a typed graph.
package lineage

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/observability"
	"github.com/CanopyHQ/xylem/internal/store"
)

// DefaultDepth is the walk budget used when the caller gives none.
const DefaultDepth = 10

// Context identifies the bundle vocabulary.
const Context = "https://replayprotocol.org/context/v1"

var tracer = otel.Tracer("github.com/CanopyHQ/xylem/internal/lineage")

// Walker runs lineage queries. It never writes.
type Walker struct {
	store   *store.Store
	metrics *observability.Metrics
}

// New returns a walker over s. metrics may be nil.
func New(s *store.Store, metrics *observability.Metrics) *Walker {
	return &Walker{store: s, metrics: metrics}
}

func (w *Walker) requireRoot(ctx context.Context, cid string) error {
	ok, err := w.store.ResourceExists(ctx, cid)
	if err != nil {
		return apperror.From(err)
	}
	if !ok {
		return apperror.NotFoundf("resource %s not found", cid).
			WithDetails(map[string]any{"cid": cid})
	}
	return nil
}

// anyStored reports whether one of the unvisited cids left behind by a walk
// names a stored resource. Orphan references lose no lineage when dropped.
func (w *Walker) anyStored(ctx context.Context, cids []string, seen map[string]bool) (bool, error) {
	for _, cid := range cids {
		if seen[cid] {
			continue
		}
		ok, err := w.store.ResourceExists(ctx, cid)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// interrupted reports whether err came from the caller's context ending.
// Such walks return what they gathered, flagged as truncated.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

var attrRoot = attribute.Key("xylem.root_cid")
