package lineage

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/CanopyHQ/xylem/internal/apperror"
)

// NodeType is the kind of record a graph node carries.
type NodeType string

const (
	NodeResource NodeType = "resource"
	NodeAction   NodeType = "action"
	NodeEntity   NodeType = "entity"
)

// EdgeType labels a graph edge.
type EdgeType string

const (
	EdgeProduces    EdgeType = "produces"    // action -> resource
	EdgeConsumes    EdgeType = "consumes"    // input resource -> action
	EdgeTool        EdgeType = "tool"        // tool resource -> action
	EdgePerformedBy EdgeType = "performedBy" // entity -> action
)

// Node is one record in a provenance graph. Ids are namespaced by kind.
type Node struct {
	ID    string   `json:"id"`
	Type  NodeType `json:"type"`
	Label string   `json:"label"`
	Data  any      `json:"data"`
}

// Edge connects two nodes.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// Graph is the typed provenance of a resource.
type Graph struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	Truncated bool   `json:"truncated"`
}

func resourceNodeID(cid string) string { return "res:" + cid }
func actionNodeID(id string) string    { return "act:" + id }
func entityNodeID(id string) string    { return "ent:" + id }

type graphBuilder struct {
	nodes   []Node
	index   map[string]bool
	edges   []Edge
	edgeSet map[Edge]bool
}

func (g *graphBuilder) upsert(n Node) {
	if g.index[n.ID] {
		return
	}
	g.index[n.ID] = true
	g.nodes = append(g.nodes, n)
}

func (g *graphBuilder) link(from, to string, t EdgeType) {
	e := Edge{From: from, To: to, Type: t}
	if g.edgeSet[e] {
		return
	}
	g.edgeSet[e] = true
	g.edges = append(g.edges, e)
}

type queued struct {
	cid   string
	depth int
}

// BuildProvenanceGraph walks upstream from rootCID tracking depth per node:
// a node's inputs sit one level below it, and nodes deeper than maxDepth are
// not expanded. Edges whose far end was never reached are omitted.
func (w *Walker) BuildProvenanceGraph(ctx context.Context, rootCID string, maxDepth int) (Graph, error) {
	ctx, span := tracer.Start(ctx, "lineage.BuildProvenanceGraph")
	defer span.End()
	span.SetAttributes(attrRoot.String(rootCID), attribute.Int("xylem.max_depth", maxDepth))

	if err := w.requireRoot(ctx, rootCID); err != nil {
		return Graph{}, err
	}

	g := &graphBuilder{index: map[string]bool{}, edgeSet: map[Edge]bool{}}
	seen := map[string]bool{}
	truncated := false
	queue := []queued{{cid: rootCID}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if seen[item.cid] {
			continue
		}
		if item.depth > maxDepth {
			if !truncated {
				lost, err := w.anyStored(ctx, []string{item.cid}, seen)
				if err != nil {
					if interrupted(ctx, err) {
						truncated = true
						break
					}
					return Graph{}, apperror.From(err)
				}
				truncated = lost
			}
			continue
		}
		seen[item.cid] = true

		res, err := w.store.GetResource(ctx, item.cid)
		if err != nil {
			if interrupted(ctx, err) {
				truncated = true
				break
			}
			if isNotFound(err) {
				continue
			}
			return Graph{}, apperror.From(err)
		}
		resID := resourceNodeID(res.CID)
		g.upsert(Node{ID: resID, Type: NodeResource, Label: shorten(res.CID, 8), Data: res.Stripped()})

		acts, err := w.store.ActionsProducing(ctx, item.cid)
		if err != nil {
			if interrupted(ctx, err) {
				truncated = true
				break
			}
			return Graph{}, apperror.From(err)
		}
		for _, a := range acts {
			actID := actionNodeID(a.ID)
			g.upsert(Node{ID: actID, Type: NodeAction, Label: string(a.Type), Data: a})
			g.link(actID, resID, EdgeProduces)

			entID := entityNodeID(a.PerformedBy)
			if !g.index[entID] {
				node, err := w.entityNode(ctx, a.PerformedBy)
				if err != nil {
					if interrupted(ctx, err) {
						truncated = true
						break
					}
					return Graph{}, apperror.From(err)
				}
				g.upsert(node)
			}
			g.link(entID, actID, EdgePerformedBy)

			for _, in := range a.InputCIDs {
				g.link(resourceNodeID(in), actID, EdgeConsumes)
				queue = append(queue, queued{cid: in, depth: item.depth + 1})
			}
			if a.ToolUsed != "" {
				g.link(resourceNodeID(a.ToolUsed), actID, EdgeTool)
				queue = append(queue, queued{cid: a.ToolUsed, depth: item.depth + 1})
			}
		}
		if truncated {
			break
		}
	}

	out := Graph{Nodes: g.nodes, Edges: make([]Edge, 0, len(g.edges)), Truncated: truncated}
	if out.Nodes == nil {
		out.Nodes = []Node{}
	}
	for _, e := range g.edges {
		if g.index[e.From] && g.index[e.To] {
			out.Edges = append(out.Edges, e)
		}
	}

	span.SetAttributes(attribute.Int("xylem.nodes", len(out.Nodes)), attribute.Bool("xylem.truncated", truncated))
	w.metrics.ObserveLineage("graph", len(out.Nodes))
	return out, nil
}

func (w *Walker) entityNode(ctx context.Context, id string) (Node, error) {
	node := Node{ID: entityNodeID(id), Type: NodeEntity}
	ent, err := w.store.GetEntity(ctx, id)
	if isNotFound(err) {
		node.Label = shorten(id, 6)
		node.Data = map[string]any{"entityId": id}
		return node, nil
	}
	if err != nil {
		return Node{}, err
	}
	node.Label = ent.Name
	if node.Label == "" {
		node.Label = shorten(id, 6)
	}
	node.Data = ent
	return node, nil
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
