package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/client"
	"github.com/CanopyHQ/xylem/internal/engine"
	"github.com/CanopyHQ/xylem/internal/lineage"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/search"
	"github.com/CanopyHQ/xylem/internal/similarity"
)

var provenanceCmd = &cobra.Command{
	Use:   "provenance <cid>",
	Short: "Show where a resource came from",
	Long: `Walk the lineage of a resource upstream and print the resources,
actions and entities it derives from.

Examples:
  xylem provenance bafkrei...
  xylem provenance bafkrei... --depth 3 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		asJSON, _ := cmd.Flags().GetBool("json")
		server, _ := cmd.Flags().GetString("server")
		return runProvenance(cmd.Context(), server, args[0], depth, asJSON)
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph <cid>",
	Short: "Print the provenance graph of a resource",
	Long: `Print the provenance graph of a resource as JSON or Graphviz DOT.

Examples:
  xylem graph bafkrei...
  xylem graph bafkrei... --format dot | dot -Tsvg > lineage.svg`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		format, _ := cmd.Flags().GetString("format")
		server, _ := cmd.Flags().GetString("server")
		return runGraph(cmd.Context(), server, args[0], depth, format)
	},
}

var similarCmd = &cobra.Command{
	Use:   "similar <cid>",
	Short: "Find resources similar to a registered resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top")
		server, _ := cmd.Flags().GetString("server")
		return runSimilar(cmd.Context(), server, args[0], topK)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search resources by text",
	Long: `Search registered resources by semantic similarity to a text query.

Examples:
  xylem search "release notes for 2.0"
  xylem search "logo" --type image --min 0.5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top")
		kind, _ := cmd.Flags().GetString("type")
		minScore, _ := cmd.Flags().GetFloat64("min")
		server, _ := cmd.Flags().GetString("server")
		return runSearch(cmd.Context(), server, args[0], search.Options{
			Type:     model.ResourceType(kind),
			TopK:     topK,
			MinScore: minScore,
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{provenanceCmd, graphCmd} {
		c.Flags().Int("depth", lineage.DefaultDepth, "Maximum number of hops to walk")
	}
	provenanceCmd.Flags().Bool("json", false, "Print the bundle as JSON")
	graphCmd.Flags().String("format", "json", "Output format: json or dot")
	similarCmd.Flags().Int("top", search.DefaultTopK, "Maximum number of matches")
	searchCmd.Flags().Int("top", search.DefaultTopK, "Maximum number of matches")
	searchCmd.Flags().String("type", "", "Restrict to a resource type")
	searchCmd.Flags().Float64("min", 0, "Minimum similarity in [0,1]")
	for _, c := range []*cobra.Command{provenanceCmd, graphCmd, similarCmd, searchCmd} {
		c.Flags().String("server", "", "Query a running xylem API at this base URL")
	}
}

// withEngine opens the local engine for the duration of fn.
func withEngine(ctx context.Context, fn func(e *engine.Engine) error) error {
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runProvenance(ctx context.Context, server, cid string, depth int, asJSON bool) error {
	var b lineage.Bundle
	var err error
	if server != "" {
		b, err = client.New(server).Provenance(ctx, cid, depth)
	} else {
		err = withEngine(ctx, func(e *engine.Engine) error {
			b, err = e.Lineage.BuildProvenance(ctx, cid, depth)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("provenance failed: %w", err)
	}
	if asJSON {
		return printJSON(b)
	}

	names := map[string]string{}
	for _, ent := range b.Entities {
		names[ent.ID] = entityLabel(ent)
	}
	fmt.Printf("🌱 Provenance of %s\n\n", cid)
	fmt.Printf("Resources (%d):\n", len(b.Resources))
	for _, r := range b.Resources {
		fmt.Printf("  %s  %-6s %8d B  by %s\n", r.CID, r.Type, r.Size, names[r.CreatedBy])
	}
	fmt.Printf("\nActions (%d):\n", len(b.Actions))
	for _, a := range b.Actions {
		fmt.Printf("  %s  %-9s by %s", a.Timestamp.Format("2006-01-02 15:04"), a.Type, names[a.PerformedBy])
		if len(a.InputCIDs) > 0 {
			fmt.Printf("  from %s", strings.Join(a.InputCIDs, ", "))
		}
		fmt.Println()
	}
	if len(b.Attributions) > 0 {
		fmt.Printf("\nAttributions (%d):\n", len(b.Attributions))
		for _, at := range b.Attributions {
			fmt.Printf("  %-15s %s\n", at.Role, names[at.EntityID])
		}
	}
	if b.Truncated {
		fmt.Printf("\n⚠️  Truncated at depth %d; rerun with a larger --depth for the full lineage.\n", depth)
	}
	return nil
}

func entityLabel(e model.Entity) string {
	if e.Name != "" {
		return fmt.Sprintf("%s (%s)", e.Name, e.Role)
	}
	return fmt.Sprintf("%s (%s)", e.ID, e.Role)
}

func runGraph(ctx context.Context, server, cid string, depth int, format string) error {
	if format != "json" && format != "dot" {
		return fmt.Errorf("unknown format: %s (supported: json, dot)", format)
	}
	var g lineage.Graph
	var err error
	if server != "" {
		g, err = client.New(server).Graph(ctx, cid, depth)
	} else {
		err = withEngine(ctx, func(e *engine.Engine) error {
			g, err = e.Lineage.BuildProvenanceGraph(ctx, cid, depth)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("graph failed: %w", err)
	}
	if format == "json" {
		return printJSON(g)
	}
	fmt.Print(toDOT(g))
	return nil
}

var dotShapes = map[lineage.NodeType]string{
	lineage.NodeResource: "box",
	lineage.NodeAction:   "ellipse",
	lineage.NodeEntity:   "house",
}

func toDOT(g lineage.Graph) string {
	var sb strings.Builder
	sb.WriteString("digraph provenance {\n  rankdir=LR;\n")
	for _, n := range g.Nodes {
		fmt.Fprintf(&sb, "  %q [label=%q, shape=%s];\n", n.ID, n.Label, dotShapes[n.Type])
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&sb, "  %q -> %q [label=%q];\n", e.From, e.To, e.Type)
	}
	sb.WriteString("}\n")
	return sb.String()
}

func runSimilar(ctx context.Context, server, cid string, topK int) error {
	var res similarity.Result
	var err error
	if server != "" {
		res, err = client.New(server).Similar(ctx, cid, topK)
	} else {
		err = withEngine(ctx, func(e *engine.Engine) error {
			res, err = e.Search.Similar(ctx, cid, topK)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("similar failed: %w", err)
	}
	fmt.Printf("Verdict: %s\n", res.Verdict)
	printMatches(res.Matches)
	return nil
}

func runSearch(ctx context.Context, server, text string, opts search.Options) error {
	var matches []similarity.Match
	var err error
	if server != "" {
		matches, err = client.New(server).SearchText(ctx, text, opts)
	} else {
		err = withEngine(ctx, func(e *engine.Engine) error {
			matches, err = e.Search.SearchText(ctx, text, opts)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	printMatches(matches)
	return nil
}

func printMatches(matches []similarity.Match) {
	if len(matches) == 0 {
		fmt.Println("No matches.")
		return
	}
	for i, m := range matches {
		fmt.Printf("%2d. %.3f  %-6s %s\n", i+1, m.Score, m.Type, m.CID)
	}
}
