package cmd

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/xylem/internal/lineage"
	"github.com/CanopyHQ/xylem/internal/search"
)

// derivedPair registers a source and a resource remixed from it.
func derivedPair(t *testing.T) (source, derived string) {
	t.Helper()
	dir := t.TempDir()
	source = ingestFile(t, dir, "source.txt", "the original field recording transcript", ingestOptions{name: "Ada", noGit: true})
	derived = ingestFile(t, dir, "derived.txt", "a condensed summary written by an assistant, with headings", ingestOptions{
		role:   "ai",
		name:   "summarizer",
		action: "remix",
		inputs: []string{source},
		noGit:  true,
	})
	return source, derived
}

func TestRunProvenance(t *testing.T) {
	useDataDir(t)
	source, derived := derivedPair(t)
	ctx := context.Background()

	out, err := captureStdout(func() {
		require.NoError(t, runProvenance(ctx, "", derived, lineage.DefaultDepth, false))
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Resources (2)")
	assert.Contains(t, out, source)
	assert.Contains(t, out, "summarizer (ai)")
	assert.Contains(t, out, "from "+source)
	assert.NotContains(t, out, "Truncated")

	out, err = captureStdout(func() {
		require.NoError(t, runProvenance(ctx, "", derived, 1, true))
	})
	require.NoError(t, err)
	var b lineage.Bundle
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Len(t, b.Resources, 1)
	assert.True(t, b.Truncated)
}

func TestRunProvenance_NotFound(t *testing.T) {
	useDataDir(t)
	err := runProvenance(context.Background(), "", "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku", 3, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFound")
}

func TestRunGraph(t *testing.T) {
	useDataDir(t)
	source, derived := derivedPair(t)
	ctx := context.Background()

	out, err := captureStdout(func() {
		require.NoError(t, runGraph(ctx, "", derived, lineage.DefaultDepth, "json"))
	})
	require.NoError(t, err)
	var g lineage.Graph
	require.NoError(t, json.Unmarshal([]byte(out), &g))
	ids := map[string]bool{}
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}
	assert.True(t, ids["res:"+source])
	assert.True(t, ids["res:"+derived])

	out, err = captureStdout(func() {
		require.NoError(t, runGraph(ctx, "", derived, lineage.DefaultDepth, "dot"))
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph provenance {"))
	assert.Contains(t, out, `"res:`+source+`" -> "act:`)
	assert.Contains(t, out, "shape=house")

	assert.Error(t, runGraph(ctx, "", derived, 1, "svg"))
}

func TestRunSimilarAndSearch(t *testing.T) {
	useDataDir(t)
	_, derived := derivedPair(t)
	ctx := context.Background()

	out, err := captureStdout(func() {
		require.NoError(t, runSimilar(ctx, "", derived, 3))
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Verdict:")
	assert.Contains(t, out, derived)

	out, err = captureStdout(func() {
		require.NoError(t, runSearch(ctx, "", "the original field recording transcript", search.Options{TopK: 1}))
	})
	require.NoError(t, err)
	assert.Contains(t, out, " 1. ")

	out, err = captureStdout(func() {
		require.NoError(t, runSearch(ctx, "", "anything", search.Options{MinScore: 1.01}))
	})
	require.NoError(t, err)
	assert.Contains(t, out, "No matches.")
}
