package cmd

import (
	"context"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/xylem/internal/api"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/engine"
	"github.com/CanopyHQ/xylem/internal/git"
)

// ingestFile writes content to a temp file, ingests it and returns the cid
// parsed from the receipt.
func ingestFile(t *testing.T, dir, name, content string, opts ingestOptions) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	if opts.role == "" {
		opts.role = "human"
	}
	if opts.action == "" {
		opts.action = "create"
	}
	out, err := captureStdout(func() {
		require.NoError(t, runIngest(context.Background(), path, opts))
	})
	require.NoError(t, err)
	return receiptCID(t, out)
}

func receiptCID(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if cid, ok := strings.CutPrefix(strings.TrimSpace(line), "CID:"); ok {
			return strings.TrimSpace(cid)
		}
	}
	t.Fatalf("no CID in output: %q", out)
	return ""
}

func TestExecute_Ingest(t *testing.T) {
	useDataDir(t)
	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("field notes from the river survey"), 0o644))

	defer setArgs("xylem", "ingest", file)()
	out, err := captureStdout(func() {
		require.NoError(t, Execute())
	})
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Registered.")
	assert.True(t, strings.HasPrefix(receiptCID(t, out), "bafkrei"))
}

func TestRunIngest_Duplicate(t *testing.T) {
	useDataDir(t)
	dir := t.TempDir()
	cid := ingestFile(t, dir, "a.txt", "identical bytes", ingestOptions{noGit: true})

	path := filepath.Join(dir, "a.txt")
	out, err := captureStdout(func() {
		require.NoError(t, runIngest(context.Background(), path, ingestOptions{role: "human", action: "create", noGit: true}))
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Already registered as "+cid)
}

func TestRunIngest_ValidationError(t *testing.T) {
	useDataDir(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	err := runIngest(context.Background(), path, ingestOptions{role: "robot", action: "create", noGit: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ValidationError")
}

func TestRunIngest_MissingFile(t *testing.T) {
	useDataDir(t)
	err := runIngest(context.Background(), filepath.Join(t.TempDir(), "nope.txt"), ingestOptions{role: "human", action: "create"})
	assert.Error(t, err)
}

func TestRunIngest_GitExtension(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	useDataDir(t)
	repo := t.TempDir()
	gitRun := func(args ...string) {
		t.Helper()
		c := exec.Command("git", append([]string{"-C", repo}, args...)...)
		c.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := c.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	gitRun("init", "-q")
	gitRun("remote", "add", "origin", "git@github.com:CanopyHQ/site.git")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# site\n"), 0o644))
	gitRun("add", ".")
	gitRun("commit", "-q", "-m", "init")

	cid := ingestFile(t, repo, "post.md", "a blog post drafted in the repo", ingestOptions{})

	cfg, err := config.Load()
	require.NoError(t, err)
	e, err := engine.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer e.Close()

	b, err := e.Lineage.BuildProvenance(context.Background(), cid, 1)
	require.NoError(t, err)
	require.Len(t, b.Actions, 1)
	ext, ok := b.Actions[0].Extensions[git.ExtensionKey].(map[string]any)
	require.True(t, ok, "missing %s extension: %v", git.ExtensionKey, b.Actions[0].Extensions)
	assert.Equal(t, "github.com/CanopyHQ/site", ext["repo"])
	assert.Equal(t, "post.md", ext["path"])
	assert.Len(t, ext["commit"], 40)
}

func TestRunIngest_Server(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Embeddings.Dimensions = 64
	cfg.Content.Backend = "memory"
	e, err := engine.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer e.Close()
	ts := httptest.NewServer(api.New(api.Deps{
		Pipeline: e.Pipeline,
		Lineage:  e.Lineage,
		Search:   e.Search,
		Sessions: e.Sessions,
		Metrics:  e.Metrics,
	}, cfg.Server).Handler())
	defer ts.Close()

	dir := t.TempDir()
	cid := ingestFile(t, dir, "remote.txt", "sent over http", ingestOptions{server: ts.URL, noGit: true})

	counts, err := e.Store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["resource"])

	out, err := captureStdout(func() {
		require.NoError(t, runIngest(context.Background(), filepath.Join(dir, "remote.txt"),
			ingestOptions{role: "human", action: "create", server: ts.URL, noGit: true}))
	})
	require.NoError(t, err)
	assert.Contains(t, out, cid)
	assert.Contains(t, out, "Already registered")
}

func TestDetectMime(t *testing.T) {
	assert.Equal(t, "image/png", detectMime("logo.png", nil))
	assert.Contains(t, detectMime("noext", []byte("plain words")), "text/plain")
}
