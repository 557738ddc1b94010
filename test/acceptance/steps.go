package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sort"
	"strings"

	"github.com/cucumber/godog"
	"github.com/gin-gonic/gin"

	"github.com/CanopyHQ/xylem/internal/api"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/engine"
)

// TestContext holds state between steps
type TestContext struct {
	dataDir string
	engine  *engine.Engine
	server  *httptest.Server

	lastStatus int
	lastBody   map[string]any

	// labels maps scenario names to cids and entity ids.
	labels    map[string]string
	sessionID string
	graph     map[string]any
	bundle    map[string]any
}

func (tc *TestContext) reset(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
	*tc = TestContext{labels: map[string]string{}}
	return ctx, nil
}

func (tc *TestContext) teardown(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
	if tc.server != nil {
		tc.server.Close()
	}
	if tc.engine != nil {
		tc.engine.Close()
	}
	if tc.dataDir != "" {
		os.RemoveAll(tc.dataDir)
	}
	return ctx, err
}

// runningServer opens an engine on a scratch data directory and serves the
// HTTP API in-process.
func (tc *TestContext) runningServer() error {
	dir, err := os.MkdirTemp("", "xylem-acceptance-*")
	if err != nil {
		return err
	}
	tc.dataDir = dir

	cfg := config.Default(dir)
	cfg.Embeddings.Dimensions = 128
	cfg.Content.Backend = "memory"
	e, err := engine.Open(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	tc.engine = e

	gin.SetMode(gin.TestMode)
	s := api.New(api.Deps{
		Pipeline: e.Pipeline,
		Lineage:  e.Lineage,
		Search:   e.Search,
		Sessions: e.Sessions,
		Metrics:  e.Metrics,
	}, cfg.Server)
	tc.server = httptest.NewServer(s.Handler())
	return nil
}

func (tc *TestContext) do(method, path, contentType string, body io.Reader) error {
	req, err := http.NewRequest(method, tc.server.URL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	tc.lastStatus = resp.StatusCode
	tc.lastBody = nil
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &tc.lastBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (tc *TestContext) postJSON(path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return tc.do(http.MethodPost, path, "application/json", bytes.NewReader(raw))
}

// payload turns a step's content into upload bytes. Images are deterministic
// noise seeded by the name so distinct names never look alike.
func payload(kind, content string) ([]byte, string) {
	if kind == "text" {
		return []byte(content), "text/plain; charset=utf-8"
	}
	h := fnv.New64a()
	h.Write([]byte(content))
	data := make([]byte, 4096)
	rand.New(rand.NewSource(int64(h.Sum64()))).Read(data)
	return append([]byte("\x89PNG\r\n\x1a\n"), data...), "image/png"
}

func (tc *TestContext) uploadDescriptor(kind, content string, descriptor map[string]any) error {
	data, mime := payload(kind, content)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="upload"`)
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return err
	}
	if err := w.WriteField("json", string(raw)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return tc.do(http.MethodPost, "/activity", w.FormDataContentType(), &buf)
}

func (tc *TestContext) remember(label string) error {
	if tc.lastStatus != http.StatusCreated {
		return fmt.Errorf("upload of %q failed with %d: %v", label, tc.lastStatus, tc.lastBody)
	}
	cid, _ := tc.lastBody["cid"].(string)
	if cid == "" {
		return fmt.Errorf("upload of %q returned no cid: %v", label, tc.lastBody)
	}
	tc.labels[label] = cid
	return nil
}

func (tc *TestContext) upload(role, name, kind, content, label string) error {
	err := tc.uploadDescriptor(kind, content, map[string]any{
		"entity": map[string]any{"role": role, "name": name},
		"action": map[string]any{"type": "create"},
	})
	if err != nil {
		return err
	}
	return tc.remember(label)
}

func (tc *TestContext) remix(role, name, source, content, label string) error {
	cid, err := tc.lookup(source)
	if err != nil {
		return err
	}
	err = tc.uploadDescriptor("text", content, map[string]any{
		"entity": map[string]any{"role": role, "name": name},
		"action": map[string]any{"type": "remix", "inputCids": []string{cid}},
	})
	if err != nil {
		return err
	}
	return tc.remember(label)
}

func (tc *TestContext) uploadAgain(kind, content string) error {
	return tc.uploadDescriptor(kind, content, map[string]any{
		"entity": map[string]any{"role": "human", "name": "Someone Else"},
		"action": map[string]any{"type": "create"},
	})
}

func (tc *TestContext) lookup(label string) (string, error) {
	v, ok := tc.labels[label]
	if !ok {
		return "", fmt.Errorf("nothing recorded as %q", label)
	}
	return v, nil
}

func (tc *TestContext) checkStatus(want int) error {
	if tc.lastStatus != want {
		return fmt.Errorf("expected status %d, got %d: %v", want, tc.lastStatus, tc.lastBody)
	}
	return nil
}

func (tc *TestContext) errorEnvelope() (map[string]any, error) {
	e, ok := tc.lastBody["error"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("no error envelope in %v", tc.lastBody)
	}
	return e, nil
}

func (tc *TestContext) checkErrorCode(code string) error {
	e, err := tc.errorEnvelope()
	if err != nil {
		return err
	}
	if e["code"] != code {
		return fmt.Errorf("expected error code %q, got %v", code, e["code"])
	}
	return nil
}

func (tc *TestContext) checkDuplicate(label string, similarity float64) error {
	cid, err := tc.lookup(label)
	if err != nil {
		return err
	}
	e, err := tc.errorEnvelope()
	if err != nil {
		return err
	}
	details, _ := e["details"].(map[string]any)
	if details["cid"] != cid {
		return fmt.Errorf("duplicate points to %v, want %s", details["cid"], cid)
	}
	if got, _ := details["similarity"].(float64); got != similarity {
		return fmt.Errorf("duplicate similarity %v, want %v", got, similarity)
	}
	return nil
}

func (tc *TestContext) requestGraph(label string, depth int) error {
	cid, err := tc.lookup(label)
	if err != nil {
		return err
	}
	if err := tc.do(http.MethodGet, fmt.Sprintf("/graph/%s?depth=%d", cid, depth), "", nil); err != nil {
		return err
	}
	if tc.lastStatus != http.StatusOK {
		return fmt.Errorf("graph request failed with %d: %v", tc.lastStatus, tc.lastBody)
	}
	tc.graph = tc.lastBody
	return nil
}

func (tc *TestContext) graphNodeIDs() []string {
	var ids []string
	nodes, _ := tc.graph["nodes"].([]any)
	for _, n := range nodes {
		if m, ok := n.(map[string]any); ok {
			id, _ := m["id"].(string)
			ids = append(ids, id)
		}
	}
	return ids
}

func (tc *TestContext) checkGraphNodes(label string) error {
	cid, err := tc.lookup(label)
	if err != nil {
		return err
	}
	ids := tc.graphNodeIDs()
	if len(ids) != 3 {
		return fmt.Errorf("expected 3 nodes, got %v", ids)
	}
	counts := map[string]int{}
	for _, id := range ids {
		kind, _, _ := strings.Cut(id, ":")
		counts[kind]++
	}
	if counts["res"] != 1 || counts["act"] != 1 || counts["ent"] != 1 {
		return fmt.Errorf("expected one node of each kind, got %v", ids)
	}
	for _, id := range ids {
		if id == "res:"+cid {
			return nil
		}
	}
	return fmt.Errorf("no node for res:%s in %v", cid, ids)
}

// checkGraphEdges compares edges by node kind, e.g. "entity performedBy
// action", since action and entity ids are generated.
func (tc *TestContext) checkGraphEdges(table *godog.Table) error {
	kinds := map[string]string{"res": "resource", "act": "action", "ent": "entity"}
	kindOf := func(id string) string {
		prefix, _, _ := strings.Cut(id, ":")
		return kinds[prefix]
	}

	var got []string
	edges, _ := tc.graph["edges"].([]any)
	for _, e := range edges {
		m, _ := e.(map[string]any)
		from, _ := m["from"].(string)
		to, _ := m["to"].(string)
		typ, _ := m["type"].(string)
		got = append(got, fmt.Sprintf("%s %s %s", kindOf(from), typ, kindOf(to)))
	}

	var want []string
	for i, row := range table.Rows {
		if i == 0 {
			continue // header
		}
		if len(row.Cells) != 3 {
			return fmt.Errorf("edge rows need from, type and to")
		}
		want = append(want, fmt.Sprintf("%s %s %s", row.Cells[0].Value, row.Cells[1].Value, row.Cells[2].Value))
	}

	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		return fmt.Errorf("edges mismatch:\n got: %v\nwant: %v", got, want)
	}
	return nil
}

func (tc *TestContext) requestProvenance(label string, depth int) error {
	cid, err := tc.lookup(label)
	if err != nil {
		return err
	}
	if err := tc.do(http.MethodGet, fmt.Sprintf("/provenance/%s?depth=%d", cid, depth), "", nil); err != nil {
		return err
	}
	if tc.lastStatus != http.StatusOK {
		return fmt.Errorf("provenance request failed with %d: %v", tc.lastStatus, tc.lastBody)
	}
	tc.bundle = tc.lastBody
	return nil
}

func (tc *TestContext) bundleList(key string) []map[string]any {
	var out []map[string]any
	items, _ := tc.bundle[key].([]any)
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (tc *TestContext) checkBundleResources(labels string) error {
	var want []string
	for _, l := range strings.Split(labels, ",") {
		cid, err := tc.lookup(strings.TrimSpace(l))
		if err != nil {
			return err
		}
		want = append(want, cid)
	}
	var got []string
	for _, r := range tc.bundleList("resources") {
		cid, _ := r["cid"].(string)
		got = append(got, cid)
		if _, ok := r["embedding"]; ok {
			return fmt.Errorf("resource %s carries its embedding", cid)
		}
	}
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("bundle resources %v, want %v", got, want)
	}
	return nil
}

func (tc *TestContext) checkBundleActions(n int) error {
	if got := len(tc.bundleList("actions")); got != n {
		return fmt.Errorf("bundle has %d actions, want %d", got, n)
	}
	return nil
}

func (tc *TestContext) checkBundleAttribution(role, label string) error {
	cid, err := tc.lookup(label)
	if err != nil {
		return err
	}
	attrs := tc.bundleList("attributions")
	if len(attrs) != 1 {
		return fmt.Errorf("expected one attribution, got %v", attrs)
	}
	if attrs[0]["role"] != role || attrs[0]["resourceCid"] != cid {
		return fmt.Errorf("attribution %v is not a %s attribution of %s", attrs[0], role, cid)
	}
	return nil
}

func (tc *TestContext) checkNoAttributions() error {
	if attrs := tc.bundleList("attributions"); len(attrs) != 0 {
		return fmt.Errorf("expected no attributions, got %v", attrs)
	}
	return nil
}

func (tc *TestContext) registerEntity(role, name string) error {
	if err := tc.postJSON("/entity", map[string]any{"role": role, "name": name}); err != nil {
		return err
	}
	if tc.lastStatus != http.StatusCreated {
		return fmt.Errorf("entity registration failed with %d: %v", tc.lastStatus, tc.lastBody)
	}
	id, _ := tc.lastBody["id"].(string)
	tc.labels[name] = id
	return nil
}

func (tc *TestContext) openSession(title string) error {
	if err := tc.postJSON("/session", map[string]any{"title": title}); err != nil {
		return err
	}
	if tc.lastStatus != http.StatusCreated {
		return fmt.Errorf("session creation failed with %d: %v", tc.lastStatus, tc.lastBody)
	}
	tc.sessionID, _ = tc.lastBody["id"].(string)
	return nil
}

func (tc *TestContext) addMessage(entity, text string) error {
	id, err := tc.lookup(entity)
	if err != nil {
		return err
	}
	return tc.postJSON("/session/"+tc.sessionID+"/message", map[string]any{
		"entityId": id,
		"content":  map[string]any{"role": "user", "text": text},
	})
}

func (tc *TestContext) closeSession() error {
	if err := tc.do(http.MethodPost, "/session/"+tc.sessionID+"/close", "", nil); err != nil {
		return err
	}
	return tc.checkStatus(http.StatusOK)
}

func (tc *TestContext) checkOnlyMessage(text string) error {
	if err := tc.do(http.MethodGet, "/session/"+tc.sessionID, "", nil); err != nil {
		return err
	}
	if err := tc.checkStatus(http.StatusOK); err != nil {
		return err
	}
	msgs, _ := tc.lastBody["messages"].([]any)
	if len(msgs) != 1 {
		return fmt.Errorf("expected one message, got %v", msgs)
	}
	m, _ := msgs[0].(map[string]any)
	content, _ := m["content"].(map[string]any)
	if content["text"] != text {
		return fmt.Errorf("message text %v, want %q", content["text"], text)
	}
	return nil
}
