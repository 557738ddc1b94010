package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/engine"
)

// setupTestServer creates a server over an engine in a temp data directory
func setupTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default(t.TempDir())
	cfg.Embeddings.Dimensions = 64
	cfg.Content.Backend = "memory"
	e, err := engine.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	var out bytes.Buffer
	return NewServer(e, "test").WithIO(strings.NewReader(""), &out), &out
}

// call sends one request and decodes the single response line
func call(t *testing.T, s *Server, out *bytes.Buffer, method string, params interface{}) JSONRPCResponse {
	t.Helper()
	out.Reset()

	req := &JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	s.handleRequest(context.Background(), req)

	var resp JSONRPCResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response %q: %v", out.String(), err)
	}
	return resp
}

// callTool invokes a tool and decodes the JSON text content
func callTool(t *testing.T, s *Server, out *bytes.Buffer, name string, args interface{}) (map[string]interface{}, bool) {
	t.Helper()
	resp := call(t, s, out, "tools/call", map[string]interface{}{"name": name, "arguments": args})
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	isError, _ := result["isError"].(bool)
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("tool output is not JSON: %v\n%s", err, text)
	}
	return decoded, isError
}

func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("no error envelope in %v", body)
	}
	return e["code"].(string)
}

func TestHandleInitialize(t *testing.T) {
	server, out := setupTestServer(t)

	resp := call(t, server, out, "initialize", nil)
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatal("result is not a map")
	}
	if result["protocolVersion"] != ProtocolVersion {
		t.Errorf("unexpected protocol version: %v", result["protocolVersion"])
	}
	caps, ok := result["capabilities"].(map[string]interface{})
	if !ok || caps["tools"] == nil {
		t.Error("tools capability missing")
	}
	info, ok := result["serverInfo"].(map[string]interface{})
	if !ok {
		t.Fatal("serverInfo missing")
	}
	if info["name"] != "xylem-mcp" || info["version"] != "test" {
		t.Errorf("unexpected server info: %v", info)
	}
}

func TestHandleToolsList(t *testing.T) {
	server, out := setupTestServer(t)

	resp := call(t, server, out, "tools/list", nil)
	result := resp.Result.(map[string]interface{})
	list := result["tools"].([]interface{})

	names := map[string]bool{}
	for _, raw := range list {
		tl := raw.(map[string]interface{})
		names[tl["name"].(string)] = true
		schema, ok := tl["inputSchema"].(map[string]interface{})
		if !ok || schema["type"] != "object" {
			t.Errorf("tool %v has invalid schema", tl["name"])
		}
		if tl["description"] == "" {
			t.Errorf("tool %v has no description", tl["name"])
		}
	}
	for _, want := range []string{
		"ingest_text", "register_entity", "provenance_bundle", "provenance_graph",
		"similar", "search_text", "create_session", "add_session_message",
		"close_session", "get_session", "stats",
	} {
		if !names[want] {
			t.Errorf("missing tool %q", want)
		}
	}
}

func TestToolCall_IngestAndProvenance(t *testing.T) {
	server, out := setupTestServer(t)

	first, isErr := callTool(t, server, out, "ingest_text", map[string]interface{}{
		"content": "an original poem about rivers",
		"role":    "human",
		"name":    "Ada",
		"action":  "create",
	})
	if isErr {
		t.Fatalf("ingest failed: %v", first)
	}
	sourceCID := first["cid"].(string)
	if !strings.HasPrefix(sourceCID, "b") {
		t.Errorf("unexpected cid %q", sourceCID)
	}

	derived, isErr := callTool(t, server, out, "ingest_text", map[string]interface{}{
		"content":    "a translation of the poem into French, with notes on imagery and meter",
		"role":       "ai",
		"action":     "transform",
		"input_cids": []string{sourceCID},
	})
	if isErr {
		t.Fatalf("derived ingest failed: %v", derived)
	}

	bundle, isErr := callTool(t, server, out, "provenance_bundle", map[string]interface{}{"cid": derived["cid"]})
	if isErr {
		t.Fatalf("bundle failed: %v", bundle)
	}
	resources := bundle["resources"].([]interface{})
	if len(resources) != 2 {
		t.Errorf("expected 2 resources in bundle, got %d", len(resources))
	}
	if len(bundle["attributions"].([]interface{})) != 1 {
		t.Errorf("expected one source attribution, got %v", bundle["attributions"])
	}

	graph, isErr := callTool(t, server, out, "provenance_graph", map[string]interface{}{"cid": derived["cid"], "depth": 1})
	if isErr {
		t.Fatalf("graph failed: %v", graph)
	}
	if len(graph["nodes"].([]interface{})) == 0 {
		t.Error("graph has no nodes")
	}
}

func TestToolCall_IngestDuplicate(t *testing.T) {
	server, out := setupTestServer(t)
	args := map[string]interface{}{"content": "same words", "role": "human", "action": "create"}

	if _, isErr := callTool(t, server, out, "ingest_text", args); isErr {
		t.Fatal("first ingest failed")
	}
	body, isErr := callTool(t, server, out, "ingest_text", args)
	if !isErr {
		t.Fatal("expected duplicate error")
	}
	if code := errorCode(t, body); code != "Duplicate" {
		t.Errorf("expected Duplicate, got %s", code)
	}
}

func TestToolCall_MissingArguments(t *testing.T) {
	server, out := setupTestServer(t)

	tests := []struct {
		tool string
		args map[string]interface{}
		code string
	}{
		{"ingest_text", map[string]interface{}{"role": "human", "action": "create"}, "MissingField"},
		{"provenance_bundle", map[string]interface{}{}, "MissingField"},
		{"provenance_graph", map[string]interface{}{"cid": "x", "depth": -1}, "InvalidField"},
		{"similar", map[string]interface{}{}, "MissingField"},
		{"search_text", map[string]interface{}{}, "MissingField"},
		{"register_entity", map[string]interface{}{}, "MissingField"},
		{"close_session", map[string]interface{}{}, "MissingField"},
		{"get_session", map[string]interface{}{}, "MissingField"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			body, isErr := callTool(t, server, out, tt.tool, tt.args)
			if !isErr {
				t.Fatalf("expected error, got %v", body)
			}
			if code := errorCode(t, body); code != tt.code {
				t.Errorf("expected %s, got %s", tt.code, code)
			}
		})
	}
}

func TestToolCall_ProvenanceNotFound(t *testing.T) {
	server, out := setupTestServer(t)

	body, isErr := callTool(t, server, out, "provenance_bundle", map[string]interface{}{
		"cid": "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku",
	})
	if !isErr {
		t.Fatal("expected error")
	}
	if code := errorCode(t, body); code != "NotFound" {
		t.Errorf("expected NotFound, got %s", code)
	}
}

func TestToolCall_SessionLifecycle(t *testing.T) {
	server, out := setupTestServer(t)

	created, isErr := callTool(t, server, out, "create_session", map[string]interface{}{"title": "pairing"})
	if isErr {
		t.Fatalf("create failed: %v", created)
	}
	id := created["id"].(string)

	if body, isErr := callTool(t, server, out, "add_session_message", map[string]interface{}{
		"session_id": id,
		"content":    map[string]interface{}{"role": "user", "text": "draft an intro"},
	}); isErr {
		t.Fatalf("add message failed: %v", body)
	}
	if body, isErr := callTool(t, server, out, "ingest_text", map[string]interface{}{
		"content": "An intro paragraph", "role": "ai", "action": "create", "session_id": id,
	}); isErr {
		t.Fatalf("session ingest failed: %v", body)
	}
	if body, isErr := callTool(t, server, out, "close_session", map[string]interface{}{"session_id": id}); isErr {
		t.Fatalf("close failed: %v", body)
	}

	detail, isErr := callTool(t, server, out, "get_session", map[string]interface{}{"session_id": id})
	if isErr {
		t.Fatalf("get failed: %v", detail)
	}
	if n := len(detail["messages"].([]interface{})); n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}
	if n := len(detail["resources"].([]interface{})); n != 1 {
		t.Errorf("expected 1 resource, got %d", n)
	}

	body, isErr := callTool(t, server, out, "add_session_message", map[string]interface{}{
		"session_id": id, "content": "late",
	})
	if !isErr {
		t.Fatalf("expected closed session to reject messages, got %v", body)
	}
}

func TestToolCall_SearchAndSimilar(t *testing.T) {
	server, out := setupTestServer(t)

	rec, _ := callTool(t, server, out, "ingest_text", map[string]interface{}{
		"content": "notes on sourdough fermentation", "role": "human", "action": "create",
	})

	found, isErr := callTool(t, server, out, "search_text", map[string]interface{}{"text": "notes on sourdough fermentation"})
	if isErr {
		t.Fatalf("search failed: %v", found)
	}
	if found["count"].(float64) < 1 {
		t.Errorf("expected at least one match, got %v", found)
	}

	similar, isErr := callTool(t, server, out, "similar", map[string]interface{}{"cid": rec["cid"]})
	if isErr {
		t.Fatalf("similar failed: %v", similar)
	}
	if similar["verdict"] == nil {
		t.Errorf("expected a verdict, got %v", similar)
	}
}

func TestToolCall_StatsAndRegisterEntity(t *testing.T) {
	server, out := setupTestServer(t)

	ent, isErr := callTool(t, server, out, "register_entity", map[string]interface{}{"role": "organization", "name": "Canopy"})
	if isErr || ent["id"] == "" {
		t.Fatalf("register failed: %v", ent)
	}

	stats, isErr := callTool(t, server, out, "stats", nil)
	if isErr {
		t.Fatalf("stats failed: %v", stats)
	}
	counts := stats["counts"].(map[string]interface{})
	if counts["entity"].(float64) != 1 {
		t.Errorf("expected 1 entity, got %v", counts["entity"])
	}
}

func TestToolCall_UnknownTool(t *testing.T) {
	server, out := setupTestServer(t)

	resp := call(t, server, out, "tools/call", map[string]interface{}{"name": "remember"})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Errorf("expected invalid params error, got %+v", resp.Error)
	}
}

func TestHandleResources(t *testing.T) {
	server, out := setupTestServer(t)

	resp := call(t, server, out, "resources/list", nil)
	result := resp.Result.(map[string]interface{})
	if len(result["resources"].([]interface{})) != 1 {
		t.Errorf("unexpected resources: %v", result["resources"])
	}

	resp = call(t, server, out, "resources/read", map[string]interface{}{"uri": statsURI})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	contents := resp.Result.(map[string]interface{})["contents"].([]interface{})
	text := contents[0].(map[string]interface{})["text"].(string)
	if !strings.Contains(text, "database_size") {
		t.Errorf("stats resource missing fields: %s", text)
	}

	resp = call(t, server, out, "resources/read", map[string]interface{}{"uri": bundleScheme + "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"})
	if resp.Error == nil || resp.Error.Code != -32002 {
		t.Errorf("expected not-found error, got %+v", resp.Error)
	}

	resp = call(t, server, out, "resources/read", map[string]interface{}{"uri": "xylem://nope"})
	if resp.Error == nil {
		t.Error("expected error for unknown resource")
	}
}

func TestUnknownMethod(t *testing.T) {
	server, out := setupTestServer(t)

	resp := call(t, server, out, "prompts/list", nil)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}
}

func TestStart_ParseErrorAndLoop(t *testing.T) {
	server, out := setupTestServer(t)
	input := "not json\n\n" + `{"jsonrpc":"2.0","id":7,"method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	server.WithIO(strings.NewReader(input), out)

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d: %q", len(lines), out.String())
	}
	var parseErr JSONRPCResponse
	json.Unmarshal([]byte(lines[0]), &parseErr)
	if parseErr.Error == nil || parseErr.Error.Code != -32700 {
		t.Errorf("expected parse error, got %s", lines[0])
	}
	var pong JSONRPCResponse
	json.Unmarshal([]byte(lines[1]), &pong)
	if pong.Error != nil || pong.ID.(float64) != 7 {
		t.Errorf("unexpected ping response: %s", lines[1])
	}
}
