// Package mcp implements the Model Context Protocol server for Xylem
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/engine"
	"github.com/CanopyHQ/xylem/internal/ingest"
	"github.com/CanopyHQ/xylem/internal/lineage"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/search"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Server implements the MCP protocol over a line-delimited stream.
type Server struct {
	engine  *engine.Engine
	version string

	in  io.Reader
	mu  sync.Mutex
	out io.Writer
}

// NewServer creates a server reading stdin and writing stdout.
func NewServer(e *engine.Engine, version string) *Server {
	return &Server{engine: e, version: version, in: os.Stdin, out: os.Stdout}
}

// WithIO swaps the transport streams.
func (s *Server) WithIO(in io.Reader, out io.Writer) *Server {
	s.in, s.out = in, out
	return s
}

// Start runs the request loop until the input closes or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	fmt.Fprintln(os.Stderr, "🌱 Xylem MCP server ready")

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var request JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &request); err != nil {
			s.sendError(nil, -32700, "Parse error", err.Error())
			continue
		}

		s.handleRequest(ctx, &request)
	}

	return scanner.Err()
}

// handleRequest processes a JSON-RPC request
func (s *Server) handleRequest(ctx context.Context, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "notifications/initialized":
		// Notifications carry no id and expect no response.
	case "ping":
		s.sendResult(req.ID, map[string]interface{}{})
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolCall(ctx, req)
	case "resources/list":
		s.handleResourcesList(req)
	case "resources/read":
		s.handleResourceRead(ctx, req)
	default:
		s.sendError(req.ID, -32601, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) {
	result := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    "xylem-mcp",
			"version": s.version,
		},
	}
	s.sendResult(req.ID, result)
}

type tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

var tools = []tool{
	{
		Name:        "ingest_text",
		Description: "Register a piece of text as a resource, recording who produced it and which resources it was derived from.",
		InputSchema: schema([]string{"content", "role", "action"}, map[string]interface{}{
			"content":    prop("string", "The text to register"),
			"role":       prop("string", "Role of the producing entity: human, ai, organization or ext:<namespace>"),
			"name":       prop("string", "Display name of the producing entity"),
			"entity_id":  prop("string", "Existing entity id to attribute the work to"),
			"action":     prop("string", "Action type: create, remix, transform, aggregate, fork or ext:<namespace>"),
			"input_cids": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "CIDs of the resources used as input"},
			"tool_cid":   prop("string", "CID of the tool resource used"),
			"session_id": prop("string", "Open session to record the action in"),
			"license":    prop("string", "License of the content"),
		}),
	},
	{
		Name:        "register_entity",
		Description: "Register a human, AI or organization that can perform actions.",
		InputSchema: schema([]string{"role"}, map[string]interface{}{
			"role":       prop("string", "human, ai, organization or ext:<namespace>"),
			"name":       prop("string", "Display name"),
			"wallet":     prop("string", "Optional wallet address"),
			"public_key": prop("string", "Optional public key"),
		}),
	},
	{
		Name:        "provenance_bundle",
		Description: "Return the upstream provenance of a resource: the resources, actions and entities it derives from.",
		InputSchema: schema([]string{"cid"}, map[string]interface{}{
			"cid":   prop("string", "CID of the resource"),
			"depth": prop("integer", "Hop budget for the walk (default: 10)"),
		}),
	},
	{
		Name:        "provenance_graph",
		Description: "Return the upstream provenance of a resource as nodes and edges for visualization.",
		InputSchema: schema([]string{"cid"}, map[string]interface{}{
			"cid":   prop("string", "CID of the resource"),
			"depth": prop("integer", "Maximum depth (default: 10)"),
		}),
	},
	{
		Name:        "similar",
		Description: "Find resources similar to an existing resource and classify the best match.",
		InputSchema: schema([]string{"cid"}, map[string]interface{}{
			"cid":   prop("string", "CID of the resource"),
			"top_k": prop("integer", "Maximum number of matches (default: 5)"),
		}),
	},
	{
		Name:        "search_text",
		Description: "Search registered resources by semantic similarity to a text query.",
		InputSchema: schema([]string{"text"}, map[string]interface{}{
			"text":      prop("string", "What you're looking for"),
			"type":      prop("string", "Restrict to a resource type"),
			"top_k":     prop("integer", "Maximum number of matches (default: 5)"),
			"min_score": prop("number", "Minimum similarity in [0,1]"),
		}),
	},
	{
		Name:        "create_session",
		Description: "Open a session that groups subsequent messages, actions and resources.",
		InputSchema: schema(nil, map[string]interface{}{
			"title": prop("string", "Optional session title"),
		}),
	},
	{
		Name:        "add_session_message",
		Description: "Append a message to an open session.",
		InputSchema: schema([]string{"session_id", "content"}, map[string]interface{}{
			"session_id": prop("string", "Session id"),
			"entity_id":  prop("string", "Entity that authored the message"),
			"content":    map[string]interface{}{"description": "Message content (any JSON value)"},
		}),
	},
	{
		Name:        "close_session",
		Description: "Close a session. Closed sessions accept no further messages or uploads.",
		InputSchema: schema([]string{"session_id"}, map[string]interface{}{
			"session_id": prop("string", "Session id"),
		}),
	},
	{
		Name:        "get_session",
		Description: "Return a session with its messages, actions and resources.",
		InputSchema: schema([]string{"session_id"}, map[string]interface{}{
			"session_id": prop("string", "Session id"),
		}),
	},
	{
		Name:        "stats",
		Description: "Get statistics about the provenance store",
		InputSchema: schema(nil, map[string]interface{}{}),
	},
}

func (s *Server) handleToolsList(req *JSONRPCRequest) {
	s.sendResult(req.ID, map[string]interface{}{"tools": tools})
}

// handleToolCall executes a tool
func (s *Server) handleToolCall(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	var result interface{}
	var err error

	switch params.Name {
	case "ingest_text":
		result, err = s.toolIngestText(ctx, args)
	case "register_entity":
		result, err = s.toolRegisterEntity(ctx, args)
	case "provenance_bundle":
		result, err = s.toolProvenanceBundle(ctx, args)
	case "provenance_graph":
		result, err = s.toolProvenanceGraph(ctx, args)
	case "similar":
		result, err = s.toolSimilar(ctx, args)
	case "search_text":
		result, err = s.toolSearchText(ctx, args)
	case "create_session":
		result, err = s.toolCreateSession(ctx, args)
	case "add_session_message":
		result, err = s.toolAddSessionMessage(ctx, args)
	case "close_session":
		result, err = s.toolCloseSession(ctx, args)
	case "get_session":
		result, err = s.toolGetSession(ctx, args)
	case "stats":
		result, err = s.engine.Stats(ctx)
	default:
		s.sendError(req.ID, -32602, "Unknown tool", params.Name)
		return
	}

	if err != nil {
		body, _ := json.MarshalIndent(map[string]interface{}{"error": apperror.From(err)}, "", "  ")
		s.sendResult(req.ID, map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": string(body)},
			},
			"isError": true,
		})
		return
	}

	text, _ := json.MarshalIndent(result, "", "  ")
	s.sendResult(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
	})
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperror.Invalid("arguments", err.Error())
	}
	return nil
}

// Tool implementations

func (s *Server) toolIngestText(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Content   string   `json:"content"`
		Role      string   `json:"role"`
		Name      string   `json:"name"`
		EntityID  string   `json:"entity_id"`
		Action    string   `json:"action"`
		InputCIDs []string `json:"input_cids"`
		ToolCID   string   `json:"tool_cid"`
		SessionID string   `json:"session_id"`
		License   string   `json:"license"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Content) == "" {
		return nil, apperror.Missing("content")
	}
	if args.InputCIDs == nil {
		args.InputCIDs = []string{}
	}
	rec, err := s.engine.Pipeline.Ingest(ctx,
		ingest.Payload{Data: []byte(args.Content), Mime: "text/plain; charset=utf-8"},
		ingest.Descriptor{
			Entity:    ingest.EntityInput{ID: args.EntityID, Role: args.Role, Name: args.Name},
			Action:    ingest.ActionInput{Type: args.Action, InputCIDs: args.InputCIDs, ToolCID: args.ToolCID},
			License:   args.License,
			SessionID: args.SessionID,
		})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Server) toolRegisterEntity(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Role      string `json:"role"`
		Name      string `json:"name"`
		Wallet    string `json:"wallet"`
		PublicKey string `json:"public_key"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.engine.Pipeline.RegisterEntity(ctx, ingest.EntityInput{
		Role:      args.Role,
		Name:      args.Name,
		Wallet:    args.Wallet,
		PublicKey: args.PublicKey,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id}, nil
}

type lineageArgs struct {
	CID   string `json:"cid"`
	Depth *int   `json:"depth"`
}

func (a lineageArgs) validate() (int, error) {
	if a.CID == "" {
		return 0, apperror.Missing("cid")
	}
	if a.Depth == nil {
		return lineage.DefaultDepth, nil
	}
	if *a.Depth < 0 {
		return 0, apperror.Invalid("depth", "must be a non-negative integer")
	}
	return *a.Depth, nil
}

func (s *Server) toolProvenanceBundle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args lineageArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	depth, err := args.validate()
	if err != nil {
		return nil, err
	}
	return s.engine.Lineage.BuildProvenance(ctx, args.CID, depth)
}

func (s *Server) toolProvenanceGraph(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args lineageArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	depth, err := args.validate()
	if err != nil {
		return nil, err
	}
	return s.engine.Lineage.BuildProvenanceGraph(ctx, args.CID, depth)
}

func (s *Server) toolSimilar(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		CID  string `json:"cid"`
		TopK int    `json:"top_k"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.CID == "" {
		return nil, apperror.Missing("cid")
	}
	return s.engine.Search.Similar(ctx, args.CID, args.TopK)
}

func (s *Server) toolSearchText(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Text     string  `json:"text"`
		Type     string  `json:"type"`
		TopK     int     `json:"top_k"`
		MinScore float64 `json:"min_score"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	matches, err := s.engine.Search.SearchText(ctx, args.Text, search.Options{
		Type:     model.ResourceType(args.Type),
		TopK:     args.TopK,
		MinScore: args.MinScore,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(matches), "matches": matches}, nil
}

func (s *Server) toolCreateSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Title string `json:"title"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.engine.Sessions.Create(ctx, args.Title, model.Bag{"source": "mcp"})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id}, nil
}

func (s *Server) toolAddSessionMessage(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		SessionID string      `json:"session_id"`
		EntityID  string      `json:"entity_id"`
		Content   interface{} `json:"content"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.engine.Sessions.AddMessage(ctx, args.SessionID, args.EntityID, args.Content)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id}, nil
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

func (s *Server) toolCloseSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args sessionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SessionID == "" {
		return nil, apperror.Missing("session_id")
	}
	if err := s.engine.Sessions.Close(ctx, args.SessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) toolGetSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args sessionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SessionID == "" {
		return nil, apperror.Missing("session_id")
	}
	return s.engine.Sessions.Get(ctx, args.SessionID)
}

const (
	statsURI     = "xylem://stats"
	bundleScheme = "xylem://provenance/"
)

func (s *Server) handleResourcesList(req *JSONRPCRequest) {
	resources := []map[string]interface{}{
		{
			"uri":         statsURI,
			"name":        "Store Statistics",
			"description": "Record counts, database size and last activity",
			"mimeType":    "application/json",
		},
	}
	templates := []map[string]interface{}{
		{
			"uriTemplate": bundleScheme + "{cid}",
			"name":        "Provenance Bundle",
			"description": "Upstream provenance of a resource at the default depth",
			"mimeType":    "application/json",
		},
	}
	s.sendResult(req.ID, map[string]interface{}{"resources": resources, "resourceTemplates": templates})
}

func (s *Server) handleResourceRead(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		URI string `json:"uri"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	var content interface{}
	var err error

	switch {
	case params.URI == statsURI:
		content, err = s.engine.Stats(ctx)
	case strings.HasPrefix(params.URI, bundleScheme) && len(params.URI) > len(bundleScheme):
		content, err = s.engine.Lineage.BuildProvenance(ctx, strings.TrimPrefix(params.URI, bundleScheme), lineage.DefaultDepth)
	default:
		s.sendError(req.ID, -32602, "Unknown resource", params.URI)
		return
	}

	if err != nil {
		ae := apperror.From(err)
		code := -32603
		if ae.Code == apperror.NotFound {
			code = -32002
		}
		s.sendError(req.ID, code, string(ae.Code), ae.Message)
		return
	}

	text, _ := json.MarshalIndent(content, "", "  ")
	s.sendResult(req.ID, map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"uri":      params.URI,
				"mimeType": "application/json",
				"text":     string(text),
			},
		},
	})
}

// JSON-RPC types and helpers

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (s *Server) write(resp JSONRPCResponse) {
	data, _ := json.Marshal(resp)
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, string(data))
}

func (s *Server) sendResult(id interface{}, result interface{}) {
	s.write(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id interface{}, code int, message, data string) {
	s.write(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}
