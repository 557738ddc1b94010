// Package client is a Go client for the xylem HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/ingest"
	"github.com/CanopyHQ/xylem/internal/lineage"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/search"
	"github.com/CanopyHQ/xylem/internal/session"
	"github.com/CanopyHQ/xylem/internal/similarity"
)

// DefaultBaseURL is the address of a locally running server.
const DefaultBaseURL = "http://127.0.0.1:8787"

// Client calls the API. Safe for concurrent use.
type Client struct {
	base  string
	http  *http.Client
	tools *ToolCache
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// New returns a client for baseURL. An empty baseURL means DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	c.tools = newToolCache(c)
	return c
}

// Tools returns this client's tool-definition cache.
func (c *Client) Tools() *ToolCache { return c.tools }

// Duplicate describes an upload the server already had.
type Duplicate struct {
	CID        string  `json:"cid"`
	Similarity float64 `json:"similarity"`
}

// FileResult is the outcome of File. Exactly one of ActionID or Duplicate is
// set.
type FileResult struct {
	CID       string     `json:"cid"`
	ActionID  string     `json:"actionId,omitempty"`
	EntityID  string     `json:"entityId,omitempty"`
	Duplicate *Duplicate `json:"duplicate,omitempty"`
}

// Upload is content sent to the server.
type Upload struct {
	Data     []byte
	Filename string
	Mime     string
}

// File registers content. A Duplicate answer is not an error: the result
// carries the existing cid and the similarity.
func (c *Client) File(ctx context.Context, up Upload, d ingest.Descriptor) (FileResult, error) {
	desc, err := json.Marshal(d)
	if err != nil {
		return FileResult{}, fmt.Errorf("failed to encode descriptor: %w", err)
	}
	body, ct, err := form(up, desc)
	if err != nil {
		return FileResult{}, err
	}
	var rec ingest.Receipt
	err = c.do(ctx, http.MethodPost, "/activity", ct, body, &rec)
	var ae *apperror.Error
	if errors.As(err, &ae) && ae.Code == apperror.Duplicate {
		dup := duplicateFrom(ae.Details)
		return FileResult{CID: dup.CID, Duplicate: &dup}, nil
	}
	if err != nil {
		return FileResult{}, err
	}
	return FileResult{CID: rec.CID, ActionID: rec.ActionID, EntityID: rec.EntityID}, nil
}

// UploadAndMatch searches with the uploaded content without registering it.
func (c *Client) UploadAndMatch(ctx context.Context, up Upload, opts search.Options) ([]similarity.Match, error) {
	body, ct, err := form(up, nil)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("topK", strconv.Itoa(orDefault(opts.TopK, search.DefaultTopK)))
	q.Set("min", strconv.FormatFloat(opts.MinScore, 'f', -1, 64))
	if opts.Type != "" {
		q.Set("type", string(opts.Type))
	}
	var out []similarity.Match
	err = c.do(ctx, http.MethodPost, "/search/file?"+q.Encode(), ct, body, &out)
	return out, err
}

// SearchText ranks resources against text.
func (c *Client) SearchText(ctx context.Context, text string, opts search.Options) ([]similarity.Match, error) {
	req := map[string]any{
		"text":     text,
		"topK":     orDefault(opts.TopK, search.DefaultTopK),
		"minScore": opts.MinScore,
	}
	if opts.Type != "" {
		req["type"] = string(opts.Type)
	}
	var out []similarity.Match
	err := c.postJSON(ctx, "/search/text", req, &out)
	return out, err
}

// Entity registers an entity and returns its id.
func (c *Client) Entity(ctx context.Context, e ingest.EntityInput) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.postJSON(ctx, "/entity", e, &out)
	return out.ID, err
}

// Provenance returns the lineage bundle of cid.
func (c *Client) Provenance(ctx context.Context, cid string, depth int) (lineage.Bundle, error) {
	var out lineage.Bundle
	err := c.do(ctx, http.MethodGet, lineagePath("provenance", cid, depth), "", nil, &out)
	return out, err
}

// Graph returns the lineage graph of cid.
func (c *Client) Graph(ctx context.Context, cid string, depth int) (lineage.Graph, error) {
	var out lineage.Graph
	err := c.do(ctx, http.MethodGet, lineagePath("graph", cid, depth), "", nil, &out)
	return out, err
}

// Similar ranks resources against the stored embedding of cid.
func (c *Client) Similar(ctx context.Context, cid string, topK int) (similarity.Result, error) {
	var out similarity.Result
	path := fmt.Sprintf("/similar/%s?topK=%d", url.PathEscape(cid), orDefault(topK, search.DefaultTopK))
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	return out, err
}

// CreateSession opens a session and returns its id.
func (c *Client) CreateSession(ctx context.Context, title string, metadata model.Bag) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.postJSON(ctx, "/session", map[string]any{"title": title, "metadata": metadata}, &out)
	return out.ID, err
}

// AddSessionMessage appends content to an open session.
func (c *Client) AddSessionMessage(ctx context.Context, sessionID string, content any, entityID string) (string, error) {
	var out struct {
		MessageID string `json:"messageId"`
	}
	req := map[string]any{"content": content}
	if entityID != "" {
		req["entityId"] = entityID
	}
	err := c.postJSON(ctx, "/session/"+url.PathEscape(sessionID)+"/message", req, &out)
	return out.MessageID, err
}

// CloseSession ends a session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.postJSON(ctx, "/session/"+url.PathEscape(sessionID)+"/close", map[string]any{}, nil)
}

// GetSession returns a session with its messages, actions and resources.
func (c *Client) GetSession(ctx context.Context, sessionID string) (session.Detail, error) {
	var out session.Detail
	err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), "", nil, &out)
	return out, err
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(raw), out)
}

// do sends a request and decodes a 2xx body into out. Error envelopes come
// back as *apperror.Error.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error *apperror.Error `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil && envelope.Error.Code != "" {
			return envelope.Error
		}
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return apperror.New(apperror.Internal, "server returned %d: %s", resp.StatusCode, msg)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// form builds a multipart body with a `file` part and, when descriptor is
// set, a `json` part.
func form(up Upload, descriptor []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := up.Filename
	if filename == "" {
		filename = "file.bin"
	}
	mime := up.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(up.Data); err != nil {
		return nil, "", err
	}
	if descriptor != nil {
		if err := w.WriteField("json", string(descriptor)); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func duplicateFrom(details map[string]any) Duplicate {
	var d Duplicate
	d.CID, _ = details["cid"].(string)
	d.Similarity, _ = details["similarity"].(float64)
	return d
}

func lineagePath(kind, cid string, depth int) string {
	if depth < 0 {
		depth = lineage.DefaultDepth
	}
	return fmt.Sprintf("/%s/%s?depth=%d", kind, url.PathEscape(cid), depth)
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
