package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/ingest"
	"github.com/CanopyHQ/xylem/internal/lineage"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/search"
)

// POST /activity, multipart: file=<binary>, json=<descriptor>.
func (s *Server) postActivity(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		s.fail(c, formError(err))
		return
	}
	files := form.File["file"]
	if len(files) == 0 {
		s.fail(c, apperror.Missing("file").WithRecovery("Attach the content as the `file` part"))
		return
	}
	raw, err := jsonPart(form)
	if err != nil {
		s.fail(c, err)
		return
	}

	var desc ingest.Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		s.fail(c, apperror.Invalid("json", err.Error()).
			WithRecovery("Send the descriptor as a JSON object in the `json` part"))
		return
	}
	data, err := readPart(files[0])
	if err != nil {
		s.fail(c, err)
		return
	}

	rec, err := s.deps.Pipeline.Ingest(c.Request.Context(), ingest.Payload{
		Data:     data,
		Mime:     files[0].Header.Get("Content-Type"),
		Filename: files[0].Filename,
	}, desc)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// POST /entity, body: {role, name?, wallet?, publicKey?, metadata?}.
func (s *Server) postEntity(c *gin.Context) {
	var in ingest.EntityInput
	if err := decodeBody(c, &in); err != nil {
		s.fail(c, err)
		return
	}
	id, err := s.deps.Pipeline.RegisterEntity(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// GET /provenance/:cid?depth=N
func (s *Server) getProvenance(c *gin.Context) {
	cid, depth, err := lineageParams(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	b, err := s.deps.Lineage.BuildProvenance(c.Request.Context(), cid, depth)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GET /graph/:cid?depth=N
func (s *Server) getGraph(c *gin.Context) {
	cid, depth, err := lineageParams(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	g, err := s.deps.Lineage.BuildProvenanceGraph(c.Request.Context(), cid, depth)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// GET /similar/:cid?topK=N
func (s *Server) getSimilar(c *gin.Context) {
	topK, err := intQuery(c, "topK", search.DefaultTopK)
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.deps.Search.Similar(c.Request.Context(), c.Param("cid"), topK)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /search/file?topK&min&type, multipart: file=<binary>.
func (s *Server) searchFile(c *gin.Context) {
	opts, err := searchQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		s.fail(c, apperror.Missing("file").WithRecovery("Attach the query content as the `file` part"))
		return
	}
	if err != nil {
		s.fail(c, formError(err))
		return
	}
	data, err := readPart(fh)
	if err != nil {
		s.fail(c, err)
		return
	}
	matches, err := s.deps.Search.SearchFile(c.Request.Context(), data, fh.Header.Get("Content-Type"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, matches)
}

type textQuery struct {
	Text     string   `json:"text"`
	Type     string   `json:"type"`
	TopK     *int     `json:"topK"`
	MinScore *float64 `json:"minScore"`
}

// POST /search/text, body: {text, type?, topK?, minScore?}.
func (s *Server) searchText(c *gin.Context) {
	var q textQuery
	if err := decodeBody(c, &q); err != nil {
		s.fail(c, err)
		return
	}
	opts := search.Options{Type: model.ResourceType(q.Type), TopK: search.DefaultTopK}
	if q.TopK != nil {
		opts.TopK = *q.TopK
	}
	if q.MinScore != nil {
		opts.MinScore = *q.MinScore
	}
	matches, err := s.deps.Search.SearchText(c.Request.Context(), q.Text, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, matches)
}

type sessionRequest struct {
	Title    string    `json:"title"`
	Metadata model.Bag `json:"metadata"`
}

// POST /session, body (optional): {title?, metadata?}.
func (s *Server) createSession(c *gin.Context) {
	var req sessionRequest
	if c.Request.ContentLength != 0 {
		if err := decodeBody(c, &req); err != nil {
			s.fail(c, err)
			return
		}
	}
	id, err := s.deps.Sessions.Create(c.Request.Context(), req.Title, req.Metadata)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type messageRequest struct {
	EntityID string `json:"entityId"`
	Content  any    `json:"content"`
}

// POST /session/:id/message, body: {entityId?, content}.
func (s *Server) addMessage(c *gin.Context) {
	var req messageRequest
	if err := decodeBody(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	id, err := s.deps.Sessions.AddMessage(c.Request.Context(), c.Param("id"), req.EntityID, req.Content)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"messageId": id})
}

// POST /session/:id/close
func (s *Server) closeSession(c *gin.Context) {
	if err := s.deps.Sessions.Close(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /session/:id
func (s *Server) getSession(c *gin.Context) {
	d, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func lineageParams(c *gin.Context) (string, int, error) {
	cid := c.Param("cid")
	if cid == "" {
		return "", 0, apperror.Missing("cid")
	}
	depth, err := intQuery(c, "depth", lineage.DefaultDepth)
	if err != nil {
		return "", 0, err
	}
	return cid, depth, nil
}

func searchQuery(c *gin.Context) (search.Options, error) {
	topK, err := intQuery(c, "topK", search.DefaultTopK)
	if err != nil {
		return search.Options{}, err
	}
	opts := search.Options{TopK: topK, Type: model.ResourceType(c.Query("type"))}
	if v, ok := c.GetQuery("min"); ok {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return search.Options{}, apperror.Invalid("min", "must be a number")
		}
		opts.MinScore = score
	}
	return opts, nil
}

// intQuery reads a non-negative integer query parameter.
func intQuery(c *gin.Context, name string, def int) (int, error) {
	v, ok := c.GetQuery(name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperror.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

func decodeBody(c *gin.Context, v any) error {
	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return tooLargeError(tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return apperror.Missing("body").WithRecovery("Send a JSON object body")
		}
		return apperror.Invalid("body", err.Error()).WithRecovery("Send a JSON object body")
	}
	return nil
}

// jsonPart returns the descriptor from the `json` part, sent either as a
// form value or as a file.
func jsonPart(form *multipart.Form) ([]byte, error) {
	if vals := form.Value["json"]; len(vals) > 0 && vals[0] != "" {
		return []byte(vals[0]), nil
	}
	if files := form.File["json"]; len(files) > 0 {
		return readPart(files[0])
	}
	return nil, apperror.Missing("json").WithRecovery("Attach the descriptor as the `json` part")
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "failed to open upload")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "failed to read upload")
	}
	return data, nil
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return tooLargeError(tooLarge.Limit)
	}
	if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
		return apperror.Missing("file").WithRecovery("Send a multipart/form-data body with `file` and `json` parts")
	}
	return apperror.Invalid("body", err.Error())
}

func tooLargeError(limit int64) error {
	return apperror.Invalid("file", fmt.Sprintf("body exceeds %d bytes", limit)).
		WithRecovery("Upload a smaller file or raise server.max_upload_bytes")
}
