// Package api exposes the provenance engine over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/ingest"
	"github.com/CanopyHQ/xylem/internal/lineage"
	"github.com/CanopyHQ/xylem/internal/observability"
	"github.com/CanopyHQ/xylem/internal/search"
	"github.com/CanopyHQ/xylem/internal/session"
)

// Deps are the services behind the routes.
type Deps struct {
	Pipeline *ingest.Pipeline
	Lineage  *lineage.Walker
	Search   *search.Service
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server routes HTTP requests to the engine.
type Server struct {
	deps   Deps
	cfg    config.ServerConfig
	log    *slog.Logger
	engine *gin.Engine
}

// New builds the router.
func New(deps Deps, cfg config.ServerConfig) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{deps: deps, cfg: cfg, log: log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("xylem"))
	r.Use(s.observe())
	r.Use(deadline(cfg.RequestTimeout))
	s.routes(r)
	s.engine = r
	return s
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	writes := r.Group("/", newLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware(), bodyLimit(s.cfg.MaxUploadBytes))
	{
		writes.POST("/activity", s.postActivity)
		writes.POST("/entity", s.postEntity)
		writes.POST("/search/file", s.searchFile)
		writes.POST("/search/text", s.searchText)
		writes.POST("/session", s.createSession)
		writes.POST("/session/:id/message", s.addMessage)
		writes.POST("/session/:id/close", s.closeSession)
	}

	r.GET("/provenance/:cid", s.getProvenance)
	r.GET("/graph/:cid", s.getGraph)
	r.GET("/similar/:cid", s.getSimilar)
	r.GET("/session/:id", s.getSession)
}
