package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CanopyHQ/xylem/internal/api"
	"github.com/CanopyHQ/xylem/internal/mcp"
	"github.com/CanopyHQ/xylem/internal/observability"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API.

The address defaults to 127.0.0.1:8787 and can be set with --addr,
XYLEM_ADDR or server.addr in config.yaml.

Examples:
  xylem serve
  xylem serve --addr :9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return runServe(addr)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server (stdio)",
	Long: `Start the MCP server using stdio transport.

The server communicates via JSON-RPC over stdin/stdout and is designed
to be connected to by an MCP client such as Claude Code, Cursor, etc.

Examples:
  xylem mcp`,
	RunE: func(cmd *cobra.Command, args []string) error { return runMCP() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xylem %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	Long: `Show record counts, database size, vector index state and last activity.

Examples:
  xylem status`,
	RunE: func(cmd *cobra.Command, args []string) error { return runStatus() },
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
}

func runServe(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	shutdownTracing, err := observability.InitTracing(e.Config.Tracing.Exporter, os.Stderr, Version)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	if addr == "" {
		addr = e.Config.Server.Addr
	}
	gin.SetMode(gin.ReleaseMode)
	handler := api.New(api.Deps{
		Pipeline: e.Pipeline,
		Lineage:  e.Lineage,
		Search:   e.Search,
		Sessions: e.Sessions,
		Metrics:  e.Metrics,
		Logger:   slog.Default(),
	}, e.Config.Server).Handler()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "🌱 Xylem listening on http://%s\n", addr)
	slog.Info("server starting", "addr", addr, "embeddings", e.Config.Embeddings.Provider,
		"content", e.Config.Content.Backend, "vector_index", e.Store.VectorIndexAvailable())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("server shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func runMCP() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, "🌱 Xylem - provenance for AI-assisted work")
	fmt.Fprintln(os.Stderr, "Starting MCP server (stdio transport)...")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "This server communicates via JSON-RPC over stdin/stdout.")
	fmt.Fprintln(os.Stderr, "It is not an interactive CLI; connect an MCP client (Claude Code, Cursor, etc.).")
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop. Run 'xylem help' for available commands.")
	fmt.Fprintln(os.Stderr, "")

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	return mcp.NewServer(e, Version).Start(ctx)
}

func runStatus() error {
	ctx := context.Background()
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	stats, err := e.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	index := "linear scan"
	if stats.VectorIndex {
		index = "sqlite-vec"
	}
	fmt.Printf("Xylem Provenance Status:\n")
	fmt.Printf("  Resources: %d\n", stats.Counts["resource"])
	fmt.Printf("  Actions: %d\n", stats.Counts["action"])
	fmt.Printf("  Entities: %d\n", stats.Counts["entity"])
	fmt.Printf("  Attributions: %d\n", stats.Counts["attribution"])
	fmt.Printf("  Sessions: %d (%d messages)\n", stats.Counts["session"], stats.Counts["session_message"])
	fmt.Printf("  Database Size: %s\n", stats.DatabaseSize)
	fmt.Printf("  Vector Index: %s\n", index)
	fmt.Printf("  Last Activity: %s\n", stats.LastActivity)
	return nil
}
