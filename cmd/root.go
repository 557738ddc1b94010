package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/engine"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var rootCmd = &cobra.Command{
	Use:   "xylem",
	Short: "Xylem - provenance for AI-assisted work",
	Long: `Content-addressed provenance for files produced by humans and AI.

Xylem records who produced a piece of content, from which inputs and with
which tools, and answers lineage and similarity queries over HTTP, MCP and
this CLI.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		setupLogging(verbose)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the xylem command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	// serve, mcp, version, status (defined in serve.go)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)

	// ingest (defined in ingest.go)
	rootCmd.AddCommand(ingestCmd)

	// provenance, graph, similar, search (defined in lineage.go)
	rootCmd.AddCommand(provenanceCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(searchCmd)

	// session (defined in session.go)
	rootCmd.AddCommand(sessionCmd)

	// import, export, inspect (defined in import_export.go)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(inspectCmd)

	// doctor (defined in doctor.go)
	rootCmd.AddCommand(doctorCmd)

	// setup (defined in setup.go)
	rootCmd.AddCommand(setupCmd)
}

// setupLogging routes slog to stderr so stdout stays clean for command
// output and the MCP transport.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openEngine loads the configuration and opens every store.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	e, err := engine.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return e, nil
}
