package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/bundle"
	"github.com/CanopyHQ/xylem/internal/engine"
	"github.com/CanopyHQ/xylem/internal/importer"
	"github.com/CanopyHQ/xylem/internal/lineage"
)

// maxDownload caps bundles fetched with --from.
const maxDownload = 50 * 1024 * 1024

var importCmd = &cobra.Command{
	Use:   "import <source> [path]",
	Short: "Import AI history or a provenance bundle",
	Long: `Import AI conversation history or a .xylem provenance bundle.

Supported sources:
  chatgpt  - ChatGPT conversations.json export
  claude   - Claude JSON or JSONL export
  bundle   - .xylem file written by 'xylem export'

Conversations become one closed session each, with one message per turn.
The path can be a single file or a directory. Bundles can also be fetched
over HTTPS with --from.

Examples:
  xylem import chatgpt ~/Downloads/conversations.json
  xylem import claude ~/Downloads/claude-export/
  xylem import bundle logo.xylem
  xylem import bundle --from https://example.com/logo.xylem`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		path := ""
		if len(args) == 2 {
			path = args[1]
		}
		return runImport(cmd.Context(), args[0], path, from)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <cid>",
	Short: "Export the provenance of a resource to a .xylem bundle",
	Long: `Export the upstream provenance of a resource to a portable .xylem file.

Examples:
  xylem export bafkrei...
  xylem export bafkrei... --output logo.xylem --depth 5 --name "Logo lineage"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		output, _ := f.GetString("output")
		depth, _ := f.GetInt("depth")
		name, _ := f.GetString("name")
		desc, _ := f.GetString("desc")
		author, _ := f.GetString("author")
		return runExport(cmd.Context(), args[0], output, depth, bundle.Manifest{
			Name:        name,
			Description: desc,
			Author:      author,
		})
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.xylem>",
	Short: "View a bundle manifest without importing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

func init() {
	importCmd.Flags().String("from", "", "Download a bundle from an HTTPS URL")

	exportCmd.Flags().String("output", "", "Output filename (default <cid prefix>.xylem)")
	exportCmd.Flags().Int("depth", lineage.DefaultDepth, "Maximum number of hops to walk")
	exportCmd.Flags().String("name", "", "Bundle name")
	exportCmd.Flags().String("desc", "", "Bundle description")
	exportCmd.Flags().String("author", "", "Author name")
}

func runImport(ctx context.Context, source, path, from string) error {
	switch source {
	case "chatgpt", "claude":
		if path == "" {
			return fmt.Errorf("provide a file or directory to import")
		}
		return runImportConversations(ctx, source, path)
	case "bundle":
		return runImportBundle(ctx, path, from)
	default:
		return fmt.Errorf("unknown source: %s (supported: chatgpt, claude, bundle)", source)
	}
}

func runImportConversations(ctx context.Context, source, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access path: %w", err)
	}

	return withEngine(ctx, func(e *engine.Engine) error {
		type fileImporter interface {
			ImportFromFile(context.Context, string) (*importer.ImportResult, error)
			ImportFromDirectory(context.Context, string) (*importer.ImportResult, error)
		}
		var imp fileImporter
		label := "ChatGPT"
		if source == "claude" {
			imp, label = importer.NewClaudeImporter(e.Store), "Claude"
		} else {
			imp = importer.NewChatGPTImporter(e.Store)
		}

		var result *importer.ImportResult
		if info.IsDir() {
			fmt.Printf("Importing %s conversations from directory: %s\n", label, path)
			result, err = imp.ImportFromDirectory(ctx, path)
		} else {
			fmt.Printf("Importing %s conversations from file: %s\n", label, path)
			result, err = imp.ImportFromFile(ctx, path)
		}
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		fmt.Printf("\n✅ Import Complete!\n")
		fmt.Printf("   Conversations processed: %d\n", result.ConversationsProcessed)
		fmt.Printf("   Sessions created: %d\n", result.SessionsCreated)
		fmt.Printf("   Messages created: %d\n", result.MessagesCreated)
		if result.Skipped > 0 {
			fmt.Printf("   Already imported: %d\n", result.Skipped)
		}
		fmt.Printf("   Duration: %s\n", result.Duration.Round(time.Millisecond))

		if len(result.Errors) > 0 {
			fmt.Printf("\n⚠️  Errors (%d):\n", len(result.Errors))
			for i, e := range result.Errors {
				if i >= 5 {
					fmt.Printf("   ... and %d more\n", len(result.Errors)-5)
					break
				}
				fmt.Printf("   - %s\n", e)
			}
		}
		return nil
	})
}

func runImportBundle(ctx context.Context, path, from string) error {
	inputPath := path
	if from != "" {
		downloaded, err := downloadBundle(ctx, from)
		if err != nil {
			return err
		}
		defer os.Remove(downloaded)
		inputPath = downloaded
	}
	if inputPath == "" {
		return fmt.Errorf("provide a file path or --from URL")
	}

	fmt.Printf("📦 Reading %s...\n", inputPath)
	payload, err := bundle.Unpack(inputPath)
	if err != nil {
		return fmt.Errorf("failed to unpack bundle: %w", err)
	}
	fmt.Printf("🔓 Verifying format... OK\n")
	fmt.Printf("📄 Manifest: %s by %s (root %s)\n", payload.Manifest.Name, payload.Manifest.Author, payload.Manifest.RootCID)

	return withEngine(ctx, func(e *engine.Engine) error {
		stats, err := bundle.Import(ctx, e.Store, payload.Bundle)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("✨ Imported %d resources, %d actions, %d entities, %d attributions\n",
			stats.Resources, stats.Actions, stats.Entities, stats.Attributions)
		return nil
	})
}

// downloadBundle fetches a bundle over HTTPS into a temp file.
func downloadBundle(ctx context.Context, rawURL string) (string, error) {
	fmt.Printf("📥 Downloading bundle from %s...\n", rawURL)
	if !strings.HasPrefix(rawURL, "https://") {
		return "", fmt.Errorf("only HTTPS URLs are supported for bundle downloads")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "bundle-*"+bundle.Extension)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxDownload)); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("failed to save bundle: %w", err)
	}
	tmpFile.Close()
	return tmpFile.Name(), nil
}

func runExport(ctx context.Context, cid, output string, depth int, manifest bundle.Manifest) error {
	return withEngine(ctx, func(e *engine.Engine) error {
		b, err := e.Lineage.BuildProvenance(ctx, cid, depth)
		if err != nil {
			return fmt.Errorf("provenance failed: %w", err)
		}

		manifest.ID = uuid.NewString()
		manifest.RootCID = cid
		manifest.Depth = depth
		manifest.CreatedAt = time.Now().UTC()
		if manifest.Name == "" {
			manifest.Name = fmt.Sprintf("Provenance of %s", shortCID(cid))
		}
		if manifest.Author == "" {
			if u, err := user.Current(); err == nil {
				manifest.Author = u.Username
			}
		}
		if output == "" {
			output = shortCID(cid) + bundle.Extension
		}

		if err := bundle.Package(manifest, b, output); err != nil {
			return fmt.Errorf("failed to package bundle: %w", err)
		}
		fmt.Printf("📦 Created %s (%d resources, %d actions)\n", output, len(b.Resources), len(b.Actions))
		if b.Truncated {
			fmt.Printf("⚠️  Lineage truncated at depth %d\n", depth)
		}
		return nil
	})
}

func shortCID(cid string) string {
	if len(cid) > 16 {
		return cid[:16]
	}
	return cid
}

func runInspect(inputPath string) error {
	manifest, err := bundle.Inspect(inputPath)
	if err != nil {
		return fmt.Errorf("failed to inspect bundle: %w", err)
	}

	fmt.Println("📦 Bundle Manifest")
	fmt.Println("==================")
	fmt.Printf("Name:        %s\n", manifest.Name)
	fmt.Printf("Description: %s\n", manifest.Description)
	fmt.Printf("Author:      %s\n", manifest.Author)
	fmt.Printf("Root:        %s\n", manifest.RootCID)
	fmt.Printf("Depth:       %d\n", manifest.Depth)
	fmt.Printf("Created:     %s\n", manifest.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Resources:   %d\n", manifest.ResourceCount)
	fmt.Printf("Actions:     %d\n", manifest.ActionCount)
	fmt.Printf("Truncated:   %v\n", manifest.Truncated)
	return nil
}
