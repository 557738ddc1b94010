package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/client"
	"github.com/CanopyHQ/xylem/internal/git"
	"github.com/CanopyHQ/xylem/internal/ingest"
	"github.com/CanopyHQ/xylem/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Register a file and how it was produced",
	Long: `Register a file as a resource, recording the entity that produced it,
the action, its input resources and the tool used.

Files inside a git work tree are tagged with the repository, commit and
path under the ext:git action extension unless --no-git is given.

With --server the file is sent to a running xylem API instead of the local
store.

Examples:
  xylem ingest draft.md
  xylem ingest cover.png --role ai --name "image-model" --action remix --input bafkrei...
  xylem ingest notes.txt --session 5f0c... --server http://127.0.0.1:8787`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		opts := ingestOptions{}
		opts.role, _ = f.GetString("role")
		opts.name, _ = f.GetString("name")
		opts.entityID, _ = f.GetString("entity")
		opts.action, _ = f.GetString("action")
		opts.inputs, _ = f.GetStringSlice("input")
		opts.tool, _ = f.GetString("tool")
		opts.resourceType, _ = f.GetString("type")
		opts.license, _ = f.GetString("license")
		opts.sessionID, _ = f.GetString("session")
		opts.mime, _ = f.GetString("mime")
		opts.noGit, _ = f.GetBool("no-git")
		opts.server, _ = f.GetString("server")
		return runIngest(cmd.Context(), args[0], opts)
	},
}

type ingestOptions struct {
	role, name, entityID string
	action               string
	inputs               []string
	tool                 string
	resourceType         string
	license              string
	sessionID            string
	mime                 string
	noGit                bool
	server               string
}

func init() {
	f := ingestCmd.Flags()
	f.String("role", "human", "Role of the producing entity: human, ai, organization or ext:<namespace>")
	f.String("name", "", "Name of the producing entity")
	f.String("entity", "", "Existing entity id to attribute the work to")
	f.String("action", "create", "Action type: create, remix, transform, aggregate, fork or ext:<namespace>")
	f.StringSlice("input", nil, "CID of an input resource (repeatable)")
	f.String("tool", "", "CID of the tool resource used")
	f.String("type", "", "Resource type (inferred from the media type by default)")
	f.String("license", "", "License of the content")
	f.String("session", "", "Open session to record the action in")
	f.String("mime", "", "Media type (detected by default)")
	f.Bool("no-git", false, "Do not record git repository context")
	f.String("server", "", "Send to a running xylem API at this base URL")
}

func runIngest(ctx context.Context, path string, opts ingestOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	mt := opts.mime
	if mt == "" {
		mt = detectMime(path, data)
	}

	d := ingest.Descriptor{
		Entity:       ingest.EntityInput{ID: opts.entityID, Role: opts.role, Name: opts.name},
		Action:       ingest.ActionInput{Type: opts.action, InputCIDs: opts.inputs, ToolCID: opts.tool},
		ResourceType: opts.resourceType,
		License:      opts.license,
		SessionID:    opts.sessionID,
	}
	if d.Action.InputCIDs == nil {
		d.Action.InputCIDs = []string{}
	}
	if !opts.noGit {
		if repo, err := git.Detect(ctx, path); err == nil {
			d.Action.Extensions = model.Bag{git.ExtensionKey: repo.Extension()}
		} else {
			slog.Debug("no git context", "path", path, "error", err)
		}
	}

	if opts.server != "" {
		res, err := client.New(opts.server).File(ctx, client.Upload{
			Data:     data,
			Filename: filepath.Base(path),
			Mime:     mt,
		}, d)
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}
		if res.Duplicate != nil {
			printDuplicate(res.Duplicate.CID, res.Duplicate.Similarity)
			return nil
		}
		printReceipt(ingest.Receipt{CID: res.CID, ActionID: res.ActionID, EntityID: res.EntityID})
		return nil
	}

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	rec, err := e.Pipeline.Ingest(ctx, ingest.Payload{Data: data, Mime: mt, Filename: filepath.Base(path)}, d)
	var ae *apperror.Error
	if errors.As(err, &ae) && ae.Code == apperror.Duplicate {
		cid, _ := ae.Details["cid"].(string)
		score, _ := ae.Details["similarity"].(float64)
		printDuplicate(cid, score)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	printReceipt(rec)
	return nil
}

// detectMime prefers the extension and falls back to sniffing the content.
func detectMime(path string, data []byte) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return http.DetectContentType(data)
}

func printReceipt(rec ingest.Receipt) {
	fmt.Println("✅ Registered.")
	fmt.Printf("   CID:    %s\n", rec.CID)
	fmt.Printf("   Action: %s\n", rec.ActionID)
	fmt.Printf("   Entity: %s\n", rec.EntityID)
}

func printDuplicate(cid string, similarity float64) {
	if similarity >= 1 {
		fmt.Printf("⚠️  Already registered as %s\n", cid)
		return
	}
	fmt.Printf("⚠️  Near duplicate of %s (similarity %.2f)\n", cid, similarity)
}
