package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/engine"
	"github.com/CanopyHQ/xylem/internal/model"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create, append to, close and show sessions",
	Long: `Sessions group the messages, actions and resources of one interaction.

Examples:
  xylem session create --title "logo redesign"
  xylem session message <id> "make it greener"
  xylem session close <id>
  xylem session show <id>`,
}

func init() {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			title, _ := cmd.Flags().GetString("title")
			return runSessionCreate(cmd.Context(), title)
		},
	}
	createCmd.Flags().String("title", "", "Session title")
	sessionCmd.AddCommand(createCmd)

	messageCmd := &cobra.Command{
		Use:   "message <session-id> <text>",
		Short: "Append a message to an open session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, _ := cmd.Flags().GetString("entity")
			role, _ := cmd.Flags().GetString("role")
			return runSessionMessage(cmd.Context(), args[0], args[1], entity, role)
		},
	}
	messageCmd.Flags().String("entity", "", "Entity that authored the message")
	messageCmd.Flags().String("role", "user", "Conversational role recorded with the text")
	sessionCmd.AddCommand(messageCmd)

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionClose(cmd.Context(), args[0])
		},
	})

	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its messages, actions and resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return runSessionShow(cmd.Context(), args[0], asJSON)
		},
	}
	showCmd.Flags().Bool("json", false, "Print the session as JSON")
	sessionCmd.AddCommand(showCmd)
}

func runSessionCreate(ctx context.Context, title string) error {
	return withEngine(ctx, func(e *engine.Engine) error {
		id, err := e.Sessions.Create(ctx, title, model.Bag{"source": "cli"})
		if err != nil {
			return fmt.Errorf("create session failed: %w", err)
		}
		fmt.Printf("✅ Session opened: %s\n", id)
		return nil
	})
}

func runSessionMessage(ctx context.Context, sessionID, text, entityID, role string) error {
	return withEngine(ctx, func(e *engine.Engine) error {
		id, err := e.Sessions.AddMessage(ctx, sessionID, entityID, map[string]any{"role": role, "text": text})
		if err != nil {
			return fmt.Errorf("add message failed: %w", err)
		}
		fmt.Printf("✅ Message recorded: %s\n", id)
		return nil
	})
}

func runSessionClose(ctx context.Context, sessionID string) error {
	return withEngine(ctx, func(e *engine.Engine) error {
		if err := e.Sessions.Close(ctx, sessionID); err != nil {
			return fmt.Errorf("close session failed: %w", err)
		}
		fmt.Printf("✅ Session closed: %s\n", sessionID)
		return nil
	})
}

func runSessionShow(ctx context.Context, sessionID string, asJSON bool) error {
	return withEngine(ctx, func(e *engine.Engine) error {
		d, err := e.Sessions.Get(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("get session failed: %w", err)
		}
		if asJSON {
			return printJSON(d)
		}

		title := d.Session.Title
		if title == "" {
			title = "(untitled)"
		}
		state := "open"
		if d.Session.EndedAt != nil {
			state = "closed " + d.Session.EndedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("Session %s: %s\n", d.Session.ID, title)
		fmt.Printf("  Started: %s (%s)\n", d.Session.StartedAt.Format("2006-01-02 15:04"), state)
		fmt.Printf("\nMessages (%d):\n", len(d.Messages))
		for _, m := range d.Messages {
			fmt.Printf("  %s  %s\n", m.CreatedAt.Format("15:04:05"), truncate(messageText(m.Content), 100))
		}
		fmt.Printf("\nActions (%d), Resources (%d)\n", len(d.Actions), len(d.Resources))
		for _, r := range d.Resources {
			fmt.Printf("  %s  %s\n", r.CID, r.Type)
		}
		return nil
	})
}

// messageText renders {role, text} content as "role: text" and anything else
// as compact JSON.
func messageText(content any) string {
	if m, ok := content.(map[string]any); ok {
		if text, ok := m["text"].(string); ok {
			if role, ok := m["role"].(string); ok {
				return role + ": " + text
			}
			return text
		}
	}
	if s, ok := content.(string); ok {
		return s
	}
	raw, _ := json.Marshal(content)
	return string(raw)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
