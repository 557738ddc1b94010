package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Register the MCP server with IDEs",
	Long: `Register 'xylem mcp' with MCP-capable IDEs.

Without arguments, detects installed IDEs and configures each of them.
Specify an IDE to configure only that one.

Examples:
  xylem setup              # auto-detect and configure all IDEs
  xylem setup cursor       # configure Cursor only
  xylem setup claude-code  # configure Claude Code only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetup()
	},
}

// mcpClient is an IDE configured through a JSON file holding a map of
// server entries.
type mcpClient struct {
	id         string
	label      string
	configPath func() string
	serversKey string
	// stdioType adds "type": "stdio" to the entry.
	stdioType bool
}

var mcpClients = []mcpClient{
	{id: "cursor", label: "Cursor", configPath: homePath(".cursor", "mcp.json"), serversKey: "mcpServers"},
	{id: "windsurf", label: "Windsurf", configPath: homePath(".windsurf", "mcp_config.json"), serversKey: "mcpServers"},
	{id: "vscode", label: "VS Code", configPath: vscodeMCPConfigPath, serversKey: "servers", stdioType: true},
}

func init() {
	for _, c := range mcpClients {
		c := c
		setupCmd.AddCommand(&cobra.Command{
			Use:   c.id,
			Short: "Configure Xylem for " + c.label,
			RunE: func(cmd *cobra.Command, args []string) error {
				return setupJSONClient(c)
			},
		})
	}
	setupCmd.AddCommand(&cobra.Command{
		Use:   "claude-code",
		Short: "Configure Xylem for Claude Code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetupClaudeCode()
		},
	})
}

func homePath(parts ...string) func() string {
	return func() string {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(append([]string{home}, parts...)...)
	}
}

// vscodeMCPConfigPath returns the user-level VS Code MCP config path
func vscodeMCPConfigPath() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Code", "User", "mcp.json")
	case "linux":
		return filepath.Join(home, ".config", "Code", "User", "mcp.json")
	case "windows":
		appdata := os.Getenv("APPDATA")
		if appdata == "" {
			return ""
		}
		return filepath.Join(appdata, "Code", "User", "mcp.json")
	}
	return ""
}

// xylemBinary finds the binary MCP clients should launch: the one in PATH,
// else the running executable.
func xylemBinary() (string, error) {
	if p, err := exec.LookPath("xylem"); err == nil {
		return p, nil
	}
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("xylem binary not found in PATH: %w", err)
	}
	return p, nil
}

// runSetup auto-detects and configures IDEs
func runSetup() error {
	fmt.Println("🔍 Auto-detecting IDEs for Xylem setup...")
	fmt.Println()

	detected := 0
	for _, c := range mcpClients {
		path := c.configPath()
		if path == "" {
			continue
		}
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			continue
		}
		fmt.Printf("👉 Detected %s\n", c.label)
		if err := setupJSONClient(c); err != nil {
			fmt.Printf("   ❌ %s setup failed: %v\n", c.label, err)
		} else {
			detected++
		}
	}
	if _, err := exec.LookPath("claude"); err == nil {
		fmt.Println("👉 Detected Claude Code")
		if err := runSetupClaudeCode(); err != nil {
			fmt.Printf("   ❌ Claude Code setup failed: %v\n", err)
		} else {
			detected++
		}
	}

	if detected == 0 {
		fmt.Println("⚠️  No IDEs automatically detected.")
		fmt.Println("   You can still manually setup using:")
		for _, c := range mcpClients {
			fmt.Printf("   xylem setup %s\n", c.id)
		}
		fmt.Println("   xylem setup claude-code")
	} else {
		fmt.Printf("\n✅ Successfully configured %d IDE(s)!\n", detected)
	}
	return nil
}

// setupJSONClient adds or replaces the xylem entry in c's config file,
// keeping every other key.
func setupJSONClient(c mcpClient) error {
	fmt.Printf("🔧 Setting up Xylem for %s...\n", c.label)

	bin, err := xylemBinary()
	if err != nil {
		return err
	}
	fmt.Printf("✓ Using xylem at: %s\n", bin)

	configPath := c.configPath()
	if configPath == "" {
		return fmt.Errorf("could not determine %s config path for this platform", c.label)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var cfg map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse existing %s: %w", filepath.Base(configPath), err)
		}
		fmt.Printf("✓ Found existing %s\n", filepath.Base(configPath))
	}
	if cfg == nil {
		cfg = make(map[string]interface{})
	}

	servers, ok := cfg[c.serversKey].(map[string]interface{})
	if !ok {
		servers = make(map[string]interface{})
		cfg[c.serversKey] = servers
	}
	entry := map[string]interface{}{
		"command": bin,
		"args":    []string{"mcp"},
	}
	if dir := os.Getenv("XYLEM_DATA_DIR"); dir != "" {
		entry["env"] = map[string]string{"XYLEM_DATA_DIR": dir}
	}
	if c.stdioType {
		entry["type"] = "stdio"
	}
	servers["xylem"] = entry

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(configPath), err)
	}

	fmt.Printf("✓ Updated: %s\n", configPath)
	fmt.Printf("✅ Xylem is now configured for %s! Restart it to pick up the change.\n", c.label)
	return nil
}

// runSetupClaudeCode registers Xylem as an MCP server in Claude Code
func runSetupClaudeCode() error {
	fmt.Println("🔧 Setting up Xylem for Claude Code...")

	claudePath, err := exec.LookPath("claude")
	if err != nil {
		return fmt.Errorf("claude binary not found in PATH. Install Claude Code first")
	}
	bin, err := xylemBinary()
	if err != nil {
		return err
	}

	fmt.Print("✓ Checking existing MCP registrations... ")
	if out, err := exec.Command(claudePath, "mcp", "list").CombinedOutput(); err != nil {
		fmt.Println("⚠️  Could not list MCP servers (continuing)")
	} else if strings.Contains(string(out), "xylem") {
		fmt.Println("already registered")
		fmt.Println("✅ Xylem is already configured for Claude Code!")
		fmt.Println("   To re-register, run 'claude mcp remove xylem' first.")
		return nil
	} else {
		fmt.Println("not yet registered")
	}

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	fmt.Print("✓ Registering xylem MCP server... ")
	out, err := exec.Command(claudePath, "mcp", "add",
		"-e", "XYLEM_DATA_DIR="+dataDir,
		"--scope", "user",
		"xylem",
		"--",
		bin, "mcp",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to register MCP server: %w\nOutput: %s", err, string(out))
	}
	fmt.Println("done")
	fmt.Println("✅ Xylem is now configured for Claude Code! Start a new session to use it.")
	return nil
}
