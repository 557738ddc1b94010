package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/engine"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common setup issues",
	Long: `Diagnose common setup issues and optionally fix them.

Examples:
  xylem doctor        # check for issues
  xylem doctor --fix  # check and auto-fix issues`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		return runDoctor(fix)
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "Attempt to automatically fix issues")
}

// redact returns the first n and last n chars of s, or "***" if too short.
func redact(s string, n int) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= n*2 {
		return "***"
	}
	return s[:n] + "..." + s[len(s)-n:]
}

// runDoctor diagnoses common setup issues
func runDoctor(fix bool) error {
	fmt.Println("🔍 Xylem Doctor - Diagnosing Setup")
	if fix {
		fmt.Println("🛠️  Auto-fix enabled")
	}
	fmt.Println()

	issues := 0
	warnings := 0
	fixed := 0

	// 1. Binary in PATH
	fmt.Print("✓ Checking if xylem is in PATH... ")
	if path, err := exec.LookPath("xylem"); err != nil {
		fmt.Println("⚠️  WARNING")
		fmt.Println("  xylem binary not found in PATH")
		fmt.Println("  MCP clients need the full path; run 'xylem setup' after installing")
		warnings++
	} else {
		fmt.Printf("✅ OK (%s)\n", path)
	}

	// 2. Configuration
	fmt.Print("✓ Checking configuration... ")
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("❌ FAILED")
		fmt.Printf("  Issue: %v\n", err)
		dir, _ := config.DataDir()
		fmt.Printf("  Fix: Correct or remove %s\n", filepath.Join(dir, config.FileName))
		issues++
		return summarize(issues, warnings, fixed)
	}
	fmt.Printf("✅ OK (embeddings: %s/%d, content: %s)\n", cfg.Embeddings.Provider, cfg.Embeddings.Dimensions, cfg.Content.Backend)

	// 3. Data directory
	fmt.Print("✓ Checking data directory... ")
	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if fix {
			fmt.Print("🛠️  Creating... ")
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				fmt.Printf("❌ FAILED: %v\n", err)
				issues++
			} else {
				fmt.Println("✅ FIXED")
				fixed++
			}
		} else {
			fmt.Println("⚠️  WARNING")
			fmt.Printf("  Data directory does not exist: %s\n", cfg.DataDir)
			fmt.Println("  It will be created on first run")
			warnings++
		}
	} else {
		fmt.Printf("✅ OK (%s)\n", cfg.DataDir)
	}

	// 4. Embedding provider credentials
	fmt.Print("✓ Checking embedding provider... ")
	if cfg.Embeddings.Provider == "openai" && cfg.Embeddings.APIKey == "" {
		fmt.Println("❌ FAILED")
		fmt.Println("  Issue: openai embeddings selected but OPENAI_API_KEY is not set")
		fmt.Println("  Fix: export OPENAI_API_KEY or set XYLEM_EMBEDDINGS=local")
		issues++
	} else if cfg.Embeddings.Provider == "openai" {
		fmt.Printf("✅ OK (key %s)\n", redact(cfg.Embeddings.APIKey, 4))
	} else {
		fmt.Println("✅ OK (local)")
	}

	// 5. Stores
	fmt.Print("✓ Opening stores... ")
	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		fmt.Println("⚠️  SKIPPED (no data directory yet)")
	} else {
		e, err := engine.Open(context.Background(), cfg)
		if err != nil {
			fmt.Println("❌ FAILED")
			fmt.Printf("  Issue: %v\n", err)
			issues++
		} else {
			stats, err := e.Stats(context.Background())
			if err != nil {
				fmt.Println("❌ FAILED")
				fmt.Printf("  Issue: %v\n", err)
				issues++
			} else {
				fmt.Printf("✅ OK (%d resources, %s)\n", stats.Counts["resource"], stats.DatabaseSize)
			}

			// 6. Vector index
			fmt.Print("✓ Checking vector index... ")
			if e.Store.VectorIndexAvailable() {
				fmt.Println("✅ OK (sqlite-vec)")
			} else {
				fmt.Println("⚠️  WARNING")
				fmt.Println("  sqlite-vec is unavailable; similarity falls back to a linear scan")
				warnings++
			}
			e.Close()
		}
	}

	// 7. Git, used to tag ingestions
	fmt.Print("✓ Checking git... ")
	if _, err := exec.LookPath("git"); err != nil {
		fmt.Println("⚠️  WARNING (not in PATH; ingestions will carry no git context)")
		warnings++
	} else {
		fmt.Println("✅ OK")
	}

	// 8. Environment
	fmt.Print("✓ Checking environment... ")
	if runtime.GOOS == "darwin" && runtime.GOARCH != "arm64" {
		fmt.Println("⚠️  WARNING (Running under Rosetta)")
		warnings++
	} else {
		fmt.Printf("✅ OK (%s/%s)\n", runtime.GOOS, runtime.GOARCH)
	}

	return summarize(issues, warnings, fixed)
}

func summarize(issues, warnings, fixed int) error {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if issues == 0 && warnings == 0 {
		fmt.Println("✅ All checks passed! Xylem is ready to use.")
	} else {
		if fixed > 0 {
			fmt.Printf("🛠️  Auto-fixed %d issue(s)\n", fixed)
		}
		if issues > 0 {
			fmt.Printf("❌ Found %d critical issue(s)\n", issues)
		}
		if warnings > 0 {
			fmt.Printf("⚠️  Found %d warning(s)\n", warnings)
		}
		fmt.Println()
		fmt.Println("Run the suggested fixes above to resolve issues.")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if issues > 0 {
		return fmt.Errorf("found %d critical issue(s)", issues)
	}
	return nil
}
