package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedact_Empty(t *testing.T) {
	if got := redact("", 2); got != "(not set)" {
		t.Errorf("redact(\"\", 2): got %q", got)
	}
}

func TestRedact_Short(t *testing.T) {
	if got := redact("ab", 2); got != "***" {
		t.Errorf("redact(\"ab\", 2): got %q want ***", got)
	}
}

func TestRedact_Long(t *testing.T) {
	if got := redact("abcdefgh", 2); got != "ab...gh" {
		t.Errorf("redact(\"abcdefgh\", 2): got %q want ab...gh", got)
	}
}

func TestRunDoctor_MissingDataDir(t *testing.T) {
	useDataDir(t)
	dir := filepath.Join(t.TempDir(), "fresh")
	t.Setenv("XYLEM_DATA_DIR", dir)

	out, err := captureStdout(func() {
		if e := runDoctor(true); e != nil {
			// Only environment-dependent warnings are acceptable here.
			t.Logf("runDoctor: %v", e)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Xylem Doctor") {
		t.Errorf("doctor output missing banner: %q", out)
	}
	if !strings.Contains(out, "FIXED") {
		t.Errorf("--fix should create the data directory: %q", out)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("data directory not created: %v", err)
	}
	if !strings.Contains(out, "0 resources") {
		t.Errorf("doctor should open the fresh stores: %q", out)
	}
}

func TestRunDoctor_MissingAPIKey(t *testing.T) {
	useDataDir(t)
	t.Setenv("XYLEM_EMBEDDINGS", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	var runErr error
	out, err := captureStdout(func() { runErr = runDoctor(false) })
	if err != nil {
		t.Fatal(err)
	}
	if runErr == nil {
		t.Fatal("doctor should fail without an API key")
	}
	if !strings.Contains(out, "OPENAI_API_KEY is not set") {
		t.Errorf("doctor should explain the missing key: %q", out)
	}
}
