package cmd

import (
	"strings"
	"testing"
)

func TestExecute_Version(t *testing.T) {
	defer setArgs("xylem", "version")()
	out, err := captureStdout(func() {
		if e := Execute(); e != nil {
			t.Fatalf("Execute(version): %v", e)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "xylem dev") {
		t.Errorf("version output should contain 'xylem dev': %q", out)
	}
}

func TestExecute_Status(t *testing.T) {
	useDataDir(t)

	defer setArgs("xylem", "status")()
	out, err := captureStdout(func() {
		if e := Execute(); e != nil {
			t.Fatalf("Execute(status): %v", e)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Xylem Provenance Status") {
		t.Errorf("status output: %q", out)
	}
	if !strings.Contains(out, "Resources: 0") || !strings.Contains(out, "Last Activity: never") {
		t.Errorf("status of an empty store: %q", out)
	}
}

func TestExecute_Status_BadConfig(t *testing.T) {
	useDataDir(t)
	t.Setenv("XYLEM_EMBEDDINGS", "telepathy")

	defer setArgs("xylem", "status")()
	if err := Execute(); err == nil {
		t.Fatal("status with an invalid provider should fail")
	}
}
