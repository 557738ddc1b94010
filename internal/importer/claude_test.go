package importer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestClaudeImporter_ImportFromFile_invalidPath(t *testing.T) {
	imp := NewClaudeImporter(openStore(t))
	_, err := imp.ImportFromFile(context.Background(), "/nonexistent/path.json")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestClaudeImporter_ImportFromFile_validJSON(t *testing.T) {
	s := openStore(t)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	conv := ClaudeConversation{
		UUID:      "u1",
		Name:      "Go binary search",
		CreatedAt: start,
		UpdatedAt: start.Add(time.Hour),
		ChatMessages: []ClaudeMessage{
			{Text: "How do I write binary search in Go?", Sender: "human", CreatedAt: start.Add(time.Minute)},
			{Text: "  ", Sender: "assistant"},
			{Text: "Use sort.Search or recurse on halves.", Sender: "assistant", CreatedAt: start.Add(2 * time.Minute)},
		},
	}
	data, _ := json.Marshal([]ClaudeConversation{conv})
	fpath := filepath.Join(t.TempDir(), "claude.json")
	os.WriteFile(fpath, data, 0644)

	result, err := NewClaudeImporter(s).ImportFromFile(context.Background(), fpath)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if result.SessionsCreated != 1 || result.MessagesCreated != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	id := normalizeClaude(conv).sessionID()
	sess, err := s.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.StartedAt.Equal(start) {
		t.Errorf("started = %v, want %v", sess.StartedAt, start)
	}
	if sess.EndedAt == nil || !sess.EndedAt.Equal(start.Add(time.Hour)) {
		t.Errorf("ended = %v", sess.EndedAt)
	}
	msgs, _ := s.MessagesBySession(context.Background(), id)
	if len(msgs) != 2 || msgs[0].Content.(map[string]any)["role"] != "user" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestClaudeImporter_ImportFromFile_singleObject(t *testing.T) {
	conv := ClaudeConversation{UUID: "u2", Name: "Solo", ChatMessages: []ClaudeMessage{{Text: "hello", Sender: "human"}}}
	data, _ := json.Marshal(conv)
	fpath := filepath.Join(t.TempDir(), "single.json")
	os.WriteFile(fpath, data, 0644)

	result, err := NewClaudeImporter(openStore(t)).ImportFromFile(context.Background(), fpath)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if result.SessionsCreated != 1 {
		t.Errorf("expected 1 session, got %+v", result)
	}
}

func TestClaudeImporter_ImportFromFile_JSONL(t *testing.T) {
	a, _ := json.Marshal(ClaudeConversation{UUID: "a", Name: "A", ChatMessages: []ClaudeMessage{{Text: "one", Sender: "human"}}})
	b, _ := json.Marshal(ClaudeConversation{UUID: "b", Name: "B", ChatMessages: []ClaudeMessage{{Text: "two", Sender: "human"}}})
	content := strings.Join([]string{string(a), "", "{broken", string(b)}, "\n")
	fpath := filepath.Join(t.TempDir(), "export.jsonl")
	os.WriteFile(fpath, []byte(content), 0644)

	result, err := NewClaudeImporter(openStore(t)).ImportFromFile(context.Background(), fpath)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if result.SessionsCreated != 2 {
		t.Errorf("expected 2 sessions, got %d", result.SessionsCreated)
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected 1 line error, got %v", result.Errors)
	}
}

func TestClaudeImporter_ImportFromDirectory(t *testing.T) {
	sub := filepath.Join(t.TempDir(), "claude_sub")
	os.MkdirAll(sub, 0755)
	conv := ClaudeConversation{
		UUID: "u3",
		Name: "Dir test",
		ChatMessages: []ClaudeMessage{
			{Text: "Hi", Sender: "human"},
			{Text: "Hello", Sender: "assistant"},
		},
	}
	data, _ := json.Marshal([]ClaudeConversation{conv})
	os.WriteFile(filepath.Join(sub, "a.json"), data, 0644)
	os.WriteFile(filepath.Join(sub, "bad.jsonl"), []byte("{nope\n"), 0644)

	result, err := NewClaudeImporter(openStore(t)).ImportFromDirectory(context.Background(), sub)
	if err != nil {
		t.Fatalf("ImportFromDirectory: %v", err)
	}
	if result.ConversationsProcessed != 1 || result.SessionsCreated != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestInferTags(t *testing.T) {
	got := inferTags("Deploying a Go service with Docker and Postgres")
	want := []string{"go", "database", "devops"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("inferTags = %v, want %v", got, want)
	}
	if tags := inferTags("going to the store"); len(tags) != 0 {
		t.Errorf("expected no tags, got %v", tags)
	}
}

func TestExtractTopic(t *testing.T) {
	cases := map[string]string{
		"Can you explain closures?":      "explain",
		"There's a bug in my function":   "code",
		"Help me write a blog post":      "writing",
		"nothing in particular matches!": "",
	}
	for in, want := range cases {
		if got := extractTopic(in); got != want {
			t.Errorf("extractTopic(%q) = %q, want %q", in, got, want)
		}
	}
}
