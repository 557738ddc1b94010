package importer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/CanopyHQ/xylem/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "xylem.db"), 8)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func TestNewChatGPTImporter(t *testing.T) {
	s := openStore(t)
	imp := NewChatGPTImporter(s)
	if imp == nil || imp.w.store != s {
		t.Error("NewChatGPTImporter failed")
	}
}

func TestChatGPTImporter_ImportFromFile_invalidPath(t *testing.T) {
	imp := NewChatGPTImporter(openStore(t))
	_, err := imp.ImportFromFile(context.Background(), "/nonexistent/path.json")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestChatGPTImporter_ImportFromFile_invalidJSON(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "broken.json")
	os.WriteFile(fpath, []byte("{not json"), 0644)
	_, err := NewChatGPTImporter(openStore(t)).ImportFromFile(context.Background(), fpath)
	if err == nil {
		t.Fatal("expected parse error")
	}
}

// TestChatGPTImporter_ImportFromFile_createsSession follows the current_node
// branch and skips the abandoned sibling.
func TestChatGPTImporter_ImportFromFile_createsSession(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	conv := ChatGPTConversation{
		ID:          "conv-1",
		Title:       "Python binary search",
		CreateTime:  1700000000,
		UpdateTime:  1700000100,
		CurrentNode: "answer",
		Mapping: map[string]ChatGPTNode{
			"root": {ID: "root", Children: []string{"question"}},
			"question": {
				ID:     "question",
				Parent: strPtr("root"),
				Message: &ChatGPTMessage{
					ID:         "m1",
					Author:     ChatGPTAuthor{Role: "user"},
					CreateTime: floatPtr(1700000010),
					Content:    ChatGPTContent{ContentType: "text", Parts: []string{"How do I implement binary search in Python?"}},
				},
				Children: []string{"abandoned", "answer"},
			},
			"abandoned": {
				ID:     "abandoned",
				Parent: strPtr("question"),
				Message: &ChatGPTMessage{
					ID: "m2", Author: ChatGPTAuthor{Role: "assistant"},
					Content: ChatGPTContent{ContentType: "text", Parts: []string{"regenerated away"}},
				},
			},
			"answer": {
				ID:     "answer",
				Parent: strPtr("question"),
				Message: &ChatGPTMessage{
					ID:         "m3",
					Author:     ChatGPTAuthor{Role: "assistant"},
					CreateTime: floatPtr(1700000020),
					Content:    ChatGPTContent{ContentType: "text", Parts: []string{"Split the list in half and recurse."}},
				},
			},
		},
	}
	data, _ := json.Marshal([]ChatGPTConversation{conv})
	fpath := filepath.Join(t.TempDir(), "conversations.json")
	os.WriteFile(fpath, data, 0644)

	imp := NewChatGPTImporter(s)
	result, err := imp.ImportFromFile(ctx, fpath)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if result.SessionsCreated != 1 || result.MessagesCreated != 2 {
		t.Fatalf("got %d sessions / %d messages, want 1 / 2 (errors: %v)",
			result.SessionsCreated, result.MessagesCreated, result.Errors)
	}

	id := normalizeChatGPT(conv).sessionID()
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.Closed() {
		t.Error("imported session should be closed")
	}
	if sess.Title != "Python binary search" {
		t.Errorf("title = %q", sess.Title)
	}
	if sess.Metadata["source"] != "chatgpt" || sess.Metadata["topic"] != "code" {
		t.Errorf("metadata = %v", sess.Metadata)
	}

	msgs, err := s.MessagesBySession(ctx, id)
	if err != nil {
		t.Fatalf("MessagesBySession: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first := msgs[0].Content.(map[string]any)
	if first["role"] != "user" {
		t.Errorf("first message role = %v", first["role"])
	}
	second := msgs[1].Content.(map[string]any)
	if second["text"] != "Split the list in half and recurse." {
		t.Errorf("second message text = %v", second["text"])
	}

	again, err := imp.ImportFromFile(ctx, fpath)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if again.SessionsCreated != 0 || again.Skipped != 1 {
		t.Errorf("re-import created %d, skipped %d", again.SessionsCreated, again.Skipped)
	}
}

func TestChatGPTImporter_emptyConversationSkipped(t *testing.T) {
	conv := ChatGPTConversation{
		Title: "Empty",
		Mapping: map[string]ChatGPTNode{
			"n1": {ID: "n1", Message: &ChatGPTMessage{
				ID: "m1", Author: ChatGPTAuthor{Role: "system"}, Content: ChatGPTContent{ContentType: "code"},
			}},
		},
	}
	data, _ := json.Marshal([]ChatGPTConversation{conv})
	fpath := filepath.Join(t.TempDir(), "empty.json")
	os.WriteFile(fpath, data, 0644)

	result, err := NewChatGPTImporter(openStore(t)).ImportFromFile(context.Background(), fpath)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if result.ConversationsProcessed != 1 || result.Skipped != 1 || result.SessionsCreated != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

// TestChatGPTImporter_ImportFromDirectory walks a directory and imports JSON files.
func TestChatGPTImporter_ImportFromDirectory(t *testing.T) {
	sub := filepath.Join(t.TempDir(), "sub")
	os.MkdirAll(sub, 0755)
	conv := ChatGPTConversation{
		Title: "Dir import test",
		Mapping: map[string]ChatGPTNode{
			"n1": {ID: "n1", Message: &ChatGPTMessage{
				ID: "m1", Author: ChatGPTAuthor{Role: "user"}, Content: ChatGPTContent{ContentType: "text", Parts: []string{"Hi"}},
			}},
		},
	}
	data, _ := json.Marshal([]ChatGPTConversation{conv})
	os.WriteFile(filepath.Join(sub, "a.json"), data, 0644)
	os.WriteFile(filepath.Join(sub, "notes.txt"), []byte("ignored"), 0644)

	result, err := NewChatGPTImporter(openStore(t)).ImportFromDirectory(context.Background(), sub)
	if err != nil {
		t.Fatalf("ImportFromDirectory: %v", err)
	}
	if result.ConversationsProcessed != 1 || result.SessionsCreated != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestFlattenConversation_withoutCurrentNode(t *testing.T) {
	conv := ChatGPTConversation{
		Mapping: map[string]ChatGPTNode{
			"a": {ID: "a", Children: []string{"b"}},
			"b": {ID: "b", Parent: strPtr("a"), Children: []string{"c"}},
			"c": {ID: "c", Parent: strPtr("b")},
		},
	}
	got := flattenConversation(conv)
	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Errorf("unexpected order: %+v", got)
	}
}
