package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/store"
)

// ClaudeConversation represents a Claude export conversation
type ClaudeConversation struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ChatMessages []ClaudeMessage `json:"chat_messages"`
}

// ClaudeMessage represents a message in Claude format
type ClaudeMessage struct {
	UUID      string    `json:"uuid"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"` // "human" or "assistant"
	CreatedAt time.Time `json:"created_at"`
}

// ClaudeImporter imports Claude conversation history
type ClaudeImporter struct {
	w writer
}

// NewClaudeImporter creates a new Claude importer
func NewClaudeImporter(s *store.Store) *ClaudeImporter {
	return &ClaudeImporter{w: writer{store: s, now: time.Now}}
}

// ImportFromFile imports conversations from a Claude export file. Exports are
// either JSONL (one conversation per line), a JSON array, or a single
// conversation object.
func (i *ClaudeImporter) ImportFromFile(ctx context.Context, filePath string) (*ImportResult, error) {
	start := time.Now()
	result := &ImportResult{}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var conversations []ClaudeConversation
	if strings.ToLower(filepath.Ext(filePath)) == ".jsonl" {
		scanner := bufio.NewScanner(file)
		// Long conversations exceed the default token size.
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			var conv ClaudeConversation
			if err := json.Unmarshal(line, &conv); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line parse error: %v", err))
				continue
			}
			conversations = append(conversations, conv)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scanner error: %w", err)
		}
	} else {
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		if err := json.Unmarshal(data, &conversations); err != nil {
			var single ClaudeConversation
			if err := json.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("failed to parse JSON: %w", err)
			}
			conversations = []ClaudeConversation{single}
		}
	}

	convs := make([]conversation, 0, len(conversations))
	for _, conv := range conversations {
		convs = append(convs, normalizeClaude(conv))
	}
	i.w.writeAll(ctx, convs, result)

	result.Duration = time.Since(start)
	return result, nil
}

// ImportFromDirectory imports all JSON/JSONL files from a directory
func (i *ClaudeImporter) ImportFromDirectory(ctx context.Context, dirPath string) (*ImportResult, error) {
	return walk(ctx, dirPath, []string{".json", ".jsonl"}, i.ImportFromFile)
}

func normalizeClaude(conv ClaudeConversation) conversation {
	c := conversation{
		source:     "claude",
		externalID: conv.UUID,
		title:      conv.Name,
		started:    conv.CreatedAt,
		ended:      conv.UpdatedAt,
	}
	for _, msg := range conv.ChatMessages {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		role := msg.Sender
		if role == "human" {
			role = "user"
		}
		c.turns = append(c.turns, turn{role: role, text: text, at: msg.CreatedAt})
	}
	return c
}
