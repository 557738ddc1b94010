package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/store"
)

// ChatGPTConversation represents a ChatGPT export conversation
type ChatGPTConversation struct {
	ID          string                 `json:"id,omitempty"`
	Title       string                 `json:"title"`
	CreateTime  float64                `json:"create_time"`
	UpdateTime  float64                `json:"update_time"`
	Mapping     map[string]ChatGPTNode `json:"mapping"`
	CurrentNode string                 `json:"current_node,omitempty"`
}

// ChatGPTNode represents a node in the conversation tree
type ChatGPTNode struct {
	ID       string          `json:"id"`
	Message  *ChatGPTMessage `json:"message,omitempty"`
	Parent   *string         `json:"parent,omitempty"`
	Children []string        `json:"children,omitempty"`
}

// ChatGPTMessage represents a message in ChatGPT format
type ChatGPTMessage struct {
	ID         string         `json:"id"`
	Author     ChatGPTAuthor  `json:"author"`
	CreateTime *float64       `json:"create_time,omitempty"`
	Content    ChatGPTContent `json:"content"`
	Status     string         `json:"status,omitempty"`
}

// ChatGPTAuthor represents the message author
type ChatGPTAuthor struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// ChatGPTContent represents message content
type ChatGPTContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts,omitempty"`
}

// ChatGPTExport represents the full export file
type ChatGPTExport []ChatGPTConversation

// ChatGPTImporter imports ChatGPT conversation history
type ChatGPTImporter struct {
	w writer
}

// NewChatGPTImporter creates a new ChatGPT importer
func NewChatGPTImporter(s *store.Store) *ChatGPTImporter {
	return &ChatGPTImporter{w: writer{store: s, now: time.Now}}
}

// ImportFromFile imports conversations from a ChatGPT export file
func (i *ChatGPTImporter) ImportFromFile(ctx context.Context, filePath string) (*ImportResult, error) {
	start := time.Now()
	result := &ImportResult{}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var export ChatGPTExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	convs := make([]conversation, 0, len(export))
	for _, conv := range export {
		convs = append(convs, normalizeChatGPT(conv))
	}
	i.w.writeAll(ctx, convs, result)

	result.Duration = time.Since(start)
	return result, nil
}

// ImportFromDirectory imports all JSON files from a directory
func (i *ChatGPTImporter) ImportFromDirectory(ctx context.Context, dirPath string) (*ImportResult, error) {
	return walk(ctx, dirPath, []string{".json"}, i.ImportFromFile)
}

func normalizeChatGPT(conv ChatGPTConversation) conversation {
	c := conversation{
		source:     "chatgpt",
		externalID: conv.ID,
		title:      conv.Title,
		started:    fromEpoch(conv.CreateTime),
		ended:      fromEpoch(conv.UpdateTime),
	}
	for _, node := range flattenConversation(conv) {
		msg := node.Message
		if msg == nil || msg.Content.ContentType != "text" {
			continue
		}
		text := strings.TrimSpace(strings.Join(msg.Content.Parts, "\n"))
		if text == "" {
			continue
		}
		t := turn{role: msg.Author.Role, text: text}
		if msg.CreateTime != nil {
			t.at = fromEpoch(*msg.CreateTime)
		}
		c.turns = append(c.turns, t)
	}
	return c
}

// flattenConversation converts the tree to a linear list. When the export
// names a current node, the branch leading to it is the conversation;
// otherwise every branch is walked depth-first from the roots.
func flattenConversation(conv ChatGPTConversation) []ChatGPTNode {
	if node, ok := conv.Mapping[conv.CurrentNode]; ok {
		var path []ChatGPTNode
		seen := map[string]bool{}
		for ok && !seen[node.ID] {
			seen[node.ID] = true
			path = append(path, node)
			if node.Parent == nil {
				break
			}
			node, ok = conv.Mapping[*node.Parent]
		}
		for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
			path[l], path[r] = path[r], path[l]
		}
		return path
	}

	var roots []string
	for id, node := range conv.Mapping {
		if node.Parent == nil || *node.Parent == "" {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	var result []ChatGPTNode
	seen := map[string]bool{}
	var traverse func(id string)
	traverse = func(id string) {
		node, ok := conv.Mapping[id]
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		result = append(result, node)
		for _, childID := range node.Children {
			traverse(childID)
		}
	}
	for _, root := range roots {
		traverse(root)
	}
	return result
}

func fromEpoch(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
