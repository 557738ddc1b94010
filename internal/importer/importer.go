// Package importer turns AI chat exports into closed sessions: one session per
// conversation, one message per turn.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/store"
)

// namespace seeds deterministic session ids so re-importing an export does
// not duplicate sessions.
var namespace = uuid.MustParse("6b1f3c2e-8d0a-4f57-9a43-5c2e1d7b9f10")

// ImportResult tracks import statistics.
type ImportResult struct {
	ConversationsProcessed int
	SessionsCreated        int
	MessagesCreated        int
	Skipped                int
	Errors                 []string
	Duration               time.Duration
}

func (r *ImportResult) merge(o *ImportResult) {
	r.ConversationsProcessed += o.ConversationsProcessed
	r.SessionsCreated += o.SessionsCreated
	r.MessagesCreated += o.MessagesCreated
	r.Skipped += o.Skipped
	r.Errors = append(r.Errors, o.Errors...)
}

// turn is one message of a conversation, normalized across sources.
type turn struct {
	role string
	text string
	at   time.Time
}

// conversation is a source conversation, normalized across sources.
type conversation struct {
	source     string
	externalID string
	title      string
	started    time.Time
	ended      time.Time
	turns      []turn
}

// sessionID derives a stable id from the source and the conversation's own
// id, or its title and start time when it has none.
func (c conversation) sessionID() string {
	key := c.externalID
	if key == "" {
		key = fmt.Sprintf("%s@%d", c.title, c.started.Unix())
	}
	return uuid.NewSHA1(namespace, []byte(c.source+":"+key)).String()
}

// writer records normalized conversations.
type writer struct {
	store *store.Store
	now   func() time.Time
}

// write stores c as a closed session. It reports false when the session was
// already imported.
func (w *writer) write(ctx context.Context, c conversation) (bool, int, error) {
	started, ended := c.started, c.ended
	if started.IsZero() {
		started = w.now()
	}
	if len(c.turns) > 0 && !c.turns[0].at.IsZero() && c.turns[0].at.Before(started) {
		started = c.turns[0].at
	}
	if ended.Before(started) {
		ended = started
	}

	meta := model.Bag{"source": c.source}
	if c.externalID != "" {
		meta["externalId"] = c.externalID
	}
	if topic := firstTopic(c.turns); topic != "" {
		meta["topic"] = topic
	}
	if tags := conversationTags(c.turns); len(tags) > 0 {
		meta["tags"] = tags
	}

	sess := model.Session{
		ID:        c.sessionID(),
		Title:     c.title,
		Metadata:  meta,
		StartedAt: started,
	}
	written := 0
	err := w.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.InsertSession(ctx, sess); err != nil {
			return err
		}
		at := started
		for i, t := range c.turns {
			if !t.at.IsZero() {
				at = t.at
			}
			msg := model.SessionMessage{
				ID:        uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s/%d", sess.ID, i))).String(),
				SessionID: sess.ID,
				Content:   map[string]any{"role": t.role, "text": t.text},
				CreatedAt: at,
			}
			if err := q.InsertMessage(ctx, msg); err != nil {
				return err
			}
			written++
		}
		_, err := q.CloseSession(ctx, sess.ID, ended)
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, written, nil
}

func (w *writer) writeAll(ctx context.Context, convs []conversation, result *ImportResult) {
	for _, c := range convs {
		result.ConversationsProcessed++
		if len(c.turns) == 0 {
			result.Skipped++
			continue
		}
		created, n, err := w.write(ctx, c)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("conversation %s: %v", c.title, err))
			continue
		}
		if !created {
			result.Skipped++
			continue
		}
		result.SessionsCreated++
		result.MessagesCreated += n
	}
}

// walk imports every file under dirPath whose extension is in exts.
func walk(ctx context.Context, dirPath string, exts []string, importFile func(context.Context, string) (*ImportResult, error)) (*ImportResult, error) {
	combined := &ImportResult{}
	start := time.Now()

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !hasExt(path, exts) {
			return nil
		}
		result, err := importFile(ctx, path)
		if err != nil {
			combined.Errors = append(combined.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil // Continue with other files
		}
		combined.merge(result)
		return nil
	})

	combined.Duration = time.Since(start)
	return combined, err
}

func hasExt(path string, exts []string) bool {
	lower := strings.ToLower(path)
	for _, e := range exts {
		if strings.HasSuffix(lower, e) {
			return true
		}
	}
	return false
}

func firstTopic(turns []turn) string {
	for _, t := range turns {
		if t.role == "user" {
			return extractTopic(t.text)
		}
	}
	return ""
}

func conversationTags(turns []turn) []string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.text)
		sb.WriteByte(' ')
	}
	return inferTags(sb.String())
}

// extractTopic tries to identify the main topic from a question
func extractTopic(question string) string {
	lower := strings.ToLower(question)

	// Checked in order so the result is stable.
	topics := []struct {
		name     string
		keywords []string
	}{
		{"code", []string{"code", "function", "implement", "bug", "error", "programming"}},
		{"writing", []string{"write", "essay", "article", "blog", "story"}},
		{"explain", []string{"explain", "what is", "how does", "why"}},
		{"math", []string{"calculate", "math", "equation", "formula"}},
		{"research", []string{"research", "paper", "source"}},
		{"career", []string{"job", "career", "interview", "resume"}},
		{"learning", []string{"learn", "study", "course", "tutorial"}},
	}
	for _, topic := range topics {
		for _, kw := range topic.keywords {
			if strings.Contains(lower, kw) {
				return topic.name
			}
		}
	}
	return ""
}

// inferTags extracts relevant tags from content
func inferTags(text string) []string {
	var tags []string
	combined := strings.ToLower(text)

	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(combined, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+')
	}) {
		words[w] = true
	}

	// Programming languages, matched as whole words.
	for _, lang := range []string{"python", "javascript", "typescript", "go", "golang", "rust", "java", "c++", "ruby", "php", "swift", "kotlin"} {
		if words[lang] {
			tags = append(tags, lang)
		}
	}

	// Frameworks
	for _, fw := range []string{"react", "vue", "angular", "django", "flask", "express", "nextjs", "rails"} {
		if words[fw] {
			tags = append(tags, fw)
		}
	}

	topicKeywords := []struct {
		tag      string
		keywords []string
	}{
		{"api", []string{"api", "rest", "graphql", "endpoint"}},
		{"database", []string{"database", "sql", "postgres", "mongodb"}},
		{"ai", []string{"machine learning", "neural", "gpt", "llm"}},
		{"devops", []string{"docker", "kubernetes", "ci/cd", "deploy"}},
		{"security", []string{"security", "auth", "encryption", "jwt"}},
	}
	for _, tk := range topicKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(combined, kw) {
				tags = append(tags, tk.tag)
				break
			}
		}
	}

	return tags
}
