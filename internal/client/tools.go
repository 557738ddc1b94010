package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/CanopyHQ/xylem/internal/ingest"
	"github.com/CanopyHQ/xylem/internal/model"
)

// ToolCache registers tool definitions once per client. Entries are keyed by
// tool name and the JSON encoding of its spec; concurrent calls for the same
// key share one upload.
type ToolCache struct {
	client *Client
	group  singleflight.Group

	mu   sync.RWMutex
	cids map[string]string
}

func newToolCache(c *Client) *ToolCache {
	return &ToolCache{client: c, cids: map[string]string{}}
}

// EnsureTool returns the cid of the tool definition, registering it on first
// use. A definition the server already holds resolves to the existing cid.
func (t *ToolCache) EnsureTool(ctx context.Context, name string, spec any) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool spec: %w", err)
	}
	key := name + "\x00" + string(raw)

	t.mu.RLock()
	cid, ok := t.cids[key]
	t.mu.RUnlock()
	if ok {
		return cid, nil
	}

	v, err, _ := t.group.Do(key, func() (any, error) {
		t.mu.RLock()
		cid, ok := t.cids[key]
		t.mu.RUnlock()
		if ok {
			return cid, nil
		}
		res, err := t.client.File(ctx, Upload{Data: raw, Filename: name + ".json", Mime: "application/json"}, toolDescriptor(name))
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		t.cids[key] = res.CID
		t.mu.Unlock()
		return res.CID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Len reports how many definitions are cached.
func (t *ToolCache) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cids)
}

func toolDescriptor(name string) ingest.Descriptor {
	publisher := name
	if publisher == "" {
		publisher = "Tool Publisher"
	}
	return ingest.Descriptor{
		Entity:       ingest.EntityInput{Role: string(model.RoleOrganization), Name: publisher},
		Action:       ingest.ActionInput{Type: string(model.ActionCreate)},
		ResourceType: string(model.TypeTool),
	}
}
