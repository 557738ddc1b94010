// Package model holds the provenance record types shared by the store, the
// ingestion pipeline and the lineage walkers.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Bag is an opaque, schema-less JSON object (metadata, extensions, proofs).
type Bag map[string]any

// Value implements driver.Valuer so a Bag can be bound as a TEXT column.
func (b Bag) Value() (driver.Value, error) {
	if b == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]any(b))
	if err != nil {
		return nil, fmt.Errorf("failed to encode bag: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (b *Bag) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*b = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported bag source %T", src)
	}
	if len(raw) == 0 {
		*b = nil
		return nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to decode bag: %w", err)
	}
	if len(m) == 0 {
		*b = nil
		return nil
	}
	*b = m
	return nil
}

// Entity is an actor: a person, an AI system or an organization.
type Entity struct {
	ID         string     `json:"id"`
	Role       EntityRole `json:"role"`
	Name       string     `json:"name,omitempty"`
	Wallet     string     `json:"wallet,omitempty"`
	PublicKey  string     `json:"publicKey,omitempty"`
	Metadata   Bag        `json:"metadata,omitempty"`
	Extensions Bag        `json:"extensions,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Location is one place the bytes of a resource can be fetched from.
type Location struct {
	URI      string `json:"uri"`
	Provider string `json:"provider"`
	Verified bool   `json:"verified"`
}

// Resource is a content-addressed artifact. It is immutable once written.
type Resource struct {
	CID        string       `json:"cid"`
	Size       int64        `json:"size"`
	Algorithm  string       `json:"algorithm"`
	Type       ResourceType `json:"type"`
	Locations  []Location   `json:"locations"`
	CreatedBy  string       `json:"createdBy"`
	RootAction string       `json:"rootAction"`
	License    string       `json:"license,omitempty"`
	Embedding  []float32    `json:"embedding,omitempty"`
	Extensions Bag          `json:"extensions,omitempty"`
	SessionID  string       `json:"sessionId,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Stripped returns a copy of r without its embedding vector.
func (r Resource) Stripped() Resource {
	r.Embedding = nil
	return r
}

// Action is an event performed by an entity that consumes and produces
// resources. Actions are append-only.
type Action struct {
	ID          string     `json:"id"`
	Type        ActionType `json:"type"`
	PerformedBy string     `json:"performedBy"`
	Timestamp   time.Time  `json:"timestamp"`
	InputCIDs   []string   `json:"inputCids"`
	OutputCIDs  []string   `json:"outputCids"`
	ToolUsed    string     `json:"toolUsed,omitempty"`
	Proof       string     `json:"proof,omitempty"`
	Extensions  Bag        `json:"extensions,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
}

// Attribution credits an entity for a resource.
type Attribution struct {
	ID                    string          `json:"id"`
	ResourceCID           string          `json:"resourceCid"`
	EntityID              string          `json:"entityId"`
	Role                  AttributionRole `json:"role"`
	Weight                *int            `json:"weight,omitempty"`
	IncludedInRevenue     bool            `json:"includedInRevenue"`
	IncludedInAttribution bool            `json:"includedInAttribution"`
	Note                  string          `json:"note,omitempty"`
	Extensions            Bag             `json:"extensions,omitempty"`
}

// MaxWeight is the upper bound of an attribution weight, in basis points.
const MaxWeight = 10000

// Session groups messages, actions and resources from one interaction.
type Session struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Metadata  Bag        `json:"metadata,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Closed reports whether the session has been ended.
func (s Session) Closed() bool { return s.EndedAt != nil }

// SessionMessage is one message recorded in a session. Content is opaque.
type SessionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	EntityID  string    `json:"entityId,omitempty"`
	Content   any       `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
