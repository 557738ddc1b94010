// Package cas is the content store: it pins raw bytes under their content
// identifier and fetches them back.
package cas

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/CanopyHQ/xylem/internal/model"
)

// ErrNotFound is returned by Fetch for an unknown cid.
var ErrNotFound = errors.New("content not found")

// PinResult describes pinned content.
type PinResult struct {
	CID  string `json:"cid"`
	Size int64  `json:"size"`
}

// Store pins and fetches content-addressed bytes.
type Store interface {
	Pin(ctx context.Context, data []byte, filename, mime string) (PinResult, error)
	Fetch(ctx context.Context, cid string) ([]byte, error)
	// Location describes where pinned content can be retrieved.
	Location(cid string) model.Location
	Close() error
}

// Compute returns the CIDv1 (raw codec, sha2-256) of data. Identical bytes
// always yield the identical string.
func Compute(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Parse validates a cid string and returns its canonical form.
func Parse(s string) (string, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid cid %q: %w", s, err)
	}
	return c.String(), nil
}

func ipfsLocation(c, provider string) model.Location {
	return model.Location{URI: "ipfs://" + c, Provider: provider, Verified: true}
}
