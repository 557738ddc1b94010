// Package bundle reads and writes .xylem archives: a provenance bundle with
// a manifest, gzip-compressed behind a magic header.
package bundle

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/CanopyHQ/xylem/internal/lineage"
)

// MagicBytes open every .xylem file: XYLM
var MagicBytes = []byte{0x58, 0x59, 0x4C, 0x4D}

// Version 1
const Version = 1

// Extension is the conventional file suffix.
const Extension = ".xylem"

// ErrFormat reports a file that is not a .xylem archive.
var ErrFormat = errors.New("invalid file format: not a .xylem file")

// Manifest describes an archive.
type Manifest struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Author        string    `json:"author,omitempty"`
	RootCID       string    `json:"root_cid"`
	Depth         int       `json:"depth"`
	CreatedAt     time.Time `json:"created_at"`
	ResourceCount int       `json:"resource_count"`
	ActionCount   int       `json:"action_count"`
	Truncated     bool      `json:"truncated"`
}

// Payload is the JSON content inside the gzip stream.
type Payload struct {
	Manifest Manifest       `json:"manifest"`
	Bundle   lineage.Bundle `json:"bundle"`
}

// Write encodes manifest and b to w. Counts in the manifest are filled in
// from b.
func Write(w io.Writer, manifest Manifest, b lineage.Bundle) error {
	manifest.ResourceCount = len(b.Resources)
	manifest.ActionCount = len(b.Actions)
	manifest.Truncated = b.Truncated

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(Version)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(Payload{Manifest: manifest, Bundle: b}); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to flush payload: %w", err)
	}
	return nil
}

// Read decodes an archive from r.
func Read(r io.Reader) (*Payload, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	for i := range magic {
		if magic[i] != MagicBytes[i] {
			return nil, ErrFormat
		}
	}

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported version: %d (expected %d)", version, Version)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var payload Payload
	if err := json.NewDecoder(gz).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &payload, nil
}

// Package writes a .xylem file at outputPath.
func Package(manifest Manifest, b lineage.Bundle, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, manifest, b); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return f.Close()
}

// Unpack reads a .xylem file.
func Unpack(inputPath string) (*Payload, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

// Inspect returns just the manifest.
// Note: the whole stream is still decompressed; the manifest is not stored in
// a separate block.
func Inspect(inputPath string) (*Manifest, error) {
	payload, err := Unpack(inputPath)
	if err != nil {
		return nil, err
	}
	return &payload.Manifest, nil
}
