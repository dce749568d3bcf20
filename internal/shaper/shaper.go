// Package shaper implements the Response Shaper (component F): it decides
// whether a result is inlined, truncated with a spill file, or always
// spilled, and writes spill files idempotently under a request's output
// directory.
package shaper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Mode selects how a result is shaped.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeFull    Mode = "full"
	ModeSummary Mode = "summary"
	ModeRefs    Mode = "refs"
)

// DefaultInlineThreshold is the byte size under which "auto" behaves like
// "full".
const DefaultInlineThreshold = 8 * 1024

// DefaultPreviewBytes bounds the inline prefix kept for "summary" results.
const DefaultPreviewBytes = 512

// DefaultRefsPreviewBytes bounds the short preview kept for "refs" results.
const DefaultRefsPreviewBytes = 120

// Shaped is the envelope every shaping produces.
type Shaped struct {
	Truncated bool   `json:"truncated"`
	Inline    string `json:"inline,omitempty"`
	File      string `json:"file,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

// Shaper writes spill files under a fixed output_dir.
type Shaper struct {
	outputDir       string
	inlineThreshold int
}

// New constructs a Shaper rooted at outputDir. inlineThreshold <= 0 uses
// DefaultInlineThreshold.
func New(outputDir string, inlineThreshold int) *Shaper {
	if inlineThreshold <= 0 {
		inlineThreshold = DefaultInlineThreshold
	}
	return &Shaper{outputDir: outputDir, inlineThreshold: inlineThreshold}
}

// Shape applies mode to content.
func (s *Shaper) Shape(mode Mode, content []byte) (Shaped, error) {
	switch mode {
	case ModeFull:
		return Shaped{Inline: string(content)}, nil
	case ModeRefs:
		shaped, err := s.spill(content, DefaultRefsPreviewBytes)
		shaped.Truncated = true // refs always spills, regardless of how much fit in the preview
		return shaped, err
	case ModeSummary:
		return s.spill(content, DefaultPreviewBytes)
	case ModeAuto, "":
		if len(content) <= s.inlineThreshold {
			return Shaped{Inline: string(content)}, nil
		}
		return s.spill(content, DefaultPreviewBytes)
	default:
		return Shaped{}, fmt.Errorf("shaper: unknown mode %q", mode)
	}
}

// ShapeJSON marshals v and shapes the resulting bytes.
func (s *Shaper) ShapeJSON(mode Mode, v any) (Shaped, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Shaped{}, fmt.Errorf("shaper: marshal: %w", err)
	}
	return s.Shape(mode, data)
}

// spill writes content to a digest-named file under output_dir and
// returns a Shaped referencing it, keeping up to previewBytes inline. The
// write is idempotent: a second spill of identical bytes reuses the same
// path without rewriting it.
func (s *Shaper) spill(content []byte, previewBytes int) (Shaped, error) {
	if s.outputDir == "" {
		return Shaped{}, fmt.Errorf("shaper: output_dir required to spill")
	}
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	path := filepath.Join(s.outputDir, "mcpu-"+digest+".json")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
			return Shaped{}, fmt.Errorf("shaper: mkdir %s: %w", s.outputDir, err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, content, 0o644); err != nil {
			return Shaped{}, fmt.Errorf("shaper: write %s: %w", path, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return Shaped{}, fmt.Errorf("shaper: rename %s: %w", path, err)
		}
	} else if err != nil {
		return Shaped{}, fmt.Errorf("shaper: stat %s: %w", path, err)
	}

	preview := content
	truncated := false
	if previewBytes > 0 && len(preview) > previewBytes {
		preview = preview[:previewBytes]
		truncated = true
	} else if previewBytes == 0 {
		preview = nil
	}

	return Shaped{
		Truncated: truncated || previewBytes == 0,
		File:      path,
		Preview:   string(preview),
	}, nil
}
