// Package chunker splits documents into overlapping windows for embedding.
package chunker

import (
	"strings"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/fyrsmithlabs/ragchat/internal/documents"
	"github.com/fyrsmithlabs/ragchat/internal/vectorstore"
)

// ChunkIndexKey is the metadata key holding a chunk's position in its document.
const ChunkIndexKey = "chunk_index"

// Defaults in characters (runes).
const (
	DefaultSize    = 800
	DefaultOverlap = 200
)

// separators in order of preference. A cut is placed right after the
// separator so it ends the preceding chunk.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", " "}

// Config holds the window size and overlap, both counted in runes.
type Config struct {
	Size    int
	Overlap int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return &config.ConfigurationError{Key: "chunker.size", Reason: "must be positive"}
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return &config.ConfigurationError{Key: "chunker.overlap", Reason: "must be at least 0 and below chunker.size"}
	}
	return nil
}

// Chunker cuts text into windows of at most Size runes. Consecutive
// windows of one document share exactly Overlap runes. Cuts prefer
// paragraph breaks, then line breaks, sentence ends and whitespace, and
// fall back to a hard cut at Size.
type Chunker struct {
	cfg Config
}

// New creates a Chunker.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Split chunks every document in order. Each chunk gets a copy of its
// document's metadata plus chunk_index.
func (c *Chunker) Split(docs []documents.Document) []vectorstore.Chunk {
	var out []vectorstore.Chunk
	for _, doc := range docs {
		for i, text := range c.SplitText(doc.Content) {
			meta := make(vectorstore.Metadata, len(doc.Metadata)+1)
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			meta[ChunkIndexKey] = i
			out = append(out, vectorstore.Chunk{Text: text, Metadata: meta})
		}
	}
	return out
}

// SplitText returns the windows of a single text. Blank text yields none;
// text that fits in one window is returned unchanged as the only chunk.
func (c *Chunker) SplitText(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= c.cfg.Size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for {
		end := min(start+c.cfg.Size, len(runes))
		if end < len(runes) {
			end = c.cut(runes, start, end)
		}
		if piece := string(runes[start:end]); strings.TrimSpace(piece) != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			return chunks
		}
		start = end - c.cfg.Overlap
	}
}

// cut picks the end of the window starting at start whose hard limit is
// limit. Cut points at or before start+Overlap are rejected so the next
// window always advances.
func (c *Chunker) cut(runes []rune, start, limit int) int {
	lowest := start + c.cfg.Overlap + 1
	window := string(runes[lowest:limit])
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= 0 {
			// i is a byte offset into window; convert back to runes.
			return lowest + len([]rune(window[:i+len(sep)]))
		}
	}
	return limit
}
