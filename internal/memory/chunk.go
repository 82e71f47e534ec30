package memory

import (
	"strings"
	"time"
)

// Source tells where a chunk's text came from.
type Source string

const (
	SourceConversation Source = "conversation"
	SourceDocument     Source = "document"
)

// Valid reports whether the source is known.
func (s Source) Valid() bool {
	return s == SourceConversation || s == SourceDocument
}

// Chunk is an immutable embedded passage owned by one user.
type Chunk struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Source    Source    `json:"source"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoredChunk pairs a chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Chunker splits text into overlapping word windows.
type Chunker struct {
	Words    int
	Overlap  int
	MinChars int
}

// DefaultChunker uses 512-word windows with a 50-word overlap.
func DefaultChunker() Chunker {
	return Chunker{Words: 512, Overlap: 50, MinChars: 50}
}

// Split returns passages in document order. Passages shorter than MinChars are
// dropped, unless the whole text is a single short passage.
func (c Chunker) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	size := c.Words
	if size <= 0 {
		size = 512
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap

	var out []string
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		passage := strings.Join(words[start:end], " ")
		if len(passage) >= c.MinChars {
			out = append(out, passage)
		}
		if end == len(words) {
			break
		}
	}
	if len(out) == 0 {
		// short conversation turns are still worth remembering
		out = append(out, strings.Join(words, " "))
	}
	return out
}
