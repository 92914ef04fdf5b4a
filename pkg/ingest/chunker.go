package ingest

import (
	"strings"
)

// boundary search margins beyond the nominal window end
const (
	paragraphLookahead = 100
	sentenceLookahead  = 50
)

var sentenceSeparators = []string{". ", ".\n", "! ", "? "}

// Piece is one chunk of a document with its character offsets into the
// cleaned text. Offsets are rune positions, end exclusive, before
// trimming.
type Piece struct {
	Text      string
	CharStart int
	CharEnd   int
}

// Chunker splits cleaned text into fixed-size overlapping windows,
// snapping each window end to a paragraph break when one is close, then
// to a sentence end, so chunks rarely cut mid-sentence.
type Chunker struct {
	chunkSize int
	overlap   int
}

// NewChunker creates a chunker. chunkSize and overlap are in runes,
// overlap must be smaller than chunkSize.
func NewChunker(chunkSize, overlap int) *Chunker {
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

// Split chunks text. Empty and whitespace-only windows are dropped;
// offsets of the emitted pieces cover the text without gaps beyond the
// configured overlap.
func (c *Chunker) Split(text string) []Piece {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	var pieces []Piece
	start := 0
	for start < n {
		end := start + c.chunkSize
		if end >= n {
			end = n
		} else {
			end = c.snapBoundary(runes, start, end)
		}

		raw := string(runes[start:end])
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			pieces = append(pieces, Piece{
				Text:      trimmed,
				CharStart: start,
				CharEnd:   end,
			})
		}

		if end >= n {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return pieces
}

// snapBoundary moves a window end onto the nearest natural break. A
// paragraph break wins if one exists in the back half of the window or
// shortly after it; otherwise the last sentence end in a tighter region
// is used; failing both, the hard cut stands.
func (c *Chunker) snapBoundary(runes []rune, start, end int) int {
	n := len(runes)
	searchFrom := start + c.chunkSize/2

	limit := end + paragraphLookahead
	if limit > n {
		limit = n
	}
	if pos := lastIndexFrom(runes, "\n\n", searchFrom, limit); pos >= 0 {
		return pos + 2
	}

	limit = end + sentenceLookahead
	if limit > n {
		limit = n
	}
	best := -1
	sepLen := 0
	for _, sep := range sentenceSeparators {
		if pos := lastIndexFrom(runes, sep, searchFrom, limit); pos > best {
			best = pos
			sepLen = len([]rune(sep))
		}
	}
	if best >= 0 {
		return best + sepLen
	}
	return end
}

// lastIndexFrom finds the last occurrence of sep fully inside
// runes[from:limit], returned as an absolute rune offset.
func lastIndexFrom(runes []rune, sep string, from, limit int) int {
	if from < 0 {
		from = 0
	}
	if limit > len(runes) {
		limit = len(runes)
	}
	if from >= limit {
		return -1
	}
	idx := strings.LastIndex(string(runes[from:limit]), sep)
	if idx < 0 {
		return -1
	}
	// convert byte offset within the slice back to a rune offset
	return from + len([]rune(string(runes[from:limit])[:idx]))
}
