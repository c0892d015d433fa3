// Package chunk splits oversized document text into fixed token-budget
// pieces with a fractional overlap between consecutive pieces. The split is
// deterministic: the same text and policy always produce the same pieces.
package chunk

import "fmt"

const (
	// RunesPerToken is an approximation for token counting (4 chars per token).
	RunesPerToken = 4

	// DefaultTokenBudget is the per-piece token budget.
	DefaultTokenBudget = 8192

	// DefaultOverlapFraction is the fraction of a piece repeated at the start
	// of the next piece.
	DefaultOverlapFraction = 0.20
)

// Policy describes how text is split into pieces.
type Policy struct {
	TokenBudget     int
	OverlapFraction float64
}

// DefaultPolicy returns the default chunking policy (8192 tokens, 20% overlap).
func DefaultPolicy() Policy {
	return Policy{
		TokenBudget:     DefaultTokenBudget,
		OverlapFraction: DefaultOverlapFraction,
	}
}

// Piece is one contiguous slice of the original text. Offsets are rune
// offsets into the original text; pieces cover the text contiguously, each
// overlapping its predecessor by the policy's overlap fraction.
type Piece struct {
	Index       int
	Total       int
	StartOffset int
	EndOffset   int
	Text        string
}

// ChunkID returns the staged-document id for a piece of the given item.
func ChunkID(originalID string, index int) string {
	return fmt.Sprintf("%s-chunk-%d", originalID, index)
}

// NeedsSplit reports whether text exceeds the policy's token budget.
func (p Policy) NeedsSplit(text string) bool {
	return len([]rune(text)) > p.maxRunes()
}

// Split splits text into pieces. Text within the token budget yields a
// single piece covering the whole text; empty text yields no pieces.
func (p Policy) Split(text string) []Piece {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	maxRunes := p.maxRunes()
	if len(runes) <= maxRunes {
		return []Piece{{
			Index:       0,
			Total:       1,
			StartOffset: 0,
			EndOffset:   len(runes),
			Text:        text,
		}}
	}

	overlap := int(float64(maxRunes) * p.overlapFraction())
	if overlap >= maxRunes {
		overlap = maxRunes - 1
	}
	step := maxRunes - overlap

	var pieces []Piece
	for start := 0; ; start += step {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, Piece{
			Index:       len(pieces),
			StartOffset: start,
			EndOffset:   end,
			Text:        string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}

	for i := range pieces {
		pieces[i].Total = len(pieces)
	}
	return pieces
}

func (p Policy) maxRunes() int {
	budget := p.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return budget * RunesPerToken
}

func (p Policy) overlapFraction() float64 {
	f := p.OverlapFraction
	if f < 0 || f >= 1 {
		return DefaultOverlapFraction
	}
	return f
}
