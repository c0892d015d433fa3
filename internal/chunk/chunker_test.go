package chunk

import (
	"strings"
	"testing"
)

func TestPolicy_Split_SmallText(t *testing.T) {
	policy := DefaultPolicy()

	pieces := policy.Split("short text")
	if len(pieces) != 1 {
		t.Fatalf("Split() returned %d pieces, want 1", len(pieces))
	}
	if pieces[0].Index != 0 || pieces[0].Total != 1 {
		t.Errorf("Split() index/total = %d/%d, want 0/1", pieces[0].Index, pieces[0].Total)
	}
	if pieces[0].Text != "short text" {
		t.Errorf("Split() text = %q, want original text", pieces[0].Text)
	}
}

func TestPolicy_Split_EmptyText(t *testing.T) {
	policy := DefaultPolicy()

	if pieces := policy.Split(""); len(pieces) != 0 {
		t.Errorf("Split(\"\") returned %d pieces, want 0", len(pieces))
	}
}

func TestPolicy_Split_Indexes(t *testing.T) {
	policy := Policy{TokenBudget: 10, OverlapFraction: 0.20}
	text := strings.Repeat("abcd", 100) // 400 runes, budget is 40 runes per piece

	pieces := policy.Split(text)
	if len(pieces) < 2 {
		t.Fatalf("Split() returned %d pieces, want several", len(pieces))
	}

	for i, piece := range pieces {
		if piece.Index != i {
			t.Errorf("piece %d has Index %d", i, piece.Index)
		}
		if piece.Total != len(pieces) {
			t.Errorf("piece %d has Total %d, want %d", i, piece.Total, len(pieces))
		}
	}
}

func TestPolicy_Split_Reconstruction(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		text   string
	}{
		{
			name:   "ascii",
			policy: Policy{TokenBudget: 8, OverlapFraction: 0.25},
			text:   strings.Repeat("0123456789", 50),
		},
		{
			name:   "multibyte runes",
			policy: Policy{TokenBudget: 8, OverlapFraction: 0.25},
			text:   strings.Repeat("héllo wörld ", 60),
		},
		{
			name:   "no overlap",
			policy: Policy{TokenBudget: 8, OverlapFraction: 0},
			text:   strings.Repeat("x", 200),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pieces := tt.policy.Split(tt.text)
			runes := []rune(tt.text)

			// Concatenating pieces minus the overlap must reconstruct the text.
			var rebuilt []rune
			prevEnd := 0
			for _, piece := range pieces {
				pieceRunes := []rune(piece.Text)
				skip := prevEnd - piece.StartOffset
				if skip < 0 {
					t.Fatalf("piece %d leaves a gap: prev end %d, start %d", piece.Index, prevEnd, piece.StartOffset)
				}
				rebuilt = append(rebuilt, pieceRunes[skip:]...)
				prevEnd = piece.EndOffset
			}

			if string(rebuilt) != tt.text {
				t.Errorf("reconstruction mismatch: got %d runes, want %d", len(rebuilt), len(runes))
			}

			// Offsets must match the piece text.
			for _, piece := range pieces {
				if string(runes[piece.StartOffset:piece.EndOffset]) != piece.Text {
					t.Errorf("piece %d offsets do not match its text", piece.Index)
				}
			}
		})
	}
}

func TestPolicy_NeedsSplit(t *testing.T) {
	policy := Policy{TokenBudget: 10, OverlapFraction: 0.20}

	if policy.NeedsSplit(strings.Repeat("a", 40)) {
		t.Error("NeedsSplit() = true for text at the budget")
	}
	if !policy.NeedsSplit(strings.Repeat("a", 41)) {
		t.Error("NeedsSplit() = false for text over the budget")
	}
}

func TestChunkID(t *testing.T) {
	if got := ChunkID("doc-7", 2); got != "doc-7-chunk-2" {
		t.Errorf("ChunkID() = %q, want doc-7-chunk-2", got)
	}
}
