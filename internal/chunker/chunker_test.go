package chunker

import (
	"strings"
	"testing"
)

func TestSplit_EmptyInput(t *testing.T) {
	result := Split("", DefaultOptions())
	if result != nil {
		t.Errorf("expected nil, got %v", result)
	}
}

func TestSplit_ShortContent(t *testing.T) {
	text := "Find HDPE suppliers in the midwest."
	result := Split(text, DefaultOptions())
	if len(result) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(result))
	}
	if result[0].Text != text {
		t.Errorf("expected %q, got %q", text, result[0].Text)
	}
	if result[0].Seq != 0 {
		t.Errorf("expected seq 0, got %d", result[0].Seq)
	}
}

func TestSplit_ParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("This is a sentence. ", 15) // ~300 chars each
	text := para + "\n\n" + para + "\n\n" + para

	opts := Options{TargetSize: 400, MaxSize: 500}
	result := Split(text, opts)
	if len(result) < 2 {
		t.Fatalf("expected at least 2 units from paragraph splits, got %d", len(result))
	}
	for i, u := range result {
		if u.Seq != i {
			t.Errorf("unit %d has seq %d", i, u.Seq)
		}
	}
}

func TestSplit_MergesSmallParagraphs(t *testing.T) {
	text := "Short.\n\nAlso short."
	result := Split(text, DefaultOptions())
	if len(result) != 1 {
		t.Errorf("expected 1 merged unit, got %d", len(result))
	}
}

func TestSplit_HardSplitsOversizedParagraph(t *testing.T) {
	text := strings.Repeat("word ", 300) // ~1500 chars, no paragraph breaks
	opts := Options{TargetSize: 200, MaxSize: 300}
	result := Split(text, opts)
	if len(result) < 2 {
		t.Fatalf("expected at least 2 units, got %d", len(result))
	}
	for _, u := range result {
		if len(u.Text) > opts.MaxSize {
			t.Errorf("unit exceeds max size: %d chars", len(u.Text))
		}
	}
}
