package index

import (
	"errors"
	"strings"
	"testing"
)

func TestPptx_SlideTextDocumentOrder(t *testing.T) {
	dir := t.TempDir()
	path := writePptxFixture(t, dir, "deck.pptx", 12192000, 6858000, []slideSpec{
		{paragraphs: []string{"Title slide", "Subtitle here"}},
		{paragraphs: []string{"Second slide"}},
	})

	p, err := OpenPptx(path)
	if err != nil {
		t.Fatalf("OpenPptx: %v", err)
	}
	defer p.Close() //nolint:errcheck

	if got := p.SlideCount(); got != 2 {
		t.Errorf("SlideCount = %d, want 2", got)
	}

	text, err := p.SlideText(1)
	if err != nil {
		t.Fatalf("SlideText(1): %v", err)
	}
	if !strings.Contains(text, "Title slide") || !strings.Contains(text, "Subtitle here") {
		t.Errorf("missing run text: %q", text)
	}
	if strings.Index(text, "Title slide") > strings.Index(text, "Subtitle here") {
		t.Errorf("paragraphs out of document order: %q", text)
	}
}

func TestPptx_SlideTextMalformedXML(t *testing.T) {
	dir := t.TempDir()
	path := writePptxFixture(t, dir, "deck.pptx", 12192000, 6858000, []slideSpec{
		{malformed: true},
	})

	p, err := OpenPptx(path)
	if err != nil {
		t.Fatalf("OpenPptx: %v", err)
	}
	defer p.Close() //nolint:errcheck

	_, err = p.SlideText(1)
	var extractErr *ExtractError
	if !errors.As(err, &extractErr) {
		t.Fatalf("expected ExtractError, got %v", err)
	}
	if extractErr.PageNo != 1 {
		t.Errorf("ExtractError.PageNo = %d, want 1", extractErr.PageNo)
	}
}

func TestPptx_SlideTextMissingSlide(t *testing.T) {
	dir := t.TempDir()
	path := plainDeck(t, dir, "deck.pptx", "only one")

	p, err := OpenPptx(path)
	if err != nil {
		t.Fatalf("OpenPptx: %v", err)
	}
	defer p.Close() //nolint:errcheck

	var extractErr *ExtractError
	if _, err := p.SlideText(7); !errors.As(err, &extractErr) {
		t.Fatalf("expected ExtractError for missing slide, got %v", err)
	}
}

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"crlf folded", "a\r\nb", "a\nb"},
		{"intra-line whitespace collapsed", "hello   \t world", "hello world"},
		{"empty lines dropped", "a\n\n\nb\n", "a\nb"},
		{"zero width stripped", "he\u200bllo", "hello"},
		{"line order preserved", "first\nsecond\nthird", "first\nsecond\nthird"},
		{"whitespace only", "  \t \n  ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeText(tc.in); got != tc.want {
				t.Errorf("NormalizeText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeText_Idempotent(t *testing.T) {
	inputs := []string{
		"a\r\n  b ​ c\n\n d",
		"Title   slide\nBody\ttext",
		"",
		"  leading and trailing  ",
	}
	for _, in := range inputs {
		once := NormalizeText(in)
		twice := NormalizeText(once)
		if once != twice {
			t.Errorf("not idempotent: norm(%q) = %q, norm(norm) = %q", in, once, twice)
		}
		if TextSig(once) != TextSig(twice) {
			t.Errorf("sig differs across re-normalization for %q", in)
		}
	}
}

func TestTextSig(t *testing.T) {
	if got := TextSig(""); got != "" {
		t.Errorf("empty text must yield empty sig, got %q", got)
	}
	sig := TextSig("hello world")
	if len(sig) != textSigSize*2 {
		t.Errorf("sig length %d, want %d hex chars", len(sig), textSigSize*2)
	}
	if sig != strings.ToLower(sig) {
		t.Errorf("sig must be lowercase hex: %q", sig)
	}
	if TextSig("hello world") != sig {
		t.Error("sig is not stable across calls")
	}
	if TextSig("hello world!") == sig {
		t.Error("different text produced the same sig")
	}
}
