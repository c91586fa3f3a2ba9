package index

import (
	"archive/zip"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// textSigSize is the digest length in bytes; 8 bytes gives a 16-char hex
// signature, plenty for content addressing a slide library.
const textSigSize = 8

var slideEntryRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// ExtractError tags a per-page extraction failure with its page number.
// It never propagates above the per-page boundary in the job loop.
type ExtractError struct {
	PageNo int
	Err    error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract page %d: %v", e.PageNo, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Pptx is an open .pptx package.
type Pptx struct {
	zr *zip.ReadCloser
}

// OpenPptx opens path as a zip package.
func OpenPptx(path string) (*Pptx, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("index: open pptx %s: %w", path, err)
	}
	return &Pptx{zr: zr}, nil
}

// Close releases the underlying zip reader.
func (p *Pptx) Close() error { return p.zr.Close() }

// SlideCount counts the slide entries in the package.
func (p *Pptx) SlideCount() int {
	n := 0
	for _, f := range p.zr.File {
		if slideEntryRe.MatchString(f.Name) {
			n++
		}
	}
	return n
}

// SlideText extracts the raw text of slide pageNo (1-based): every leaf text
// node inside the slide's runs in document order, paragraphs joined with
// newlines. Missing or malformed slide XML yields an ExtractError.
func (p *Pptx) SlideText(pageNo int) (string, error) {
	name := fmt.Sprintf("ppt/slides/slide%d.xml", pageNo)
	var entry *zip.File
	for _, f := range p.zr.File {
		if f.Name == name {
			entry = f
			break
		}
	}
	if entry == nil {
		return "", &ExtractError{PageNo: pageNo, Err: fmt.Errorf("slide entry %s not found", name)}
	}

	rc, err := entry.Open()
	if err != nil {
		return "", &ExtractError{PageNo: pageNo, Err: err}
	}
	defer rc.Close() //nolint:errcheck

	text, err := collectSlideText(rc)
	if err != nil {
		return "", &ExtractError{PageNo: pageNo, Err: err}
	}
	return text, nil
}

// collectSlideText walks the slide XML: character data inside <a:t> elements
// is captured, paragraph ends (<a:p>) become newlines.
func collectSlideText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("malformed slide xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

// Zero-width characters stripped before whitespace collapsing.
var zeroWidthReplacer = strings.NewReplacer(
	"\u200b", "", // zero width space
	"\u200c", "", // zero width non-joiner
	"\u200d", "", // zero width joiner
	"\ufeff", "", // BOM
)

var intraLineSpaceRe = regexp.MustCompile(`[ \t\x{00a0}]+`)

// NormalizeText canonicalises slide text: zero-width characters stripped,
// CRLF folded to LF, intra-line whitespace collapsed to single spaces,
// empty lines dropped, surviving line order preserved. Idempotent.
func NormalizeText(raw string) string {
	s := zeroWidthReplacer.Replace(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(intraLineSpaceRe.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// TextSig returns the stable lowercase hex signature of normText, the
// content-addressing key for the embedding cache. Empty input returns the
// empty string, the sentinel that short-circuits embedding.
func TextSig(normText string) string {
	if normText == "" {
		return ""
	}
	h, _ := blake2b.New(textSigSize, nil) // only errors for size > 64
	h.Write([]byte(normText))             //nolint:errcheck
	return hex.EncodeToString(h.Sum(nil))
}
