package index

import (
	"encoding/xml"
	"io"
	"math"
	"strconv"
)

// Ratio tolerances for aspect classification. 16:9 decks in the wild show
// more cx/cy drift (16:10, widescreen variants) than 4:3 decks do.
const (
	eps4x3  = 0.08
	eps16x9 = 0.12
)

// Aspect classifies the deck's slide geometry from ppt/presentation.xml.
// Any failure (missing entry, malformed XML, zero dimensions) returns
// "unknown"; indexing must tolerate malformed packages.
func (p *Pptx) Aspect() string {
	for _, f := range p.zr.File {
		if f.Name != "ppt/presentation.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return AspectUnknown
		}
		aspect := classifySlideSize(rc)
		rc.Close() //nolint:errcheck
		return aspect
	}
	return AspectUnknown
}

func classifySlideSize(r io.Reader) string {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			return AspectUnknown
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "sldSz" {
			continue
		}
		var cx, cy float64
		for _, attr := range se.Attr {
			switch attr.Name.Local {
			case "cx":
				cx = parseEMU(attr.Value)
			case "cy":
				cy = parseEMU(attr.Value)
			}
		}
		return ClassifyAspect(cx, cy)
	}
}

func parseEMU(s string) float64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return float64(v)
}

// ClassifyAspect maps a cx/cy ratio to a label.
func ClassifyAspect(cx, cy float64) string {
	if cx <= 0 || cy <= 0 {
		return AspectUnknown
	}
	ratio := cx / cy
	if math.Abs(ratio-4.0/3.0) < eps4x3 {
		return Aspect4x3
	}
	if math.Abs(ratio-16.0/9.0) < eps16x9 {
		return Aspect16x9
	}
	return AspectUnknown
}
