package domain

import (
	"time"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
)

// Field is one semantic field extracted from a document: a value with a
// confidence in [0,1] and an optional bounding box for provenance.
type Field struct {
	Value      string   `json:"value"`
	Confidence float64  `json:"confidence"`
	BBox       *BBox    `json:"bbox,omitempty"`
}

// BBox is a page-relative bounding box, present only when the extraction
// provider reports spatial provenance.
type BBox struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// LineItem is one row of an extracted invoice, same Field shape as header
// attributes so downstream code treats header and line fields uniformly.
type LineItem struct {
	LineNumber int              `json:"line_number"`
	Fields     map[string]Field `json:"fields"`
}

// Extraction is the parser's output bound to an invoice (§3). At most one
// extraction is "current" per invoice; re-parsing supersedes the previous.
type Extraction struct {
	ID            idgen.ID
	InvoiceID     idgen.ID
	Header        map[string]Field
	Lines         []LineItem
	ParserVersion string
	IsCurrent     bool
	CreatedAt     time.Time
}

// MinConfidence returns the lowest confidence across every header and line
// field, used by the auto-approval gate (§4.5.4). An extraction with no
// fields at all reports 0, which always fails the gate.
func (e Extraction) MinConfidence() float64 {
	min := -1.0
	observe := func(c float64) {
		if min < 0 || c < min {
			min = c
		}
	}
	for _, f := range e.Header {
		observe(f.Confidence)
	}
	for _, line := range e.Lines {
		for _, f := range line.Fields {
			observe(f.Confidence)
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// MeanConfidence returns the average confidence across every header and
// line field, the figure the SLO core's extraction_accuracy SLI aggregates
// daily. An extraction with no fields reports 0.
func (e Extraction) MeanConfidence() float64 {
	var sum float64
	var n int
	observe := func(c float64) {
		sum += c
		n++
	}
	for _, f := range e.Header {
		observe(f.Confidence)
	}
	for _, line := range e.Lines {
		for _, f := range line.Fields {
			observe(f.Confidence)
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Field returns the named header field and whether it was present.
func (e Extraction) Field(name string) (Field, bool) {
	f, ok := e.Header[name]
	return f, ok
}
