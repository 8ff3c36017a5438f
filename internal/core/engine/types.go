package engine

import (
	"context"

	"github.com/chrisgadekar/maharera-scraper/internal/core/captcha"
)

// WorkUnit identifies one detail page to fetch and extract.
type WorkUnit struct {
	ID  string
	URL string
}

// Record is the flattened field set extracted from one completed unit.
// Immutable once built; handed to the export sink in batches.
type Record struct {
	UnitID string
	Fields map[string]string
}

// Summary is the outcome of one traversal run.
type Summary struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (s *Summary) add(o Summary) {
	s.Completed += o.Completed
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

// Merge combines per-worker summaries.
func Merge(parts ...Summary) Summary {
	var out Summary
	for _, p := range parts {
		out.add(p)
	}
	return out
}

// Page is one rendered detail page held open by the browser collaborator.
type Page interface {
	// Challenge screenshots the live challenge, or reports present=false for
	// an ungated page. Each call must capture a fresh image.
	Challenge(ctx context.Context) (ch captcha.Challenge, present bool, err error)
	// Submit fills and submits a challenge answer and reports acceptance.
	Submit(ctx context.Context, text string) (accepted bool, err error)
	// Content returns the page's HTML once the gate is passed.
	Content(ctx context.Context) (string, error)
	Close() error
}

// Session is the browser-automation collaborator.
type Session interface {
	Navigate(ctx context.Context, url string) (Page, error)
	Close() error
}

// Extractor is the field-extraction collaborator.
type Extractor interface {
	Extract(unitID, html string) (map[string]string, error)
}

// Sink receives completed records. Append-only; called repeatedly per run.
type Sink interface {
	Append(ctx context.Context, records []Record) error
}
