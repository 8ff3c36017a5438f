package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/chrisgadekar/maharera-scraper/internal/core/retry"
	"github.com/chrisgadekar/maharera-scraper/internal/logger"
)

// Service maps detail-page HTML to the flat field set declared by the
// schema.
type Service struct {
	schema Schema
	log    *logger.Logger
}

func NewService(schema Schema) *Service {
	return &Service{schema: schema, log: logger.New("Extract")}
}

func (s *Service) Schema() Schema { return s.schema }

// Extract parses content and resolves every schema field. A page that loads
// but lacks required fields yields the partial map together with a
// *retry.ParseError naming what is missing.
func (s *Service) Extract(unitID, html string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse content for unit %s: %w", unitID, err)
	}

	out := make(map[string]string, len(s.schema.Fields))
	var missing []string
	for _, f := range s.schema.Fields {
		v := s.resolve(doc, f)
		out[f.Name] = v
		if v == "" && f.Required {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return out, &retry.ParseError{UnitID: unitID, Missing: missing}
	}
	return out, nil
}

func (s *Service) resolve(doc *goquery.Document, f Field) string {
	if f.Selector != "" {
		return clean(doc.Find(f.Selector).First().Text())
	}
	return s.byLabel(doc, f.Label)
}

// byLabel finds the node whose own text equals the label and reads the value
// from its next sibling, falling back to the parent's next sibling. Matches
// the site's label/value markup where each section is a grid of labeled
// cells.
func (s *Service) byLabel(doc *goquery.Document, label string) string {
	var value string
	doc.Find("label, span, div, td, th").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if clean(ownText(sel)) != label {
			return true
		}
		if v := clean(sel.Next().Text()); v != "" {
			value = v
			return false
		}
		if v := clean(sel.Parent().Next().Text()); v != "" {
			value = v
			return false
		}
		return true
	})
	return value
}

// ownText returns the node's direct text, excluding nested elements, so a
// container whose subtree mentions the label does not shadow the label node
// itself.
func ownText(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
		}
	})
	return b.String()
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
