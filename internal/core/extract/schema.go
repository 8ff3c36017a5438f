package extract

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Field declares one column of the output dataset. A field is located either
// by a CSS selector or by the text of its on-page label (value taken from
// the labeled node's sibling). Declaring the full field list up front makes
// extraction gaps detectable at config time instead of deep in a run.
type Field struct {
	Name     string `yaml:"name"`
	Selector string `yaml:"selector,omitempty"`
	Label    string `yaml:"label,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// Schema is the ordered list of fields extracted from every detail page.
// Order is preserved into the export sink's column order.
type Schema struct {
	Fields []Field `yaml:"fields"`
}

func LoadSchema(path string) (Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("read field schema: %w", err)
	}
	var s Schema
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Schema{}, fmt.Errorf("parse field schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("field schema: no fields declared")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field schema: field %d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("field schema: duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Selector == "" && f.Label == "" {
			return fmt.Errorf("field schema: field %q needs a selector or a label", f.Name)
		}
	}
	return nil
}

// Columns returns field names in declaration order.
func (s Schema) Columns() []string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Name
	}
	return cols
}
