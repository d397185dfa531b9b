package bank

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data/examples.yaml
var defaultExamples []byte

// Example is one curated reference phrase.
type Example struct {
	Category string
	Text     string
}

// ExampleBank maps categories to reference phrases, preserving file order.
type ExampleBank struct {
	entries []Example
	byCat   map[string][]string
	order   []string
}

// NewExampleBank builds a bank from examples in the given order. Blank phrases
// are skipped.
func NewExampleBank(examples []Example) *ExampleBank {
	eb := &ExampleBank{byCat: map[string][]string{}}
	for _, ex := range examples {
		text := strings.TrimSpace(ex.Text)
		if text == "" || ex.Category == "" {
			continue
		}
		if _, ok := eb.byCat[ex.Category]; !ok {
			eb.order = append(eb.order, ex.Category)
		}
		eb.byCat[ex.Category] = append(eb.byCat[ex.Category], text)
		eb.entries = append(eb.entries, Example{Category: ex.Category, Text: text})
	}
	return eb
}

// ParseExamples decodes the YAML example format:
//
//	categories:
//	  fakeUrgency:
//	    - "Hurry, offer ends soon"
func ParseExamples(data []byte) (*ExampleBank, error) {
	var doc struct {
		Categories yaml.Node `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse examples: %w", err)
	}
	node := doc.Categories
	if node.Kind == 0 {
		return NewExampleBank(nil), nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, errors.New("parse examples: categories must be a mapping")
	}

	var examples []Example
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := strings.TrimSpace(node.Content[i].Value)
		var phrases []string
		if err := node.Content[i+1].Decode(&phrases); err != nil {
			return nil, fmt.Errorf("parse examples: category %q: %w", name, err)
		}
		for _, p := range phrases {
			examples = append(examples, Example{Category: name, Text: p})
		}
	}
	return NewExampleBank(examples), nil
}

// LoadExamples reads examples from path, or the embedded defaults when path is
// empty.
func LoadExamples(path string) (*ExampleBank, error) {
	if strings.TrimSpace(path) == "" {
		return ParseExamples(defaultExamples)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read examples: %w", err)
	}
	return ParseExamples(data)
}

// Entries returns every example in order.
func (eb *ExampleBank) Entries() []Example {
	if eb == nil {
		return nil
	}
	return append([]Example(nil), eb.entries...)
}

// Categories returns the category names in the order they were first seen.
func (eb *ExampleBank) Categories() []string {
	if eb == nil {
		return nil
	}
	return append([]string(nil), eb.order...)
}

// Phrases returns the examples for one category.
func (eb *ExampleBank) Phrases(category string) []string {
	if eb == nil {
		return nil
	}
	return append([]string(nil), eb.byCat[category]...)
}

// Len returns the number of examples.
func (eb *ExampleBank) Len() int {
	if eb == nil {
		return 0
	}
	return len(eb.entries)
}
