// Package bank holds the data-driven definitions the scanner matches against:
// pattern categories with their broad and strict matchers, the curated example
// phrases used as semantic reference points, and the ignore-list of benign
// boilerplate.
package bank

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyBank is returned when no category could be loaded.
var ErrEmptyBank = errors.New("category bank is empty")

// Matcher is a case-insensitive alternation of trusted fragments.
// A Matcher holds no match-position state: Match is a pure function of
// (pattern, text), so repeated calls on the same input always agree.
type Matcher struct {
	re        *regexp.Regexp
	fragments []string
}

// CompileMatcher compiles each fragment on its own, drops fragments that fail
// to compile, and joins the rest into one matcher. The returned errors describe
// the dropped fragments. With no usable fragment the matcher never fires.
func CompileMatcher(fragments []string) (Matcher, []error) {
	var (
		kept []string
		errs []error
	)
	for _, f := range fragments {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, err := regexp.Compile(`(?i)` + f); err != nil {
			errs = append(errs, fmt.Errorf("fragment %q: %w", f, err))
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return Matcher{}, errs
	}
	re := regexp.MustCompile(`(?i)(?:` + strings.Join(kept, `|`) + `)`)
	return Matcher{re: re, fragments: kept}, errs
}

// Match reports whether text contains a match for any fragment.
func (m Matcher) Match(text string) bool {
	if m.re == nil || text == "" {
		return false
	}
	return m.re.MatchString(text)
}

// Find returns the first matching substring, or "" when nothing matches.
func (m Matcher) Find(text string) string {
	if m.re == nil {
		return ""
	}
	return m.re.FindString(text)
}

// Empty reports whether the matcher can never fire.
func (m Matcher) Empty() bool { return m.re == nil }

// Fragments returns a copy of the fragments the matcher was built from.
func (m Matcher) Fragments() []string {
	return append([]string(nil), m.fragments...)
}

func (m Matcher) String() string {
	if m.re == nil {
		return "<never>"
	}
	return m.re.String()
}

// Category is one dark-pattern category. Broad selects candidates; Strict is
// the high-precision fallback used when semantic verification is unavailable.
type Category struct {
	Name     string
	Broad    Matcher
	Strict   Matcher
	Advisory string
	// StrictDefaulted is set when no explicit strict section was given and
	// Strict is a copy of Broad.
	StrictDefaulted bool
}

// Bank is an ordered, immutable set of categories.
type Bank struct {
	categories []Category
	index      map[string]int
}

// NewBank builds a bank from categories, keeping their order. Later duplicates
// replace earlier entries with the same name.
func NewBank(categories []Category) *Bank {
	b := &Bank{index: make(map[string]int, len(categories))}
	for _, c := range categories {
		if i, ok := b.index[c.Name]; ok {
			b.categories[i] = c
			continue
		}
		b.index[c.Name] = len(b.categories)
		b.categories = append(b.categories, c)
	}
	return b
}

// Empty returns a bank with no categories.
func Empty() *Bank {
	return NewBank(nil)
}

// Categories returns the categories in definition order.
func (b *Bank) Categories() []Category {
	if b == nil {
		return nil
	}
	return append([]Category(nil), b.categories...)
}

// Lookup returns the category with the given name.
func (b *Bank) Lookup(name string) (Category, bool) {
	if b == nil {
		return Category{}, false
	}
	i, ok := b.index[name]
	if !ok {
		return Category{}, false
	}
	return b.categories[i], true
}

// Len returns the number of categories.
func (b *Bank) Len() int {
	if b == nil {
		return 0
	}
	return len(b.categories)
}

// IsEmpty reports whether the bank has no categories.
func (b *Bank) IsEmpty() bool { return b.Len() == 0 }

// Names returns category names in definition order.
func (b *Bank) Names() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.categories))
	for _, c := range b.categories {
		out = append(out, c.Name)
	}
	return out
}

var defaultAdvisories = map[string]string{
	"fakeUrgency":      "This deadline or countdown may be designed to rush your decision.",
	"fakeScarcity":     "Low-stock or high-demand claims are often exaggerated to create pressure.",
	"confirmshaming":   "This wording tries to make declining feel shameful.",
	"socialProof":      "Activity or popularity claims may be unverifiable or fabricated.",
	"hiddenCosts":      "Extra fees or charges may only appear late in the process.",
	"forcedContinuity": "A free trial may convert into a paid subscription automatically.",
	"trickWording":     "The wording of this choice may be intentionally confusing.",
}

const genericAdvisory = "This text matches a known manipulative pattern."

// DefaultAdvisory returns the built-in advisory message for a category.
func DefaultAdvisory(name string) string {
	if msg, ok := defaultAdvisories[name]; ok {
		return msg
	}
	return genericAdvisory
}
