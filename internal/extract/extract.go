// Package extract walks a document's visible text and pairs each span with the
// categories whose broad matcher fires on it.
package extract

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/straja-ai/darkscan/internal/bank"
	"github.com/straja-ai/darkscan/internal/dom"
)

// Candidate is one (span, category) pair found during a scan.
type Candidate struct {
	Ref      dom.SourceRef
	Text     string
	Context  string
	Category bank.Category
}

// Options tunes extraction.
type Options struct {
	Ignore         bank.IgnoreList
	ContextWindow  int
	MinFootprintPx int
}

// Extractor produces candidates from a document. It is safe for concurrent use.
type Extractor struct {
	bank *bank.Bank
	opts Options
}

// New returns an extractor over b.
func New(b *bank.Bank, opts Options) *Extractor {
	return &Extractor{bank: b, opts: opts}
}

// Extract returns candidates in document order, then category order. Each text
// node yields at most one candidate per category.
func (e *Extractor) Extract(doc *dom.Document) []Candidate {
	if doc == nil || e.bank.IsEmpty() {
		return nil
	}
	categories := e.bank.Categories()

	var out []Candidate
	doc.Read(func(root *html.Node) {
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			switch n.Type {
			case html.ElementNode:
				if dom.NonRendered(n) || dom.IsMarked(n) {
					return
				}
			case html.TextNode:
				out = append(out, e.candidatesFor(n, categories)...)
				return
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(root)
	})
	return out
}

func (e *Extractor) candidatesFor(n *html.Node, categories []bank.Category) []Candidate {
	text := collapse(n.Data)
	if text == "" {
		return nil
	}
	if !dom.Visible(n, e.opts.MinFootprintPx) {
		return nil
	}
	if e.opts.Ignore.Matches(text) {
		return nil
	}

	var (
		out     []Candidate
		context string
	)
	for _, c := range categories {
		if !c.Broad.Match(text) {
			continue
		}
		if context == "" {
			context = contextFor(n, text, e.opts.ContextWindow)
		}
		out = append(out, Candidate{
			Ref:      dom.RefOf(n),
			Text:     text,
			Context:  context,
			Category: c,
		})
	}
	return out
}

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "td": true, "th": true, "dd": true, "dt": true,
	"section": true, "article": true, "aside": true, "header": true, "footer": true,
	"main": true, "nav": true, "form": true, "label": true, "button": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "figcaption": true, "body": true,
}

// contextFor returns up to window runes of the nearest block container's text,
// centered on text. With window <= 0 the span itself is the context.
func contextFor(n *html.Node, text string, window int) string {
	if window <= 0 {
		return text
	}
	el := n.Parent
	for el != nil && !(el.Type == html.ElementNode && blockTags[el.Data]) {
		el = el.Parent
	}
	full := text
	if el != nil {
		full = dom.TextContent(el)
	}
	return Window(full, text, window)
}

// Window cuts full down to at most size runes, keeping span centered when it
// occurs in full.
func Window(full, span string, size int) string {
	runes := []rune(full)
	if len(runes) <= size {
		return full
	}
	spanLen := utf8.RuneCountInString(span)
	if spanLen >= size {
		return string([]rune(span)[:size])
	}

	start := 0
	if i := strings.Index(full, span); i >= 0 {
		start = utf8.RuneCountInString(full[:i]) - (size-spanLen)/2
	}
	if start < 0 {
		start = 0
	}
	if start+size > len(runes) {
		start = len(runes) - size
	}
	return strings.TrimSpace(string(runes[start : start+size]))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
