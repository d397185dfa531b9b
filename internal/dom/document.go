// Package dom is the document model the scanner reads and marks: a parsed HTML
// tree guarded for concurrent access, opaque references to its text nodes, the
// visibility predicate, and the marking side effect applied to detections.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
)

// ErrDetached is returned when a reference no longer points into the document.
var ErrDetached = errors.New("source reference is detached from the document")

// Mutation describes an external change to the document.
type Mutation struct {
	At     time.Time
	Reason string
}

// Document is a parsed HTML tree. Readers use Read; writers go through Replace,
// Mutate or Mark.
type Document struct {
	mu        sync.RWMutex
	root      *html.Node
	observers map[int]func(Mutation)
	nextObs   int
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{root: root, observers: map[int]func(Mutation){}}, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// Read runs fn with the root under a read lock. fn must not retain nodes for
// writing.
func (d *Document) Read(fn func(root *html.Node)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(d.root)
}

// Replace swaps the whole tree for a freshly parsed one. References taken
// from the previous tree become detached.
func (d *Document) Replace(r io.Reader, reason string) error {
	root, err := html.Parse(r)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	d.mu.Lock()
	d.root = root
	d.mu.Unlock()
	d.notify(reason)
	return nil
}

// Mutate runs fn under the write lock and notifies observers.
func (d *Document) Mutate(reason string, fn func(root *html.Node)) {
	d.mu.Lock()
	fn(d.root)
	d.mu.Unlock()
	d.notify(reason)
}

// Observe registers fn for external mutations. Marks applied by the scanner
// are not reported. The returned func removes the observer.
func (d *Document) Observe(fn func(Mutation)) func() {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *Document) notify(reason string) {
	d.mu.RLock()
	obs := make([]func(Mutation), 0, len(d.observers))
	for _, fn := range d.observers {
		obs = append(obs, fn)
	}
	d.mu.RUnlock()

	m := Mutation{At: time.Now(), Reason: reason}
	for _, fn := range obs {
		fn(m)
	}
}

// Render writes the current tree, including marks.
func (d *Document) Render(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return html.Render(w, d.root)
}

func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// SourceRef is an opaque handle to a text node, taken during extraction.
type SourceRef struct {
	node *html.Node
	text string
}

// RefOf returns a reference to a text node.
func RefOf(n *html.Node) SourceRef {
	if n == nil {
		return SourceRef{}
	}
	return SourceRef{node: n, text: n.Data}
}

// IsZero reports whether the reference points nowhere.
func (r SourceRef) IsZero() bool { return r.node == nil }

// attachedLocked reports whether ref still points at an unchanged node reachable
// from the current root. Callers hold d.mu.
func (d *Document) attachedLocked(ref SourceRef) bool {
	if ref.node == nil || ref.node.Type != html.TextNode || ref.node.Data != ref.text {
		return false
	}
	n := ref.node
	for n.Parent != nil {
		n = n.Parent
	}
	return n == d.root
}

// Attached reports whether ref can still be marked.
func (d *Document) Attached(ref SourceRef) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.attachedLocked(ref)
}
