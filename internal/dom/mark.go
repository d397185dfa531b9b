package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Marker attributes. The extractor skips anything inside an element that
// carries AttrCategory.
const (
	AttrCategory = "data-darkscan-category"
	AttrTier     = "data-darkscan-tier"
	AttrScore    = "data-darkscan-score"
)

// Mark describes the highlight applied to one detection.
type Mark struct {
	Category string
	Tier     string
	Score    string
	Advisory string
}

// Mark wraps the referenced text node in a <mark> element. A node that is
// already marked gains the extra category. It returns ErrDetached when the
// node was removed or changed after extraction.
func (d *Document) Mark(ref SourceRef, m Mark) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attachedLocked(ref) {
		return ErrDetached
	}

	if p := ref.node.Parent; p != nil && IsMarked(p) {
		cats := strings.Fields(attr(p, AttrCategory))
		for _, c := range cats {
			if c == m.Category {
				return nil
			}
		}
		setAttr(p, AttrCategory, strings.Join(append(cats, m.Category), " "))
		return nil
	}

	el := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Mark,
		Data:     "mark",
		Attr: []html.Attribute{
			{Key: AttrCategory, Val: m.Category},
			{Key: AttrTier, Val: m.Tier},
		},
	}
	if m.Score != "" {
		el.Attr = append(el.Attr, html.Attribute{Key: AttrScore, Val: m.Score})
	}
	if m.Advisory != "" {
		el.Attr = append(el.Attr, html.Attribute{Key: "title", Val: m.Advisory})
	}

	parent := ref.node.Parent
	parent.InsertBefore(el, ref.node)
	parent.RemoveChild(ref.node)
	el.AppendChild(ref.node)
	return nil
}

// IsMarked reports whether n is a detection highlight.
func IsMarked(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && hasAttr(n, AttrCategory)
}

// InsideMark reports whether n or any ancestor is a detection highlight.
func InsideMark(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if IsMarked(n) {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
