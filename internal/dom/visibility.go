package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// AttrHidden is set by the rendered fetcher on elements the browser reports as
// not visible after layout.
const AttrHidden = "data-darkscan-hidden"

// offscreenPx is how far outside the viewport a positioned element must sit to
// count as hidden.
const offscreenPx = -999

var nonRendered = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
	"title":    true,
	"meta":     true,
	"link":     true,
	"svg":      true,
	"iframe":   true,
	"object":   true,
	"canvas":   true,
}

// NonRendered reports whether the element never renders its text content.
func NonRendered(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && nonRendered[strings.ToLower(n.Data)]
}

// Visible reports whether n would be seen by a reader. Every element ancestor is
// checked: non-rendered containers, the hidden attribute, aria-hidden,
// display:none, opacity:0, a footprint below minPx, and off-screen positioning.
// visibility:hidden applies unless a nearer ancestor sets visibility:visible.
// The result depends only on the current tree.
func Visible(n *html.Node, minPx int) bool {
	visibilityDecided := false
	for el := n; el != nil; el = el.Parent {
		if el.Type != html.ElementNode {
			continue
		}
		if NonRendered(el) {
			return false
		}
		if hasAttr(el, "hidden") || hasAttr(el, AttrHidden) {
			return false
		}
		if strings.EqualFold(attr(el, "aria-hidden"), "true") {
			return false
		}

		style := ParseStyle(attr(el, "style"))
		if style["display"] == "none" {
			return false
		}
		if v, ok := style["visibility"]; ok && !visibilityDecided {
			switch v {
			case "hidden", "collapse":
				return false
			case "visible":
				visibilityDecided = true
			}
		}
		if op, ok := style["opacity"]; ok {
			if f, err := strconv.ParseFloat(op, 64); err == nil && f <= 0 {
				return false
			}
		}
		if tooSmall(el, style, minPx) {
			return false
		}
		if offscreen(style) {
			return false
		}
	}
	return true
}

func tooSmall(el *html.Node, style map[string]string, minPx int) bool {
	if minPx <= 0 {
		return false
	}
	for _, dim := range []string{"width", "height"} {
		v, ok := style[dim]
		if !ok {
			v, ok = attr(el, dim), hasAttr(el, dim)
		}
		if !ok {
			continue
		}
		if px, ok := pixels(v); ok && px < float64(minPx) {
			return true
		}
	}
	return false
}

func offscreen(style map[string]string) bool {
	switch style["position"] {
	case "absolute", "fixed":
	default:
		return false
	}
	for _, side := range []string{"left", "top"} {
		if px, ok := pixels(style[side]); ok && px <= offscreenPx {
			return true
		}
	}
	return false
}

// pixels parses "12", "12px" or "0". Other units are ignored.
func pixels(v string) (float64, bool) {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return 0, false
	}
	v = strings.TrimSuffix(v, "px")
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ParseStyle splits an inline style attribute into lowercased declarations.
// !important is dropped.
func ParseStyle(s string) map[string]string {
	out := map[string]string{}
	for _, decl := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimSpace(strings.TrimSuffix(v, "!important"))
		if k != "" {
			out[k] = v
		}
	}
	return out
}

// TextContent returns the concatenated rendered text below n with whitespace
// collapsed.
func TextContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			b.WriteString(c.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			if NonRendered(c) {
				return
			}
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	if n != nil {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
