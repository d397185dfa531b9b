package bank

import "strings"

// IgnoreList filters benign boilerplate before any matcher runs.
type IgnoreList struct {
	phrases []string
}

// NewIgnoreList lowercases and trims phrases; blanks are dropped.
func NewIgnoreList(phrases []string) IgnoreList {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = Normalize(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return IgnoreList{phrases: out}
}

// Matches reports whether text contains any ignored phrase.
func (l IgnoreList) Matches(text string) bool {
	if len(l.phrases) == 0 {
		return false
	}
	norm := Normalize(text)
	for _, p := range l.phrases {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

// Normalize lowercases text and collapses whitespace runs.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
