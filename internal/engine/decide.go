package engine

import (
	"github.com/straja-ai/darkscan/internal/extract"
	"github.com/straja-ai/darkscan/internal/verifier"
)

// DecisionTier records which rule accepted a detection.
type DecisionTier string

const (
	TierAI             DecisionTier = "AI"
	TierStrictFallback DecisionTier = "StrictFallback"
)

// Detection is one accepted result.
type Detection struct {
	Category       string       `json:"category"`
	Text           string       `json:"text"`
	Tier           DecisionTier `json:"tier"`
	Score          float64      `json:"score"`
	MatchedExample string       `json:"matchedExample,omitempty"`
	Advisory       string       `json:"advisory,omitempty"`
}

// Decide applies the tiered policy to one verified candidate. A successful
// verification scoring above threshold is accepted as-is. Anything else,
// errors and timeouts included, is re-tested against the candidate
// category's strict matcher using the matched text, not the context.
func Decide(c extract.Candidate, res verifier.Result, err error, threshold float64) (Detection, bool) {
	if err == nil && res.Score > threshold {
		category := res.Category
		if category == "" {
			category = c.Category.Name
		}
		return Detection{
			Category:       category,
			Text:           c.Text,
			Tier:           TierAI,
			Score:          res.Score,
			MatchedExample: res.MatchedExample,
		}, true
	}

	if c.Category.Strict.Match(c.Text) {
		d := Detection{
			Category: c.Category.Name,
			Text:     c.Text,
			Tier:     TierStrictFallback,
		}
		if err == nil {
			d.Score = res.Score
		}
		return d, true
	}
	return Detection{}, false
}
