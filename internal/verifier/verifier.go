// Package verifier answers "which category is this text most similar to"
// queries by embedding text and comparing it to the curated example phrases.
//
// The embedding runtime lives behind a message-passing boundary: Serve runs
// next to the model and Client issues correlated, deadline-bounded requests.
// Callers depend only on the Verifier interface.
package verifier

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers every condition where no semantic answer exists.
	ErrUnavailable = errors.New("semantic verifier unavailable")
	// ErrTimeout is returned when a request outlives its deadline.
	ErrTimeout = errors.New("semantic verification timed out")
	// ErrClosed is returned after the verifier connection has shut down.
	ErrClosed = errors.New("semantic verifier closed")
)

// Tier buckets a similarity score.
type Tier string

const (
	TierHigh   Tier = "High"
	TierMedium Tier = "Medium"
	TierLow    Tier = "Low"
)

// Thresholds are the exclusive lower bounds of the High and Medium tiers.
type Thresholds struct {
	High   float64
	Medium float64
}

// DefaultThresholds returns the 0.7 / 0.5 tier boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.7, Medium: 0.5}
}

// TierFor buckets score.
func (t Thresholds) TierFor(score float64) Tier {
	switch {
	case score > t.High:
		return TierHigh
	case score > t.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// Result is the best match for one query.
type Result struct {
	Score          float64 `json:"score"`
	Category       string  `json:"category"`
	Confidence     Tier    `json:"confidence"`
	MatchedExample string  `json:"matchedExample"`
}

// State is the lifecycle position of a verifier.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateError         State = "error"
	StateUnavailable   State = "unavailable"
)

// Status reports lifecycle state for health probes.
type Status struct {
	State    State  `json:"state"`
	Examples int    `json:"examples,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Verifier is implemented by the in-process Semantic verifier, the Client that
// reaches one across a boundary, and NullVerifier.
type Verifier interface {
	// Predict returns the most similar example for text.
	Predict(ctx context.Context, text string) (Result, error)
	// Init loads the model and embeds the examples. It is idempotent.
	Init(ctx context.Context) error
	Status(ctx context.Context) Status
}

// NullVerifier is used when semantic verification is disabled. Every
// prediction is unavailable, which sends candidates to the strict matchers.
type NullVerifier struct{}

// NewNull returns a NullVerifier.
func NewNull() NullVerifier { return NullVerifier{} }

func (NullVerifier) Predict(context.Context, string) (Result, error) {
	return Result{}, ErrUnavailable
}

func (NullVerifier) Init(context.Context) error { return ErrUnavailable }

func (NullVerifier) Status(context.Context) Status {
	return Status{State: StateUnavailable}
}
