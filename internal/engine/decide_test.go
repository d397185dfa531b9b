package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/darkscan/internal/bank"
	"github.com/straja-ai/darkscan/internal/extract"
	"github.com/straja-ai/darkscan/internal/verifier"
)

func urgency(t *testing.T) bank.Category {
	t.Helper()
	b, err := bank.ParseCategories(strings.NewReader(testCategories), nil)
	require.NoError(t, err)
	c, ok := b.Lookup("fakeUrgency")
	require.True(t, ok)
	return c
}

func TestDecide(t *testing.T) {
	cat := urgency(t)
	hurry := extract.Candidate{Text: "Hurry!", Context: "Hurry! Sale ends", Category: cat}
	limited := extract.Candidate{Text: "Limited time offer", Category: cat}

	tests := []struct {
		name     string
		cand     extract.Candidate
		res      verifier.Result
		err      error
		accepted bool
		tier     DecisionTier
		category string
		score    float64
	}{
		{"confident verifier", limited, verifier.Result{Score: 0.85, Category: "fakeUrgency"}, nil, true, TierAI, "fakeUrgency", 0.85},
		{"verifier category wins", limited, verifier.Result{Score: 0.7, Category: "fakeScarcity"}, nil, true, TierAI, "fakeScarcity", 0.7},
		{"threshold is exclusive", limited, verifier.Result{Score: 0.6, Category: "fakeUrgency"}, nil, false, "", "", 0},
		{"low score strict match", hurry, verifier.Result{Score: 0.3, Category: "fakeUrgency"}, nil, true, TierStrictFallback, "fakeUrgency", 0.3},
		{"timeout strict match", hurry, verifier.Result{}, verifier.ErrTimeout, true, TierStrictFallback, "fakeUrgency", 0},
		{"error ignores score", hurry, verifier.Result{Score: 0.95}, verifier.ErrUnavailable, true, TierStrictFallback, "fakeUrgency", 0},
		{"timeout no strict match", limited, verifier.Result{}, verifier.ErrTimeout, false, "", "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := Decide(tc.cand, tc.res, tc.err, 0.6)
			require.Equal(t, tc.accepted, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.tier, d.Tier)
			assert.Equal(t, tc.category, d.Category)
			assert.InDelta(t, tc.score, d.Score, 1e-9)
			assert.Equal(t, tc.cand.Text, d.Text)
		})
	}
}

func TestDecideStrictUsesMatchedTextNotContext(t *testing.T) {
	cat := urgency(t)
	c := extract.Candidate{Text: "Limited time offer", Context: "Hurry! Limited time offer", Category: cat}
	_, ok := Decide(c, verifier.Result{}, verifier.ErrTimeout, 0.6)
	assert.False(t, ok)
}

func TestDispatcherPreservesOrderAndBatches(t *testing.T) {
	cat := urgency(t)
	var cands []extract.Candidate
	for _, s := range []string{"hurry a", "hurry b", "hurry c", "hurry d", "hurry e"} {
		cands = append(cands, extract.Candidate{Text: s, Category: cat})
	}

	var inFlight, peak atomic.Int32
	v := &funcVerifier{fn: func(_ context.Context, text string) (verifier.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// Later items in a batch answer first.
		time.Sleep(time.Duration('f'-text[len(text)-1]) * 3 * time.Millisecond)
		inFlight.Add(-1)
		return verifier.Result{Score: 0.9, Category: "fakeUrgency", MatchedExample: text}, nil
	}}

	d := NewDispatcher(v, DispatcherConfig{BatchSize: 2, VerifyTimeout: time.Second, AcceptanceThreshold: 0.6}, nil, nil)
	var got []string
	var dones []int
	err := d.Run(context.Background(), cands, func(batch []Decision, done int) {
		assert.Zero(t, inFlight.Load(), "batch applied while verifications still running")
		for _, dec := range batch {
			got = append(got, dec.Verification.MatchedExample)
		}
		dones = append(dones, done)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hurry a", "hurry b", "hurry c", "hurry d", "hurry e"}, got)
	assert.Equal(t, []int{2, 4, 5}, dones)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	cat := urgency(t)
	cands := []extract.Candidate{{Text: "hurry", Category: cat}, {Text: "hurry", Category: cat}}
	ctx, cancel := context.WithCancel(context.Background())

	d := NewDispatcher(fixed(0.9, "fakeUrgency"), DispatcherConfig{BatchSize: 1}, nil, nil)
	batches := 0
	err := d.Run(ctx, cands, func([]Decision, int) {
		batches++
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, batches)
}

func TestSessionTransitions(t *testing.T) {
	var s ScanSession
	assert.Equal(t, ModeFallback, s.Mode())
	require.NoError(t, s.begin())
	assert.ErrorIs(t, s.begin(), ErrBusy)
	s.finish(true)
	assert.True(t, s.HasScanned)
	assert.False(t, s.IsScanning)
	assert.Equal(t, ModeHybrid, s.Mode())

	assert.True(t, s.togglePause())
	assert.ErrorIs(t, s.begin(), ErrPaused)
	assert.False(t, s.togglePause())
	require.NoError(t, s.begin())
}
