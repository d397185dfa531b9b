package verifier

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/straja-ai/darkscan/internal/bank"
)

const fakeDim = 64

// hashEmbedder is a deterministic bag-of-words embedder for tests.
type hashEmbedder struct {
	calls  atomic.Int32
	texts  atomic.Int32
	closed atomic.Bool
	fail   error
}

func (h *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.calls.Add(1)
	h.texts.Add(int32(len(texts)))
	if h.fail != nil {
		return nil, h.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t)
	}
	return out, nil
}

func (h *hashEmbedder) Close() error {
	h.closed.Store(true)
	return nil
}

func hashVector(text string) []float32 {
	v := make([]float32, fakeDim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%fakeDim]++
	}
	return v
}

// countingLoader hands out one shared embedder and counts loads.
type countingLoader struct {
	mu       sync.Mutex
	loads    int
	embedder *hashEmbedder
	gate     chan struct{}
	failN    int
}

func (l *countingLoader) load(ctx context.Context) (Embedder, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.failN > 0 {
		l.failN--
		return nil, errors.New("model download failed")
	}
	return l.embedder, nil
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func testExamples() *bank.ExampleBank {
	return bank.NewExampleBank([]bank.Example{
		{Category: "fakeUrgency", Text: "Hurry, this offer ends soon"},
		{Category: "fakeUrgency", Text: "Limited time offer, act now"},
		{Category: "fakeScarcity", Text: "Only 2 left in stock"},
		{Category: "confirmshaming", Text: "No thanks, I don't want to save money"},
	})
}
