package verifier

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{-2, 0.5, 4}

	assert.InDelta(t, 1.0, Cosine(a, a), 1e-9)
	assert.InDelta(t, Cosine(a, b), Cosine(b, a), 1e-12)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestCosineProperties(t *testing.T) {
	vecs := [][]float32{
		hashVector("Hurry! Limited time offer!"),
		hashVector("Only 3 left in stock"),
		hashVector("no thanks i hate saving money"),
	}
	for _, v := range vecs {
		assert.InDelta(t, 1.0, Cosine(v, v), 1e-9)
		for _, w := range vecs {
			assert.InDelta(t, Cosine(v, w), Cosine(w, v), 1e-12)
		}
	}
}

func TestTierFor(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, TierHigh, th.TierFor(0.85))
	assert.Equal(t, TierMedium, th.TierFor(0.7))
	assert.Equal(t, TierMedium, th.TierFor(0.51))
	assert.Equal(t, TierLow, th.TierFor(0.5))
	assert.Equal(t, TierLow, th.TierFor(-0.2))
}

func TestNullVerifier(t *testing.T) {
	v := NewNull()
	_, err := v.Predict(context.Background(), "Hurry!")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, v.Init(context.Background()), ErrUnavailable)
	assert.Equal(t, StateUnavailable, v.Status(context.Background()).State)
}

func TestMeanPool(t *testing.T) {
	hidden := []float32{
		1, 0,
		3, 0,
		100, 100,
	}
	out := meanPool(hidden, []int64{1, 1, 0}, 2)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.0, out[0], 1e-6)
	assert.InDelta(t, 0.0, out[1], 1e-6)

	var norm float64
	for _, x := range meanPool([]float32{1, 2, 3, 4}, []int64{1, 1}, 2) {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestWordPieceTokenizer(t *testing.T) {
	vocab := map[string]int64{
		"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3,
		"hurry": 4, "!": 5, "limit": 6, "##ed": 7, "time": 8,
	}
	tok := NewWordPieceTokenizer(vocab)

	ids, mask := tok.Encode("Hurry! Limited time zzz", 10)
	assert.Equal(t, []int64{2, 4, 5, 6, 7, 8, 1, 3, 0, 0}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 1, 1, 0, 0}, mask)

	ids, mask = tok.Encode("hurry hurry hurry hurry", 4)
	assert.Equal(t, []int64{2, 4, 4, 3}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1}, mask)

	ids, _ = tok.Encode("x", 1)
	assert.Nil(t, ids)
}

type fakeNative struct {
	name  string
	order *[]string
	err   error
}

func (f fakeNative) Destroy() error {
	*f.order = append(*f.order, f.name)
	return f.err
}

func TestReleaserDestroysNewestFirstOnFailure(t *testing.T) {
	var order []string
	var r releaser
	r.add(fakeNative{name: "input_ids", order: &order})
	r.add(fakeNative{name: "attention_mask", order: &order, err: assert.AnError})
	r.add(fakeNative{name: "output", order: &order})

	err := r.release()
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"output", "attention_mask", "input_ids"}, order)

	require.NoError(t, r.release())
	assert.Len(t, order, 3)
}

func TestReleaserKeepsOwnedValues(t *testing.T) {
	var order []string
	var r releaser
	r.add(fakeNative{name: "session", order: &order})
	r.keep()
	require.NoError(t, r.release())
	assert.Empty(t, order)
}
