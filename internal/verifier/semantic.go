package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/bank"
)

// EmbedderLoader creates the embedding runtime. It is called lazily on first
// use and again after a failed load.
type EmbedderLoader func(ctx context.Context) (Embedder, error)

type cachedExample struct {
	category string
	text     string
	vec      []float32
}

type loadCall struct {
	done chan struct{}
	err  error
}

// Semantic is the in-process verifier. Its lifecycle is
// uninitialized -> loading -> ready, with error as a retryable stop.
type Semantic struct {
	loader     EmbedderLoader
	examples   *bank.ExampleBank
	thresholds Thresholds
	logger     *zap.Logger

	mu       sync.Mutex
	state    State
	lastErr  error
	inflight *loadCall
	embedder Embedder
	// cache is written once when the load completes and only read afterwards.
	cache []cachedExample
}

// NewSemantic returns an uninitialized verifier over examples.
func NewSemantic(loader EmbedderLoader, examples *bank.ExampleBank, th Thresholds, logger *zap.Logger) *Semantic {
	if logger == nil {
		logger = zap.NewNop()
	}
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	return &Semantic{
		loader:     loader,
		examples:   examples,
		thresholds: th,
		logger:     logger,
		state:      StateUninitialized,
	}
}

// Init loads the embedder and embeds every example once. Concurrent callers
// share one in-flight load. A caller whose ctx ends stops waiting, but the
// load continues for the others.
func (s *Semantic) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	call := s.inflight
	if call == nil {
		call = &loadCall{done: make(chan struct{})}
		s.inflight = call
		s.state = StateLoading
		go s.load(context.WithoutCancel(ctx), call)
	}
	s.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Semantic) load(ctx context.Context, call *loadCall) {
	s.logger.Info("semantic verifier loading", zap.Int("examples", s.examples.Len()))

	embedder, cache, err := s.embedExamples(ctx)

	s.mu.Lock()
	s.inflight = nil
	if err != nil {
		s.state = StateError
		s.lastErr = err
	} else {
		s.state = StateReady
		s.lastErr = nil
		s.embedder = embedder
		s.cache = cache
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("semantic verifier failed to load", zap.Error(err))
	} else {
		s.logger.Info("semantic verifier ready", zap.Int("examples", len(cache)))
	}
	call.err = err
	close(call.done)
}

func (s *Semantic) embedExamples(ctx context.Context) (Embedder, []cachedExample, error) {
	if s.loader == nil {
		return nil, nil, errors.New("no embedder configured")
	}
	entries := s.examples.Entries()
	if len(entries) == 0 {
		return nil, nil, errors.New("example bank is empty")
	}

	embedder, err := s.loader(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load embedder: %w", err)
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}
	vecs, err := embedder.Embed(ctx, texts)
	if err != nil {
		_ = embedder.Close()
		return nil, nil, fmt.Errorf("embed examples: %w", err)
	}
	if len(vecs) != len(entries) {
		_ = embedder.Close()
		return nil, nil, fmt.Errorf("embed examples: got %d vectors for %d examples", len(vecs), len(entries))
	}

	cache := make([]cachedExample, len(entries))
	for i, e := range entries {
		cache[i] = cachedExample{category: e.Category, text: e.Text, vec: vecs[i]}
	}
	return embedder, cache, nil
}

// Predict embeds text and returns the closest example. Ties keep the earlier
// example, so results are deterministic for a fixed bank.
func (s *Semantic) Predict(ctx context.Context, text string) (Result, error) {
	if err := s.Init(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	embedder, cache := s.embedder, s.cache
	s.mu.Unlock()
	if embedder == nil {
		return Result{}, ErrClosed
	}

	vecs, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return Result{}, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return Result{}, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	q := vecs[0]

	best := -1
	bestScore := 0.0
	for i := range cache {
		score := Cosine(q, cache[i].vec)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Result{}, ErrUnavailable
	}

	return Result{
		Score:          bestScore,
		Category:       cache[best].category,
		Confidence:     s.thresholds.TierFor(bestScore),
		MatchedExample: cache[best].text,
	}, nil
}

// Status reports the lifecycle state without triggering a load.
func (s *Semantic) Status(context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Examples: len(s.cache)}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Close releases the embedder. A later Init reloads it.
func (s *Semantic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.embedder != nil {
		err = s.embedder.Close()
	}
	s.embedder = nil
	s.cache = nil
	if s.state == StateReady {
		s.state = StateUninitialized
	}
	return err
}
