package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/darkscan/internal/extract"
	"github.com/straja-ai/darkscan/internal/telemetry"
	"github.com/straja-ai/darkscan/internal/verifier"
)

// Decision is the outcome for one candidate.
type Decision struct {
	Candidate    extract.Candidate
	Verification verifier.Result
	Err          error
	Detection    Detection
	Accepted     bool
}

// DispatcherConfig tunes batching and acceptance.
type DispatcherConfig struct {
	BatchSize           int
	VerifyTimeout       time.Duration
	AcceptanceThreshold float64
}

// Dispatcher verifies candidates in sequential fixed-size batches. Members of
// a batch are verified concurrently.
type Dispatcher struct {
	verifier  verifier.Verifier
	cfg       DispatcherConfig
	telemetry *telemetry.Provider
	logger    *zap.Logger
}

// NewDispatcher returns a dispatcher over v. A nil v behaves as NullVerifier.
func NewDispatcher(v verifier.Verifier, cfg DispatcherConfig, tel *telemetry.Provider, logger *zap.Logger) *Dispatcher {
	if v == nil {
		v = verifier.NewNull()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{verifier: v, cfg: cfg, telemetry: tel, logger: logger}
}

// Run decides every candidate. onBatch is called after each batch with that
// batch's decisions in input order and the number of candidates processed so
// far; the next batch does not start until onBatch returns. Run stops early
// only when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, cands []extract.Candidate, onBatch func(batch []Decision, done int)) error {
	for start := 0; start < len(cands); start += d.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+d.cfg.BatchSize, len(cands))
		batch := d.runBatch(ctx, cands[start:end])
		if onBatch != nil {
			onBatch(batch, end)
		}
	}
	return nil
}

func (d *Dispatcher) runBatch(ctx context.Context, cands []extract.Candidate) []Decision {
	out := make([]Decision, len(cands))
	var g errgroup.Group
	for i := range cands {
		g.Go(func() error {
			res, err := d.verify(ctx, cands[i])
			det, ok := Decide(cands[i], res, err, d.cfg.AcceptanceThreshold)
			out[i] = Decision{
				Candidate:    cands[i],
				Verification: res,
				Err:          err,
				Detection:    det,
				Accepted:     ok,
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type prediction struct {
	res verifier.Result
	err error
}

// verify races one Predict against the per-item timeout. A verifier that
// ignores its context is abandoned when the timer fires; its late answer is
// discarded.
func (d *Dispatcher) verify(ctx context.Context, c extract.Candidate) (verifier.Result, error) {
	text := c.Context
	if text == "" {
		text = c.Text
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.VerifyTimeout)
	defer cancel()

	start := time.Now()
	ch := make(chan prediction, 1)
	go func() {
		res, err := d.verifier.Predict(callCtx, text)
		ch <- prediction{res: res, err: err}
	}()

	timer := time.NewTimer(d.cfg.VerifyTimeout)
	defer timer.Stop()

	var p prediction
	select {
	case p = <-ch:
	case <-timer.C:
		p.err = verifier.ErrTimeout
	case <-ctx.Done():
		p.err = ctx.Err()
	}

	outcome := "ok"
	switch {
	case p.err == nil:
	case errors.Is(p.err, verifier.ErrTimeout), errors.Is(p.err, context.DeadlineExceeded):
		outcome = "timeout"
		p.err = verifier.ErrTimeout
	default:
		outcome = "error"
	}
	d.telemetry.RecordVerify(ctx, outcome, float64(time.Since(start).Microseconds())/1000)
	if p.err != nil && !errors.Is(p.err, verifier.ErrUnavailable) {
		d.logger.Debug("verification fell through to strict matcher",
			zap.String("category", c.Category.Name),
			zap.Error(p.err))
	}
	return p.res, p.err
}
