// Package engine runs hybrid dark-pattern scans over a document. A single
// control loop owns the ScanSession; scans execute on a worker goroutine and
// report back to the loop, so at most one scan is ever in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/bank"
	"github.com/straja-ai/darkscan/internal/dom"
	"github.com/straja-ai/darkscan/internal/events"
	"github.com/straja-ai/darkscan/internal/extract"
	"github.com/straja-ai/darkscan/internal/redact"
	"github.com/straja-ai/darkscan/internal/telemetry"
	"github.com/straja-ai/darkscan/internal/verifier"
)

// Options wires an Engine.
type Options struct {
	Bank       *bank.Bank
	Extractor  *extract.Extractor
	Verifier   verifier.Verifier
	Dispatch   DispatcherConfig
	Publisher  events.Publisher
	Telemetry  *telemetry.Provider
	Logger     *zap.Logger
	SkipWarmup bool // do not call Verifier.Init when Run starts
}

// Snapshot is the getResults payload.
type Snapshot struct {
	Count      int         `json:"count"`
	Results    []Detection `json:"results"`
	IsScanning bool        `json:"isScanning"`
	HasScanned bool        `json:"hasScanned"`
	IsPaused   bool        `json:"isPaused"`
	Mode       string      `json:"mode"`
	ScanID     string      `json:"scanId,omitempty"`
}

// Engine coordinates extraction, verification, decisions and marking.
type Engine struct {
	doc        *dom.Document
	bank       *bank.Bank
	extractor  *extract.Extractor
	verifier   verifier.Verifier
	dispatcher *Dispatcher
	publisher  events.Publisher
	telemetry  *telemetry.Provider
	logger     *zap.Logger
	warmup     bool

	msgs     chan message
	scanDone chan scanOutcome
	stopped  chan struct{}
	running  sync.Once

	// loop-owned
	session ScanSession
	dirty   bool
	results []tracked
	scanID  string
	waiters []chan Snapshot
}

// tracked pairs a reported detection with the text it marked.
type tracked struct {
	ref dom.SourceRef
	det Detection
}

type message struct {
	kind  msgKind
	wait  chan Snapshot
	reply chan reply
}

type msgKind int

const (
	msgScan msgKind = iota
	msgAutoScan
	msgResults
	msgTogglePause
	msgMutation
	msgSession
)

type reply struct {
	snapshot Snapshot
	session  ScanSession
	err      error
}

type scanOutcome struct {
	id      string
	results []tracked
	usedAI  bool
	err     error
}

type nopPublisher struct{}

func (nopPublisher) Emit(context.Context, *events.Event) {}

// New builds an engine over doc. Call Run to start the control loop.
func New(doc *dom.Document, opts Options) *Engine {
	if opts.Bank == nil {
		opts.Bank = bank.Empty()
	}
	if opts.Extractor == nil {
		opts.Extractor = extract.New(opts.Bank, extract.Options{})
	}
	if opts.Verifier == nil {
		opts.Verifier = verifier.NewNull()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNoop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		doc:        doc,
		bank:       opts.Bank,
		extractor:  opts.Extractor,
		verifier:   opts.Verifier,
		dispatcher: NewDispatcher(opts.Verifier, opts.Dispatch, opts.Telemetry, opts.Logger),
		publisher:  opts.Publisher,
		telemetry:  opts.Telemetry,
		logger:     opts.Logger,
		warmup:     !opts.SkipWarmup,
		msgs:       make(chan message),
		scanDone:   make(chan scanOutcome, 1),
		stopped:    make(chan struct{}),
	}
}

// Run owns the session until ctx is cancelled. An in-flight scan is cancelled
// and awaited before Run returns. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.running.Do(func() { started = true })
	if !started {
		return errors.New("engine: Run called twice")
	}
	defer close(e.stopped)

	var wg sync.WaitGroup
	defer wg.Wait()
	if e.warmup {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.verifier.Init(ctx); err != nil {
				e.logger.Info("semantic verifier not ready, strict fallback in effect", zap.Error(err))
				return
			}
			e.logger.Info("semantic verifier ready")
		}()
	}

	for {
		select {
		case <-ctx.Done():
			if e.session.IsScanning {
				e.complete(<-e.scanDone)
			}
			return ctx.Err()
		case out := <-e.scanDone:
			e.complete(out)
		case m := <-e.msgs:
			e.handle(ctx, m)
		}
	}
}

func (e *Engine) handle(ctx context.Context, m message) {
	var r reply
	switch m.kind {
	case msgScan, msgAutoScan:
		r.err = e.start(ctx, m.kind == msgAutoScan)
		if m.wait != nil && (r.err == nil || errors.Is(r.err, ErrBusy)) {
			e.waiters = append(e.waiters, m.wait)
		}
	case msgTogglePause:
		if paused := e.session.togglePause(); paused {
			e.logger.Info("scanning paused")
		} else {
			e.logger.Info("scanning resumed", zap.Bool("dirty", e.dirty))
			if e.dirty || !e.session.HasScanned {
				if err := e.start(ctx, true); err != nil && !errors.Is(err, ErrBusy) {
					e.logger.Warn("resume scan not started", zap.Error(err))
				}
			}
		}
	case msgMutation:
		e.dirty = true
	case msgResults, msgSession:
	}
	r.snapshot = e.snapshot()
	r.session = e.session
	if m.reply != nil {
		m.reply <- r
	}
}

// start begins a scan on a worker goroutine.
func (e *Engine) start(ctx context.Context, auto bool) error {
	if err := e.session.begin(); err != nil {
		if auto {
			e.logger.Debug("automatic scan skipped", zap.Error(err))
		}
		return err
	}
	e.dirty = false
	e.scanID = uuid.NewString()
	id := e.scanID
	prior := append([]tracked(nil), e.results...)
	e.logger.Info("scan started", zap.String("scan_id", id), zap.Bool("automatic", auto))
	go func() {
		e.scanDone <- e.scan(ctx, id, prior)
	}()
	return nil
}

// complete applies a finished scan to the session. Runs on the loop.
func (e *Engine) complete(out scanOutcome) {
	e.session.finish(out.usedAI)
	e.results = out.results
	snap := e.snapshot()

	e.publisher.Emit(context.Background(), events.NewResultsReady(out.id, toEventDetections(snap.Results), true, snap.Mode))
	for _, w := range e.waiters {
		w <- snap
	}
	e.waiters = nil

	fields := []zap.Field{
		zap.String("scan_id", out.id),
		zap.Int("found", len(out.results)),
		zap.String("mode", snap.Mode),
	}
	if out.err != nil {
		e.logger.Warn("scan ended early", append(fields, zap.Error(out.err))...)
		return
	}
	e.logger.Info("scan finished", fields...)
}

func (e *Engine) snapshot() Snapshot {
	results := make([]Detection, len(e.results))
	for i, t := range e.results {
		results[i] = t.det
	}
	return Snapshot{
		Count:      len(results),
		Results:    results,
		IsScanning: e.session.IsScanning,
		HasScanned: e.session.HasScanned,
		IsPaused:   e.session.IsPaused,
		Mode:       e.session.Mode(),
		ScanID:     e.scanID,
	}
}

// scan runs one full pass. It never touches the session. Detections from
// earlier passes are carried over while their text is still in the document;
// the extractor skips marked text so they are not found again. Only this
// pass's decisions set usedAI.
func (e *Engine) scan(ctx context.Context, id string, prior []tracked) scanOutcome {
	start := time.Now()
	ctx, span := e.telemetry.Tracer().Start(ctx, "darkscan.scan")
	defer span.End()
	span.SetAttributes(telemetry.SafeAttributes(map[string]any{"darkscan.scan_id": id})...)

	out := scanOutcome{id: id}
	seen := make(map[dedupKey]struct{})
	for _, t := range prior {
		if !e.doc.Attached(t.ref) {
			continue
		}
		seen[dedupKey{ref: t.ref, category: t.det.Category}] = struct{}{}
		out.results = append(out.results, t)
	}

	if e.bank.IsEmpty() {
		e.logger.Warn("category bank is empty, scan aborted", zap.String("scan_id", id))
		out.err = bank.ErrEmptyBank
		span.SetStatus(codes.Error, "empty category bank")
		e.telemetry.RecordScan(ctx, "aborted", ModeFallback, 0, msSince(start))
		return out
	}

	cands := e.extractor.Extract(e.doc)
	span.SetAttributes(telemetry.SafeAttributes(map[string]any{
		"darkscan.candidates": len(cands),
		"darkscan.categories": e.bank.Names(),
	})...)

	err := e.dispatcher.Run(ctx, cands, func(batch []Decision, done int) {
		for _, d := range batch {
			if !d.Accepted {
				continue
			}
			key := dedupKey{ref: d.Candidate.Ref, category: d.Detection.Category}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			det := d.Detection
			det.Advisory = e.advisory(det.Category, d.Candidate.Category)
			e.apply(d.Candidate.Ref, det)
			if det.Tier == TierAI {
				out.usedAI = true
			}
			out.results = append(out.results, tracked{ref: d.Candidate.Ref, det: det})
			e.telemetry.RecordDetection(ctx, string(det.Tier), det.Category)
		}
		e.publisher.Emit(ctx, events.NewProgress(id, done*100/len(cands), len(out.results)))
	})

	mode := ModeFallback
	if out.usedAI {
		mode = ModeHybrid
	}
	outcome := "ok"
	if err != nil {
		out.err = err
		outcome = "canceled"
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(telemetry.SafeAttributes(map[string]any{
		"darkscan.found":   len(out.results),
		"darkscan.mode":    mode,
		"darkscan.used_ai": out.usedAI,
	})...)
	e.telemetry.RecordScan(ctx, outcome, mode, len(cands), msSince(start))
	return out
}

type dedupKey struct {
	ref      dom.SourceRef
	category string
}

// apply marks the source text. A reference detached by a concurrent mutation
// is skipped; the detection is still reported.
func (e *Engine) apply(ref dom.SourceRef, det Detection) {
	err := e.doc.Mark(ref, dom.Mark{
		Category: det.Category,
		Tier:     string(det.Tier),
		Score:    fmt.Sprintf("%.2f", det.Score),
		Advisory: det.Advisory,
	})
	if errors.Is(err, dom.ErrDetached) {
		e.logger.Info("stale reference, detection not marked",
			zap.String("category", det.Category),
			redact.Field("text", det.Text))
		return
	}
	if err != nil {
		e.logger.Warn("mark failed", zap.Error(err))
	}
}

func (e *Engine) advisory(name string, fallback bank.Category) string {
	if c, ok := e.bank.Lookup(name); ok && c.Advisory != "" {
		return c.Advisory
	}
	if fallback.Advisory != "" {
		return fallback.Advisory
	}
	return bank.DefaultAdvisory(name)
}

func (e *Engine) send(ctx context.Context, m message) (reply, error) {
	m.reply = make(chan reply, 1)
	select {
	case e.msgs <- m:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-e.stopped:
		return reply{}, ErrStopped
	}
	select {
	case r := <-m.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Scan requests a scan. A request while a scan is in flight is a no-op and
// still acknowledged; a paused session returns ErrPaused.
func (e *Engine) Scan(ctx context.Context) (ScanAck, error) {
	r, err := e.send(ctx, message{kind: msgScan})
	if err != nil {
		return ScanAck{}, err
	}
	if r.err != nil && !errors.Is(r.err, ErrBusy) {
		return ScanAck{}, r.err
	}
	return ScanAck{IsScanning: true}, nil
}

// ScanAndWait requests a scan, joining one already in flight, and blocks until
// it completes.
func (e *Engine) ScanAndWait(ctx context.Context) (Snapshot, error) {
	wait := make(chan Snapshot, 1)
	r, err := e.send(ctx, message{kind: msgScan, wait: wait})
	if err != nil {
		return Snapshot{}, err
	}
	if r.err != nil && !errors.Is(r.err, ErrBusy) {
		return Snapshot{}, r.err
	}
	select {
	case snap := <-wait:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// AutoScan is the mutation-driven trigger. It returns ErrBusy or ErrPaused
// when the scan is skipped; nothing is queued.
func (e *Engine) AutoScan(ctx context.Context) error {
	r, err := e.send(ctx, message{kind: msgAutoScan})
	if err != nil {
		return err
	}
	return r.err
}

// NoteMutation records that the document changed since the last scan began.
func (e *Engine) NoteMutation(ctx context.Context) error {
	_, err := e.send(ctx, message{kind: msgMutation})
	return err
}

// Results returns the last completed scan's results and the session flags.
func (e *Engine) Results(ctx context.Context) (Snapshot, error) {
	r, err := e.send(ctx, message{kind: msgResults})
	return r.snapshot, err
}

// TogglePause flips the pause flag. Resuming starts a scan when the document
// changed while paused or was never scanned.
func (e *Engine) TogglePause(ctx context.Context) (PauseState, error) {
	r, err := e.send(ctx, message{kind: msgTogglePause})
	if err != nil {
		return PauseState{}, err
	}
	return PauseState{IsPaused: r.session.IsPaused}, nil
}

// Session returns a copy of the session flags.
func (e *Engine) Session(ctx context.Context) (ScanSession, error) {
	r, err := e.send(ctx, message{kind: msgSession})
	return r.session, err
}

func toEventDetections(ds []Detection) []events.Detection {
	out := make([]events.Detection, len(ds))
	for i, d := range ds {
		out[i] = events.Detection{
			Category: d.Category,
			Text:     d.Text,
			Tier:     string(d.Tier),
			Score:    d.Score,
		}
	}
	return out
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
