package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink consumes events (JSONL file, webhook, websocket hub).
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// Publisher is what the engine depends on.
type Publisher interface {
	Emit(context.Context, *Event)
}

// Stats is a point-in-time copy of delivery counters.
type Stats struct {
	Enqueued    uint64
	Dropped     uint64
	SinkSuccess map[string]uint64
	SinkFailure map[string]uint64
}

// Emitter buffers events and delivers them to sinks on background workers.
// Emit never blocks the scan: a full queue drops the event and counts it.
type Emitter struct {
	queue           chan *Event
	sinks           []Sink
	shutdownTimeout time.Duration
	logger          *zap.Logger

	enqueued atomic.Uint64
	dropped  atomic.Uint64

	statsMu     sync.Mutex
	sinkSuccess map[string]uint64
	sinkFailure map[string]uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// EmitterConfig controls worker and queue sizing.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// NewEmitter starts background workers delivering to sinks in order.
func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	em := &Emitter{
		queue:           make(chan *Event, cfg.QueueSize),
		sinks:           sinks,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
		sinkSuccess:     make(map[string]uint64, len(sinks)),
		sinkFailure:     make(map[string]uint64, len(sinks)),
	}
	for _, s := range sinks {
		em.sinkSuccess[s.Name()] = 0
		em.sinkFailure[s.Name()] = 0
	}

	for i := 0; i < cfg.Workers; i++ {
		em.wg.Add(1)
		go em.worker()
	}
	return em
}

// Emit enqueues ev without blocking.
func (e *Emitter) Emit(_ context.Context, ev *Event) {
	if e == nil || ev == nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.dropped.Add(1)
		return
	}

	select {
	case e.queue <- ev:
		e.enqueued.Add(1)
	default:
		e.dropped.Add(1)
		e.logger.Debug("events: queue full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// Close stops accepting new events, waits up to the shutdown timeout for the
// queue to drain and then closes every sink.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		e.logger.Warn("events: shutdown timed out with undelivered events")
	}

	for _, s := range e.sinks {
		if err := s.Close(waitCtx); err != nil {
			e.logger.Warn("events: sink close error", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

// Stats copies the current counters.
func (e *Emitter) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := Stats{
		Enqueued:    e.enqueued.Load(),
		Dropped:     e.dropped.Load(),
		SinkSuccess: make(map[string]uint64, len(e.sinkSuccess)),
		SinkFailure: make(map[string]uint64, len(e.sinkFailure)),
	}
	for k, v := range e.sinkSuccess {
		out.SinkSuccess[k] = v
	}
	for k, v := range e.sinkFailure {
		out.SinkFailure[k] = v
	}
	return out
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.deliver(ev)
	}
}

func (e *Emitter) deliver(ev *Event) {
	for _, s := range e.sinks {
		err := s.Deliver(context.Background(), ev)
		e.statsMu.Lock()
		if err != nil {
			e.sinkFailure[s.Name()]++
		} else {
			e.sinkSuccess[s.Name()]++
		}
		e.statsMu.Unlock()
		if err != nil {
			e.logger.Warn("events: sink delivery failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

// Recorder is an in-memory sink, used by the CLI to print events and by tests.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
	notify chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Deliver(_ context.Context, ev *Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close(context.Context) error { return nil }

// Emit lets a Recorder stand in for an Emitter where delivery should be synchronous.
func (r *Recorder) Emit(ctx context.Context, ev *Event) {
	if ev != nil {
		_ = r.Deliver(ctx, ev)
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Kinds returns the kind of each recorded event in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}
