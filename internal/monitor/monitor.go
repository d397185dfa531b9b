// Package monitor turns document mutations into debounced automatic scans.
package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/dom"
)

// DefaultQuiet is the mutation debounce window.
const DefaultQuiet = 750 * time.Millisecond

// Scanner is the engine surface the monitor drives. AutoScan returns an error
// when the scan is skipped because the session is paused or busy.
type Scanner interface {
	NoteMutation(ctx context.Context) error
	AutoScan(ctx context.Context) error
}

// Monitor observes a document and requests a scan after each burst of
// mutations. Skipped scans are not queued.
type Monitor struct {
	doc     *dom.Document
	scanner Scanner
	quiet   time.Duration
	logger  *zap.Logger
}

// New returns a monitor. quiet <= 0 selects DefaultQuiet.
func New(doc *dom.Document, scanner Scanner, quiet time.Duration, logger *zap.Logger) *Monitor {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{doc: doc, scanner: scanner, quiet: quiet, logger: logger}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	deb := NewDebouncer(m.quiet, func() {
		err := m.scanner.AutoScan(ctx)
		switch {
		case err == nil:
			m.logger.Debug("mutation scan started")
		case errors.Is(err, context.Canceled):
		default:
			m.logger.Debug("mutation scan skipped", zap.Error(err))
		}
	})

	changed := make(chan string, 1)
	unsubscribe := m.doc.Observe(func(mu dom.Mutation) {
		select {
		case changed <- mu.Reason:
		default:
		}
	})
	defer unsubscribe()

	debCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		deb.Run(debCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-changed:
			if err := m.scanner.NoteMutation(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("mutation not recorded", zap.Error(err))
			}
			m.logger.Debug("document mutated", zap.String("reason", reason))
			deb.Trigger()
		}
	}
}
