package monitor

import (
	"context"
	"time"
)

// Debouncer collapses a burst of Trigger calls into one call of fn, made once
// no Trigger has arrived for the quiet period. Every Trigger resets the timer.
type Debouncer struct {
	quiet  time.Duration
	fn     func()
	events chan struct{}
}

// NewDebouncer returns a debouncer; call Run to start it.
func NewDebouncer(quiet time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		quiet:  quiet,
		fn:     fn,
		events: make(chan struct{}, 1),
	}
}

// Trigger records an event. It never blocks.
func (d *Debouncer) Trigger() {
	select {
	case d.events <- struct{}{}:
	default:
	}
}

// Run fires fn on the calling goroutine until ctx is cancelled. A pending
// trigger is discarded on cancellation.
func (d *Debouncer) Run(ctx context.Context) {
	timer := time.NewTimer(d.quiet)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	armed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.events:
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.quiet)
			armed = true
		case <-timer.C:
			armed = false
			d.fn()
		}
	}
}
