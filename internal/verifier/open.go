package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/bank"
	"github.com/straja-ai/darkscan/internal/config"
)

// Handle is an opened verifier plus the resources behind it.
type Handle struct {
	Verifier
	Mode    string
	closers []func() error
}

// Close releases the transport and model, newest first.
func (h *Handle) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// NewWorker builds the Semantic verifier that runs inside the isolation
// boundary.
func NewWorker(cfg config.VerifierConfig, examples *bank.ExampleBank, th Thresholds, logger *zap.Logger) (*Semantic, error) {
	loader, err := LoaderFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewSemantic(loader, examples, th, logger), nil
}

// Open returns the verifier selected by cfg.Mode. Every mode except disabled
// goes through a Client, so the engine only ever talks to the model by
// message passing.
func Open(ctx context.Context, cfg config.VerifierConfig, examples *bank.ExampleBank, th Thresholds, callTimeout time.Duration, logger *zap.Logger) (*Handle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Mode {
	case "disabled":
		return &Handle{Verifier: NewNull(), Mode: cfg.Mode}, nil

	case "inprocess", "":
		sem, err := NewWorker(cfg, examples, th, logger)
		if err != nil {
			return nil, err
		}
		cc, sc := Pipe()
		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = Serve(workerCtx, sc, sem, logger.Named("worker"))
		}()
		client := NewClient(cc, callTimeout, logger)
		return &Handle{
			Verifier: client,
			Mode:     "inprocess",
			closers: []func() error{
				sem.Close,
				func() error { cancel(); <-done; return nil },
				client.Close,
			},
		}, nil

	case "subprocess":
		sp, err := StartSubprocess(ctx, cfg.Command, logger)
		if err != nil {
			return nil, err
		}
		client := NewClient(sp, callTimeout, logger)
		return &Handle{Verifier: client, Mode: cfg.Mode, closers: []func() error{client.Close}}, nil

	case "nats":
		nc, err := ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		conn, err := NewNATSClient(nc, cfg.Subject, logger)
		if err != nil {
			nc.Close()
			return nil, err
		}
		client := NewClient(conn, callTimeout, logger)
		return &Handle{
			Verifier: client,
			Mode:     cfg.Mode,
			closers: []func() error{
				func() error { nc.Close(); return nil },
				client.Close,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown verifier mode %q", cfg.Mode)
	}
}
