package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/darkscan/internal/events"
	"github.com/straja-ai/darkscan/internal/fetch"
	"github.com/straja-ai/darkscan/internal/monitor"
)

var watchCmd = &cobra.Command{
	Use:   "watch <file>",
	Short: "Rescan a local document whenever it changes on disk",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	doc, err := fetch.Load(ctx, args[0], fetch.Options{})
	if err != nil {
		return err
	}
	a.openVerifier(ctx)
	if err := a.openEmitter(&printSink{w: cmd.OutOrStdout()}); err != nil {
		return err
	}
	eng := a.newEngine(doc)
	stopEngine := runEngine(ctx, eng)
	defer stopEngine()

	src, err := monitor.NewFileSource(args[0], doc, a.logger.Named("file"))
	if err != nil {
		return err
	}
	defer src.Close()

	mon := monitor.New(doc, eng, a.cfg.Detection.Debounce, a.logger.Named("monitor"))

	if _, err := eng.Scan(ctx); err != nil {
		a.logger.Warn("initial scan", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return src.Run(gctx) })
	a.logger.Info("watching", zap.String("path", args[0]))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// printSink writes each event as one JSON line.
type printSink struct {
	w io.Writer
}

func (p *printSink) Name() string { return "stdout" }

func (p *printSink) Deliver(_ context.Context, ev *events.Event) error {
	return json.NewEncoder(p.w).Encode(ev)
}

func (p *printSink) Close(context.Context) error { return nil }
