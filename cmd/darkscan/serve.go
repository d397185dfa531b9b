package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/darkscan/internal/auth"
	"github.com/straja-ai/darkscan/internal/dom"
	"github.com/straja-ai/darkscan/internal/fetch"
	"github.com/straja-ai/darkscan/internal/monitor"
	"github.com/straja-ai/darkscan/internal/server"
)

var serveAddr string

var errNoDocument = errors.New("no document: pass a file or URL, or set server.document")

var serveCmd = &cobra.Command{
	Use:   "serve [file|url]",
	Short: "Serve the control API and event stream for one document",
	Long: `serve loads a document (argument or server.document), keeps it under
mutation monitoring and exposes scan, getResults and togglePause over HTTP.
Events are pushed to websocket clients on /v1/events and to configured sinks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override server.addr")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	source := a.cfg.Server.Document
	if len(args) == 1 {
		source = args[0]
	}
	if source == "" {
		return errNoDocument
	}
	addr := a.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	keys, err := auth.NewFromConfig(a.cfg)
	if err != nil {
		return err
	}
	if keys.Open() {
		a.logger.Warn("no api_keys configured, control API is unauthenticated")
	}

	doc, err := fetch.Load(ctx, source, fetch.Options{
		Render:         a.cfg.Server.Render,
		MinFootprintPx: a.cfg.Extractor.MinFootprintPx,
	})
	if err != nil {
		return err
	}

	hub := server.NewHub(a.logger.Named("ws"))
	a.openVerifier(ctx)
	if err := a.openEmitter(hub); err != nil {
		return err
	}
	eng := a.newEngine(doc)
	stopEngine := runEngine(ctx, eng)
	defer stopEngine()

	srv := server.New(server.Options{
		Config:     a.cfg.Server,
		Auth:       keys,
		Controller: eng,
		Verifier:   a.verifier,
		Hub:        hub,
		Logger:     a.logger.Named("server"),
	})
	mon := monitor.New(doc, eng, a.cfg.Detection.Debounce, a.logger.Named("monitor"))
	src, err := watchSource(source, doc, a.logger.Named("file"))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx, addr) })
	g.Go(func() error { return mon.Run(gctx) })
	if src != nil {
		g.Go(func() error { return src.Run(gctx) })
	}

	if _, err := eng.Scan(ctx); err != nil {
		a.logger.Warn("initial scan", zap.Error(err))
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// watchSource returns a reloading FileSource for local documents and nil for
// URLs. It must be called before any serving goroutine starts.
func watchSource(source string, doc *dom.Document, logger *zap.Logger) (*monitor.FileSource, error) {
	if fetch.IsURL(source) {
		return nil, nil
	}
	return monitor.NewFileSource(source, doc, logger)
}
