package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/straja-ai/darkscan/internal/bank"
	"github.com/straja-ai/darkscan/internal/config"
	"github.com/straja-ai/darkscan/internal/dom"
	"github.com/straja-ai/darkscan/internal/engine"
	"github.com/straja-ai/darkscan/internal/events"
	"github.com/straja-ai/darkscan/internal/extract"
	"github.com/straja-ai/darkscan/internal/telemetry"
	"github.com/straja-ai/darkscan/internal/verifier"
)

// app holds the components every subcommand shares.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Provider
	bank      *bank.Bank
	examples  *bank.ExampleBank
	extractor *extract.Extractor
	verifier  *verifier.Handle
	emitter   *events.Emitter
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	// Subprocess mode without a command runs this binary's verifier worker.
	if cfg.Verifier.Mode == "subprocess" && len(cfg.Verifier.Command) == 0 {
		if self, err := os.Executable(); err == nil {
			cfg.Verifier.Command = []string{self, "verifier", "--stdio", "--config", configPath}
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	encoder := zap.NewDevelopmentEncoderConfig()
	if cfg.Format == "json" {
		encoder = zap.NewProductionEncoderConfig()
	}
	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         cfg.Format,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zc.Build()
}

// setup loads configuration and the banks. The verifier and emitter are
// opened separately because not every subcommand needs them.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	tel := telemetry.NewNoop()
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.NewProvider(ctx, telemetry.Config{
			Enabled:  true,
			Endpoint: cfg.Telemetry.Endpoint,
			Protocol: cfg.Telemetry.Protocol,
			Service:  "darkscan",
			Version:  version,
		})
		if err != nil {
			logger.Warn("telemetry disabled", zap.Error(err))
			tel = telemetry.NewNoop()
		}
	}

	// A broken category file leaves the bank empty; scans then abort with a
	// warning instead of the process exiting.
	b, err := bank.LoadCategories(cfg.Bank.CategoriesPath, logger.Named("bank"))
	if err != nil {
		logger.Warn("category bank not loaded", zap.Error(err))
	}
	if b == nil {
		b = bank.Empty()
	}
	// Without examples the semantic verifier never becomes ready and every
	// candidate is decided by the strict matchers.
	examples, err := bank.LoadExamples(cfg.Bank.ExamplesPath)
	if err != nil {
		logger.Warn("example bank not loaded, semantic verification unavailable", zap.Error(err))
		examples = bank.NewExampleBank(nil)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		bank:      b,
		examples:  examples,
		extractor: extract.New(b, extract.Options{
			Ignore:         bank.NewIgnoreList(cfg.Extractor.IgnorePhrases),
			ContextWindow:  cfg.Extractor.ContextWindow,
			MinFootprintPx: cfg.Extractor.MinFootprintPx,
		}),
	}
	logger.Info("banks loaded",
		zap.Int("categories", b.Len()),
		zap.Int("examples", examples.Len()))
	return a, nil
}

func (a *app) thresholds() verifier.Thresholds {
	return verifier.Thresholds{
		High:   a.cfg.Detection.HighConfidence,
		Medium: a.cfg.Detection.MediumConfidence,
	}
}

// openVerifier connects the configured verifier. Failure degrades to the
// null verifier so scans still run on the strict tier.
func (a *app) openVerifier(ctx context.Context) {
	h, err := verifier.Open(ctx, a.cfg.Verifier, a.examples, a.thresholds(), a.cfg.Detection.VerifyTimeout, a.logger.Named("verifier"))
	if err != nil {
		a.logger.Warn("semantic verifier unavailable, using strict matchers only", zap.Error(err))
		h = &verifier.Handle{Verifier: verifier.NewNull(), Mode: "disabled"}
	}
	a.verifier = h
}

// openEmitter starts event delivery to the configured sinks plus extra.
func (a *app) openEmitter(extra ...events.Sink) error {
	sinks, err := events.SinksFromConfig(a.cfg.Events.Sinks)
	if err != nil {
		for _, s := range sinks {
			_ = s.Close(context.Background())
		}
		return err
	}
	a.emitter = events.NewEmitter(events.EmitterConfig{
		QueueSize:       a.cfg.Events.QueueSize,
		Workers:         a.cfg.Events.Workers,
		ShutdownTimeout: a.cfg.Events.ShutdownTimeout,
		Logger:          a.logger.Named("events"),
	}, append(sinks, extra...))
	return nil
}

func (a *app) newEngine(doc *dom.Document) *engine.Engine {
	var v verifier.Verifier = verifier.NewNull()
	if a.verifier != nil {
		v = a.verifier
	}
	var pub events.Publisher
	if a.emitter != nil {
		pub = a.emitter
	}
	return engine.New(doc, engine.Options{
		Bank:      a.bank,
		Extractor: a.extractor,
		Verifier:  v,
		Dispatch: engine.DispatcherConfig{
			BatchSize:           a.cfg.Detection.BatchSize,
			VerifyTimeout:       a.cfg.Detection.VerifyTimeout,
			AcceptanceThreshold: a.cfg.Detection.AcceptanceThreshold,
		},
		Publisher: pub,
		Telemetry: a.telemetry,
		Logger:    a.logger.Named("engine"),
	})
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Events.ShutdownTimeout)
	defer cancel()
	if a.emitter != nil {
		a.emitter.Close(ctx)
	}
	if a.verifier != nil {
		if err := a.verifier.Close(); err != nil {
			a.logger.Debug("verifier close", zap.Error(err))
		}
	}
	a.telemetry.Shutdown(ctx)
	_ = a.logger.Sync()
}

// runEngine starts eng's control loop and returns a func that stops it and
// waits for it to exit.
func runEngine(ctx context.Context, eng *engine.Engine) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func parseBytes(raw []byte) (*dom.Document, error) {
	return dom.Parse(bytes.NewReader(raw))
}
