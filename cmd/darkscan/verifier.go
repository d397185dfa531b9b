package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/verifier"
)

var (
	verifierStdio bool
	verifierNATS  string
)

var verifierCmd = &cobra.Command{
	Use:   "verifier",
	Short: "Run the semantic verifier as an isolated worker",
	Long: `verifier loads the embedding model and answers predict, init and status
requests, either as newline-delimited JSON on stdin/stdout (the subprocess
verifier mode) or on a NATS subject (the nats verifier mode).`,
	Args: cobra.NoArgs,
	RunE: runVerifier,
}

func init() {
	verifierCmd.Flags().BoolVar(&verifierStdio, "stdio", false, "serve requests on stdin/stdout")
	verifierCmd.Flags().StringVar(&verifierNATS, "nats", "", "serve requests from this NATS server URL")
	verifierCmd.MarkFlagsMutuallyExclusive("stdio", "nats")
	verifierCmd.MarkFlagsOneRequired("stdio", "nats")
}

func runVerifier(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol, so logs must stay on stderr.
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sem, err := verifier.NewWorker(a.cfg.Verifier, a.examples, a.thresholds(), a.logger.Named("worker"))
	if err != nil {
		return err
	}
	defer sem.Close()

	var conn verifier.ServerConn
	if verifierStdio {
		conn = verifier.NewServerStream(os.Stdin, os.Stdout, nil, a.logger.Named("stdio"))
	} else {
		nc, err := verifier.ConnectNATS(verifierNATS)
		if err != nil {
			return err
		}
		defer nc.Close()
		conn, err = verifier.NewNATSServer(nc, a.cfg.Verifier.Subject, a.logger.Named("nats"))
		if err != nil {
			return err
		}
	}
	a.logger.Info("verifier worker ready")
	err = verifier.Serve(ctx, conn, sem, a.logger)
	if errors.Is(err, ctx.Err()) {
		return nil
	}
	if err != nil {
		a.logger.Warn("verifier worker stopped", zap.Error(err))
	}
	return err
}
