package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/straja-ai/darkscan/internal/fetch"
)

var (
	benchN    int
	benchText string
)

var benchCmd = &cobra.Command{
	Use:   "bench [file|url]",
	Short: "Measure verifier or full-scan latency",
	Long: `bench times the configured verifier on --text. With a document argument
it times complete scans instead, reloading the document each iteration so
earlier marks do not hide candidates.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchN, "iterations", "n", 200, "number of iterations")
	benchCmd.Flags().StringVar(&benchText, "text", "Hurry! Only 2 left in stock, offer ends in 10 minutes.", "text to verify")
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	a.openVerifier(ctx)

	// A scan bench still runs on the strict tier without a verifier.
	if err := a.verifier.Init(ctx); err != nil && len(args) == 0 {
		return fmt.Errorf("verifier init: %w", err)
	}
	n := max(benchN, 1)

	var (
		op   func(context.Context) error
		what string
	)
	if len(args) == 1 {
		raw, err := fetch.Bytes(ctx, args[0], fetch.Options{MinFootprintPx: a.cfg.Extractor.MinFootprintPx})
		if err != nil {
			return err
		}
		what = "scan " + args[0]
		op = func(ctx context.Context) error { return a.benchScan(ctx, raw) }
	} else {
		what = "predict"
		op = func(ctx context.Context) error {
			_, err := a.verifier.Predict(ctx, benchText)
			return err
		}
	}

	// Warmup
	for i := 0; i < 5; i++ {
		if err := op(ctx); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}

	durations := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		start := time.Now()
		if err := op(ctx); err != nil {
			return err
		}
		durations = append(durations, time.Since(start))
	}
	printBench(cmd.OutOrStdout(), what, a.verifier.Mode, summarize(durations))
	return nil
}

func (a *app) benchScan(ctx context.Context, raw []byte) error {
	doc, err := parseBytes(raw)
	if err != nil {
		return err
	}
	eng := a.newEngine(doc)
	stop := runEngine(ctx, eng)
	defer stop()
	_, err = eng.ScanAndWait(ctx)
	return err
}

type benchSummary struct {
	N   int
	Avg float64
	P50 float64
	P95 float64
}

// summarize reports latencies in milliseconds. durations is sorted in place.
func summarize(durations []time.Duration) benchSummary {
	if len(durations) == 0 {
		return benchSummary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }
	return benchSummary{
		N:   len(durations),
		Avg: ms(total) / float64(len(durations)),
		P50: ms(durations[len(durations)/2]),
		P95: ms(durations[min(int(float64(len(durations))*0.95), len(durations)-1)]),
	}
}

func printBench(w io.Writer, what, mode string, s benchSummary) {
	fmt.Fprintf(w, "bench: %s n=%d avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f verifier=%s\n",
		what, s.N, s.Avg, s.P50, s.P95, mode)
}
