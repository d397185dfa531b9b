package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/engine"
	"github.com/straja-ai/darkscan/internal/fetch"
)

var (
	scanRender bool
	scanOut    string
	scanJSON   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <file|url>",
	Short: "Scan one document and print the detections",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanRender, "render", false, "load URLs through a headless browser")
	scanCmd.Flags().StringVar(&scanOut, "out", "", "write the marked document to this path")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print results as JSON")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	doc, err := fetch.Load(ctx, args[0], fetch.Options{
		Render:         scanRender || a.cfg.Server.Render,
		MinFootprintPx: a.cfg.Extractor.MinFootprintPx,
	})
	if err != nil {
		return err
	}

	a.openVerifier(ctx)
	if err := a.openEmitter(); err != nil {
		return err
	}
	eng := a.newEngine(doc)
	stop := runEngine(ctx, eng)
	defer stop()

	snap, err := eng.ScanAndWait(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	a.logger.Info("scan finished",
		zap.Int("count", snap.Count),
		zap.String("mode", snap.Mode))

	if scanOut != "" {
		if err := writeDocument(scanOut, doc.String()); err != nil {
			return err
		}
	}
	if scanJSON {
		return printJSON(cmd.OutOrStdout(), snap)
	}
	printTable(cmd.OutOrStdout(), snap)
	return nil
}

func writeDocument(path, body string) error {
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write marked document: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, snap engine.Snapshot) {
	fmt.Fprintf(w, "%d detection(s), mode %s\n", snap.Count, snap.Mode)
	if snap.Count == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tTIER\tSCORE\tTEXT")
	for _, d := range snap.Results {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", d.Category, d.Tier, d.Score, d.Text)
	}
	_ = tw.Flush()
}
