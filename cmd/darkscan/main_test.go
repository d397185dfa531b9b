package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/config"
	"github.com/straja-ai/darkscan/internal/dom"
	"github.com/straja-ai/darkscan/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// executeRoot runs the CLI with args. Flag variables are package globals, so
// they are reset first.
func executeRoot(t *testing.T, args ...string) *bytes.Buffer {
	t.Helper()
	scanRender, scanOut, scanJSON = false, "", false
	configPath, logLevel = "darkscan.yaml", ""

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
	}
	require.NoError(t, rootCmd.ExecuteContext(ctx))
	return &stdout
}

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 20; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := summarize(ds)
	assert.Equal(t, 20, s.N)
	assert.InDelta(t, 10.5, s.Avg, 0.001)
	assert.InDelta(t, 11.0, s.P50, 0.001)
	assert.InDelta(t, 20.0, s.P95, 0.001)

	assert.Equal(t, benchSummary{}, summarize(nil))
	one := summarize([]time.Duration{3 * time.Millisecond})
	assert.InDelta(t, 3.0, one.P95, 0.001)
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, engine.Snapshot{Count: 0, Mode: engine.ModeFallback})
	assert.Equal(t, "0 detection(s), mode Fallback Regex\n", buf.String())

	buf.Reset()
	printTable(&buf, engine.Snapshot{
		Count: 1,
		Mode:  engine.ModeHybrid,
		Results: []engine.Detection{
			{Category: "fakeScarcity", Text: "Only 3 left in stock", Tier: engine.TierAI, Score: 0.812},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "CATEGORY")
	assert.Contains(t, out, "fakeScarcity")
	assert.Contains(t, out, "0.81")
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))

	_, err = newLogger(config.LoggingConfig{Level: "loud", Format: "console"})
	require.Error(t, err)
}

func TestScanCommandStrictFallback(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "darkscan.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
verifier:
  mode: disabled
logging:
  level: error
`), 0o644))
	docPath := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(docPath, []byte(`<html><body>
<p>Only 3 left in stock</p>
<p>Free shipping on every order</p>
</body></html>`), 0o644))
	outPath := filepath.Join(dir, "marked.html")

	stdout := executeRoot(t, "scan", docPath, "--config", cfgPath, "--json", "--out", outPath)

	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &snap))
	require.Equal(t, 1, snap.Count)
	assert.True(t, snap.HasScanned)
	assert.Equal(t, engine.ModeFallback, snap.Mode)
	assert.Equal(t, "fakeScarcity", snap.Results[0].Category)
	assert.Equal(t, engine.TierStrictFallback, snap.Results[0].Tier)

	marked, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(marked), "fakeScarcity"))
}

func TestScanCommandWithoutExamplesFallsBackToStrict(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "darkscan.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
bank:
  examples_path: `+filepath.Join(dir, "missing.yaml")+`
verifier:
  mode: inprocess
logging:
  level: error
`), 0o644))
	docPath := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(docPath, []byte(`<p>Offer ends in 10 minutes</p>`), 0o644))

	stdout := executeRoot(t, "scan", docPath, "--config", cfgPath, "--json")

	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &snap))
	require.Equal(t, 1, snap.Count)
	assert.Equal(t, engine.ModeFallback, snap.Mode)
	assert.Equal(t, "fakeUrgency", snap.Results[0].Category)
	assert.Equal(t, engine.TierStrictFallback, snap.Results[0].Tier)
}

func TestWatchSource(t *testing.T) {
	doc, err := dom.ParseString(`<p>Hurry</p>`)
	require.NoError(t, err)

	src, err := watchSource("https://shop.example.com/", doc, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, src)

	_, err = watchSource(filepath.Join(t.TempDir(), "gone", "page.html"), doc, zap.NewNop())
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(`<p>Hurry</p>`), 0o644))
	src, err = watchSource(path, doc, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, src)
	require.NoError(t, src.Close())
}
