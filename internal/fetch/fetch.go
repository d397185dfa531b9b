// Package fetch loads documents for scanning from files, plain HTTP, or a
// headless browser when the page needs script execution to show its text.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/straja-ai/darkscan/internal/dom"
)

// MaxDocumentBytes caps how much of a source is read.
const MaxDocumentBytes = 4 << 20

const userAgent = "Mozilla/5.0 (compatible; darkscan/1.0)"

// Options selects how a source is fetched.
type Options struct {
	// Render loads URLs through a headless browser.
	Render bool
	// ControlURL connects to a running browser instead of launching one.
	ControlURL string
	// MinFootprintPx is passed to the browser's layout-based visibility check.
	MinFootprintPx int
	Timeout        time.Duration
	Client         *http.Client
}

// IsURL reports whether source is an http(s) URL.
func IsURL(source string) bool {
	s := strings.ToLower(strings.TrimSpace(source))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Bytes returns the raw HTML for source: a file path or an http(s) URL.
func Bytes(ctx context.Context, source string, opts Options) ([]byte, error) {
	if !IsURL(source) {
		return File(source)
	}
	if opts.Render {
		return Rendered(ctx, source, opts)
	}
	return HTTP(ctx, source, opts)
}

// Load fetches source and parses it into a document.
func Load(ctx context.Context, source string, opts Options) (*dom.Document, error) {
	data, err := Bytes(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return dom.Parse(bytes.NewReader(data))
}

// File reads an HTML file.
func File(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	return readLimited(f)
}

// HTTP fetches url with a GET request.
func HTTP(ctx context.Context, url string, opts Options) ([]byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return readLimited(resp.Body)
}

var errTooLarge = errors.New("document exceeds size limit")

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if len(data) > MaxDocumentBytes {
		return nil, errTooLarge
	}
	return data, nil
}
