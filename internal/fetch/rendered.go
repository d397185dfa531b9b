package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/straja-ai/darkscan/internal/dom"
)

// markHidden flags elements the browser lays out as invisible so the static
// visibility check sees computed styles as well as inline ones.
const markHidden = `(attr, minPx) => {
	for (const el of document.querySelectorAll('body *')) {
		const s = window.getComputedStyle(el);
		const r = el.getBoundingClientRect();
		const hidden = s.display === 'none' ||
			s.visibility === 'hidden' ||
			parseFloat(s.opacity) === 0 ||
			r.right < 0 || r.bottom < 0 ||
			(el.childElementCount === 0 && el.textContent.trim() !== '' &&
				(r.width < minPx || r.height < minPx));
		if (hidden) el.setAttribute(attr, '');
	}
}`

// Rendered loads url in a headless browser, waits for the load event, flags
// hidden elements from computed layout, and returns the resulting HTML.
func Rendered(ctx context.Context, url string, opts Options) ([]byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	controlURL := opts.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(true)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		defer l.Cleanup()
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	if _, err := page.Eval(markHidden, dom.AttrHidden, opts.MinFootprintPx); err != nil {
		return nil, fmt.Errorf("evaluate visibility: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	if len(html) > MaxDocumentBytes {
		return nil, errTooLarge
	}
	return []byte(html), nil
}
