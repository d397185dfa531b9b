// Package events delivers scan lifecycle events to observers: progress after
// every verification batch and the final result set when a scan completes.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/darkscan/internal/redact"
)

// Version is the event schema version.
const Version = "1"

// maxSnippet bounds the document text carried by events.
const maxSnippet = 200

// Kind names the event.
type Kind string

const (
	KindScanProgress Kind = "scanProgress"
	KindResultsReady Kind = "resultsReady"
)

// Detection is the wire form of one accepted result.
type Detection struct {
	Category string  `json:"category"`
	Text     string  `json:"text"`
	Tier     string  `json:"tier"`
	Score    float64 `json:"score"`
}

// Progress is the scanProgress payload.
type Progress struct {
	Progress int `json:"progress"`
	Found    int `json:"found"`
}

// Results is the resultsReady payload.
type Results struct {
	Count      int         `json:"count"`
	Results    []Detection `json:"results"`
	HasScanned bool        `json:"hasScanned"`
	Mode       string      `json:"mode,omitempty"`
}

// Event is one delivered notification.
type Event struct {
	Version   string    `json:"version"`
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ScanID    string    `json:"scan_id"`
	Timestamp time.Time `json:"timestamp"`

	Progress *Progress `json:"progress,omitempty"`
	Results  *Results  `json:"results,omitempty"`
}

// NewProgress builds a scanProgress event. percent is clamped to 0..100.
func NewProgress(scanID string, percent, found int) *Event {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &Event{
		Version:   Version,
		ID:        uuid.NewString(),
		Kind:      KindScanProgress,
		ScanID:    scanID,
		Timestamp: time.Now().UTC(),
		Progress:  &Progress{Progress: percent, Found: found},
	}
}

// NewResultsReady builds a resultsReady event. Detection text is redacted and
// truncated before it leaves the process.
func NewResultsReady(scanID string, detections []Detection, hasScanned bool, mode string) *Event {
	out := make([]Detection, len(detections))
	for i, d := range detections {
		d.Text = redact.Snippet(d.Text, maxSnippet)
		out[i] = d
	}
	return &Event{
		Version:   Version,
		ID:        uuid.NewString(),
		Kind:      KindResultsReady,
		ScanID:    scanID,
		Timestamp: time.Now().UTC(),
		Results: &Results{
			Count:      len(out),
			Results:    out,
			HasScanned: hasScanned,
			Mode:       mode,
		},
	}
}
