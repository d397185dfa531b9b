package events

import (
	"fmt"
	"strings"

	"github.com/straja-ai/darkscan/internal/config"
)

// SinksFromConfig builds the configured sinks. On error any sinks already
// opened are returned so the caller can close them.
func SinksFromConfig(cfgs []config.SinkConfig) ([]Sink, error) {
	var sinks []Sink
	for i, sc := range cfgs {
		switch strings.ToLower(sc.Type) {
		case "file_jsonl":
			s, err := NewFileSink(sc.Path)
			if err != nil {
				return sinks, fmt.Errorf("events.sinks[%d]: %w", i, err)
			}
			sinks = append(sinks, s)
		case "webhook":
			s, err := NewWebhookSink(sc.URL, sc.Headers, sc.Timeout)
			if err != nil {
				return sinks, fmt.Errorf("events.sinks[%d]: %w", i, err)
			}
			sinks = append(sinks, s)
		default:
			return sinks, fmt.Errorf("events.sinks[%d]: unknown sink type %q", i, sc.Type)
		}
	}
	return sinks, nil
}
