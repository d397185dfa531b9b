package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}

	if err := validateDetectionConfig(cfg.Detection); err != nil {
		return err
	}

	if cfg.Extractor.ContextWindow < 0 {
		return errors.New("extractor.context_window must not be negative")
	}
	if cfg.Extractor.MinFootprintPx < 0 {
		return errors.New("extractor.min_footprint_px must not be negative")
	}

	if err := validateVerifierConfig(cfg.Verifier); err != nil {
		return err
	}

	if err := validateEventsConfig(cfg.Events); err != nil {
		return err
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	return nil
}

func validateDetectionConfig(d DetectionConfig) error {
	for name, v := range map[string]float64{
		"detection.acceptance_threshold": d.AcceptanceThreshold,
		"detection.high_confidence":      d.HighConfidence,
		"detection.medium_confidence":    d.MediumConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if d.MediumConfidence > d.HighConfidence {
		return fmt.Errorf("detection.medium_confidence (%v) must not exceed detection.high_confidence (%v)", d.MediumConfidence, d.HighConfidence)
	}
	if d.BatchSize < 1 {
		return fmt.Errorf("detection.batch_size must be at least 1, got %d", d.BatchSize)
	}
	if d.VerifyTimeout <= 0 {
		return errors.New("detection.verify_timeout must be positive")
	}
	if d.Debounce <= 0 {
		return errors.New("detection.debounce must be positive")
	}
	return nil
}

func validateVerifierConfig(v VerifierConfig) error {
	switch v.Mode {
	case "inprocess", "disabled":
	case "subprocess":
		if len(v.Command) == 0 {
			return errors.New("verifier.command must be set for subprocess mode")
		}
	case "nats":
		if strings.TrimSpace(v.NATSURL) == "" {
			return errors.New("verifier.nats_url must be set for nats mode")
		}
		if strings.TrimSpace(v.Subject) == "" {
			return errors.New("verifier.subject must be set for nats mode")
		}
	default:
		return fmt.Errorf("verifier.mode must be inprocess, subprocess, nats or disabled, got %q", v.Mode)
	}

	switch v.Embedder {
	case "fastembed":
	case "onnx":
		if v.Mode != "disabled" && strings.TrimSpace(v.ModelDir) == "" {
			return errors.New("verifier.model_dir must be set for the onnx embedder")
		}
	default:
		return fmt.Errorf("verifier.embedder must be fastembed or onnx, got %q", v.Embedder)
	}
	if v.SeqLen < 0 {
		return errors.New("verifier.seq_len must not be negative")
	}
	return nil
}

func validateEventsConfig(e EventsConfig) error {
	for i, s := range e.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("events sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("events sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("events sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("events sink %d (webhook) url must be http or https", i)
			}
		default:
			return fmt.Errorf("events sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}
