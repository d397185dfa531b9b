package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// DARKSCAN_DETECTION_BATCH_SIZE -> detection.batch_size.
const EnvPrefix = "DARKSCAN_"

const maxConfigFileSize = 1024 * 1024

// Config holds darkscan configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bank      BankConfig      `yaml:"bank"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Detection DetectionConfig `yaml:"detection"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr     string   `yaml:"addr"`     // HTTP listen address, e.g. ":8787"
	APIKeys  []string `yaml:"api_keys"` // empty means the control API is open
	Document string   `yaml:"document"` // file path or URL served by `darkscan serve`
	Render   bool     `yaml:"render"`   // fetch URLs through a headless browser
	// ScanRatePerSecond bounds scan actions arriving over the control API.
	ScanRatePerSecond float64 `yaml:"scan_rate_per_second"`
	ScanBurst         int     `yaml:"scan_burst"`
}

// BankConfig points at the category and example definitions.
// Empty paths select the definitions embedded in the binary.
type BankConfig struct {
	CategoriesPath string `yaml:"categories_path"`
	ExamplesPath   string `yaml:"examples_path"`
}

type ExtractorConfig struct {
	IgnorePhrases  []string `yaml:"ignore_phrases"`
	ContextWindow  int      `yaml:"context_window"`
	MinFootprintPx int      `yaml:"min_footprint_px"`
}

// DetectionConfig carries the tunable thresholds of the hybrid engine.
type DetectionConfig struct {
	AcceptanceThreshold float64       `yaml:"acceptance_threshold"`
	HighConfidence      float64       `yaml:"high_confidence"`
	MediumConfidence    float64       `yaml:"medium_confidence"`
	BatchSize           int           `yaml:"batch_size"`
	VerifyTimeout       time.Duration `yaml:"verify_timeout"`
	Debounce            time.Duration `yaml:"debounce"`
}

type VerifierConfig struct {
	Mode     string `yaml:"mode"`     // inprocess | subprocess | nats | disabled
	Embedder string `yaml:"embedder"` // fastembed | onnx
	// fastembed
	Model    string `yaml:"model"`
	CacheDir string `yaml:"cache_dir"`
	// onnx
	ModelDir string `yaml:"model_dir"`
	SeqLen   int    `yaml:"seq_len"`
	// subprocess
	Command []string `yaml:"command"`
	// nats
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type EventsConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Sinks           []SinkConfig  `yaml:"sinks"`
}

type SinkConfig struct {
	Type    string            `yaml:"type"` // file_jsonl | webhook
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// Load reads configuration from a YAML file and overlays DARKSCAN_* environment
// variables. If the file doesn't exist, defaults plus environment are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if strings.TrimSpace(path) != "" {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if data != nil {
			if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}

// envKey maps DARKSCAN_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8787",
			ScanRatePerSecond: 2,
			ScanBurst:         4,
		},
		Extractor: ExtractorConfig{
			IgnorePhrases:  DefaultIgnorePhrases(),
			ContextWindow:  300,
			MinFootprintPx: 2,
		},
		Detection: DetectionConfig{
			AcceptanceThreshold: 0.6,
			HighConfidence:      0.7,
			MediumConfidence:    0.5,
			BatchSize:           3,
			VerifyTimeout:       5 * time.Second,
			Debounce:            750 * time.Millisecond,
		},
		Verifier: VerifierConfig{
			Mode:     "inprocess",
			Embedder: "fastembed",
			Model:    "sentence-transformers/all-MiniLM-L6-v2",
			SeqLen:   128,
			Subject:  "darkscan.verifier",
		},
		Events: EventsConfig{
			QueueSize:       256,
			Workers:         1,
			ShutdownTimeout: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultIgnorePhrases lists benign boilerplate that never yields candidates.
func DefaultIgnorePhrases() []string {
	return []string{
		"all rights reserved",
		"terms of service",
		"terms and conditions",
		"privacy policy",
		"cookie policy",
		"copyright ©",
		"powered by",
	}
}

func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.ScanRatePerSecond <= 0 {
		cfg.Server.ScanRatePerSecond = def.Server.ScanRatePerSecond
	}
	if cfg.Server.ScanBurst <= 0 {
		cfg.Server.ScanBurst = def.Server.ScanBurst
	}

	if cfg.Extractor.IgnorePhrases == nil {
		cfg.Extractor.IgnorePhrases = def.Extractor.IgnorePhrases
	}
	if cfg.Extractor.ContextWindow == 0 {
		cfg.Extractor.ContextWindow = def.Extractor.ContextWindow
	}
	if cfg.Extractor.MinFootprintPx == 0 {
		cfg.Extractor.MinFootprintPx = def.Extractor.MinFootprintPx
	}

	if cfg.Detection.AcceptanceThreshold == 0 {
		cfg.Detection.AcceptanceThreshold = def.Detection.AcceptanceThreshold
	}
	if cfg.Detection.HighConfidence == 0 {
		cfg.Detection.HighConfidence = def.Detection.HighConfidence
	}
	if cfg.Detection.MediumConfidence == 0 {
		cfg.Detection.MediumConfidence = def.Detection.MediumConfidence
	}
	if cfg.Detection.BatchSize == 0 {
		cfg.Detection.BatchSize = def.Detection.BatchSize
	}
	if cfg.Detection.VerifyTimeout == 0 {
		cfg.Detection.VerifyTimeout = def.Detection.VerifyTimeout
	}
	if cfg.Detection.Debounce == 0 {
		cfg.Detection.Debounce = def.Detection.Debounce
	}

	cfg.Verifier.Mode = strings.ToLower(strings.TrimSpace(cfg.Verifier.Mode))
	if cfg.Verifier.Mode == "" {
		cfg.Verifier.Mode = def.Verifier.Mode
	}
	cfg.Verifier.Embedder = strings.ToLower(strings.TrimSpace(cfg.Verifier.Embedder))
	if cfg.Verifier.Embedder == "" {
		cfg.Verifier.Embedder = def.Verifier.Embedder
	}
	if cfg.Verifier.Model == "" {
		cfg.Verifier.Model = def.Verifier.Model
	}
	if cfg.Verifier.SeqLen == 0 {
		cfg.Verifier.SeqLen = def.Verifier.SeqLen
	}
	if cfg.Verifier.Subject == "" {
		cfg.Verifier.Subject = def.Verifier.Subject
	}

	if cfg.Events.QueueSize <= 0 {
		cfg.Events.QueueSize = def.Events.QueueSize
	}
	if cfg.Events.Workers <= 0 {
		cfg.Events.Workers = def.Events.Workers
	}
	if cfg.Events.ShutdownTimeout <= 0 {
		cfg.Events.ShutdownTimeout = def.Events.ShutdownTimeout
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = def.Telemetry.Protocol
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}
