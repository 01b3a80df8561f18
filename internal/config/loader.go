package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"vad": {"energy", "silero"},
}

// envRef matches ${NAME} references in the raw config text.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes each ${NAME} reference with the value of the NAME
// environment variable (empty when unset). Only the braced form is expanded;
// a bare $ passes through untouched so passwords in connection strings
// survive.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${NAME} references anywhere in the document are replaced with the value of
// the corresponding environment variable before decoding, so secrets such as
// API keys can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Detection
	d := cfg.Detection
	if d.MinSpeechDurationMs < 0 {
		errs = append(errs, fmt.Errorf("detection.min_speech_duration_ms %d must not be negative", d.MinSpeechDurationMs))
	}
	if d.SilenceConfirmationMs < 0 {
		errs = append(errs, fmt.Errorf("detection.silence_confirmation_ms %d must not be negative", d.SilenceConfirmationMs))
	}
	if d.VADProbabilityThreshold < 0 || d.VADProbabilityThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.vad_probability_threshold %.2f is out of range [0, 1]", d.VADProbabilityThreshold))
	}
	if d.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("detection.frame_samples %d must not be negative", d.FrameSamples))
	}
	if d.DebouncePolicy != "" && !d.DebouncePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("detection.debounce_policy %q is invalid; valid values: fixed, length-scaled", d.DebouncePolicy))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}

	// Provider availability
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required; turn detection cannot run without transcription"))
	}
	if cfg.Providers.VAD.Name == "" {
		slog.Warn("no VAD provider configured; detection will run duration-only")
	}

	// Turn archive availability
	if cfg.TurnLog.PostgresDSN == "" {
		slog.Warn("turnlog.postgres_dsn is empty; completed turns are kept in memory only")
	}
	if cfg.TurnLog.Retain < 0 {
		errs = append(errs, fmt.Errorf("turnlog.retain %d must not be negative", cfg.TurnLog.Retain))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
