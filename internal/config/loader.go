package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] when the corresponding field is unset.
const (
	DefaultListenAddr       = ":8080"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultQueueDepth       = 16
	DefaultMaxAttempts      = 3
	DefaultBackoff          = 500 * time.Millisecond
	DefaultMaxBackoff       = 5 * time.Second
	DefaultGracePeriod      = 3 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultListenerBuffer   = 32
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Speech.HandshakeTimeout <= 0 {
		cfg.Speech.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Speech.QueueDepth <= 0 {
		cfg.Speech.QueueDepth = DefaultQueueDepth
	}
	if cfg.Speech.Reconnect.MaxAttempts <= 0 {
		cfg.Speech.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Speech.Reconnect.Backoff <= 0 {
		cfg.Speech.Reconnect.Backoff = DefaultBackoff
	}
	if cfg.Speech.Reconnect.MaxBackoff <= 0 {
		cfg.Speech.Reconnect.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Bridge.GracePeriod <= 0 {
		cfg.Bridge.GracePeriod = DefaultGracePeriod
	}
	if cfg.Bridge.IdleTimeout < 0 {
		cfg.Bridge.IdleTimeout = 0
	} else if cfg.Bridge.IdleTimeout == 0 {
		cfg.Bridge.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Bridge.ListenerBuffer <= 0 {
		cfg.Bridge.ListenerBuffer = DefaultListenerBuffer
	}
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
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Speech backend
	if cfg.Speech.Endpoint == "" {
		errs = append(errs, errors.New("speech.endpoint is required"))
	} else if u, err := url.Parse(cfg.Speech.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("speech.endpoint %q is not a valid URL: %w", cfg.Speech.Endpoint, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("speech.endpoint %q must use ws:// or wss://", cfg.Speech.Endpoint))
	}
	if cfg.Speech.APIKey == "" {
		errs = append(errs, errors.New("speech.api_key is required"))
	}
	if cfg.Speech.Reconnect.Backoff > cfg.Speech.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("speech.reconnect.backoff %s exceeds max_backoff %s",
			cfg.Speech.Reconnect.Backoff, cfg.Speech.Reconnect.MaxBackoff))
	}

	return errors.Join(errs...)
}
