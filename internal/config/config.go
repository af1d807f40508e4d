// Package config provides the configuration schema and loader for the
// dialvox audio bridge.
package config

import "time"

// LogLevel controls log verbosity for the dialvox server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for dialvox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Speech      SpeechConfig      `yaml:"speech"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
}

// ServerConfig holds network and logging settings for the dialvox server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SpeechConfig describes the speech backend and the per-call channel
// behaviour.
type SpeechConfig struct {
	// Endpoint is the backend WebSocket URL (ws:// or wss://).
	Endpoint string `yaml:"endpoint"`

	// APIKey is the bearer credential presented at connect time.
	APIKey string `yaml:"api_key"`

	// AgentID selects the conversational agent handling calls.
	AgentID string `yaml:"agent_id"`

	// Language is an optional BCP-47 language hint forwarded per session.
	Language string `yaml:"language"`

	// HandshakeTimeout bounds dial plus the backend's welcome. Default 5s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// QueueDepth is the bounded send-queue depth in frames. Each frame is
	// 20 ms of audio, so the default of 16 caps added latency at 320 ms.
	QueueDepth int `yaml:"queue_depth"`

	// Reconnect tunes the per-outage redial schedule.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the bounded exponential-backoff redial schedule used
// when a speech channel is lost mid-call.
type ReconnectConfig struct {
	// MaxAttempts caps redials per outage. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is the first retry delay, doubling per attempt. Default 500ms.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the doubling. Default 5s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// BridgeConfig holds per-bridge lifecycle tunables.
type BridgeConfig struct {
	// GracePeriod bounds teardown drain before connections are abandoned.
	// Default 3s.
	GracePeriod time.Duration `yaml:"grace_period"`

	// IdleTimeout tears down sessions with no media or event activity for
	// this long. Default 5m; a negative value disables idle teardown.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ListenerBuffer is the per-subscriber notification buffer depth.
	// Default 32.
	ListenerBuffer int `yaml:"listener_buffer"`
}

// TranscriptsConfig configures the optional Postgres transcript sink.
type TranscriptsConfig struct {
	// PostgresDSN enables transcript recording when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}
