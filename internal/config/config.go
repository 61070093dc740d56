// Package config provides the configuration schema, loader, and tenant
// config store for the Vocero voice bridge.
//
// Static service configuration comes from a YAML file ([Load]). Per-tenant
// configuration (secretary, provider credentials, transfer rules, time
// conditions) comes from Postgres through [Store], fronted by the
// TTL+LRU [Loader].
package config

import "time"

// LogLevel controls log verbosity for the Vocero server.
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

// Config is the root static configuration, loaded from YAML via [Load] or
// [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Switch    SwitchConfig    `yaml:"switch"`
	Providers ProvidersConfig `yaml:"providers"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Session   SessionDefaults `yaml:"session"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the WS bridge listens on.
	// Default "0.0.0.0:8085".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicStreamBase is the externally reachable base URL the switch uses
	// to open audio-stream connections back to this server
	// (e.g. "ws://voice-bridge:8085"). Required for b-leg aux streams.
	PublicStreamBase string `yaml:"public_stream_base"`
}

// SwitchConfig holds the FreeSWITCH control-channel settings.
type SwitchConfig struct {
	// ESLAddr is the inbound event-socket address, e.g. "127.0.0.1:8021".
	ESLAddr string `yaml:"esl_addr"`

	// ESLPassword authenticates the event-socket connection.
	ESLPassword string `yaml:"esl_password"`

	// DialPrefix is prefixed to external transfer numbers when originating.
	DialPrefix string `yaml:"dial_prefix"`

	// AuxPortMin/AuxPortMax bound the port range announced for auxiliary
	// b-leg audio streams.
	AuxPortMin int `yaml:"aux_port_min"`
	AuxPortMax int `yaml:"aux_port_max"`
}

// ProvidersConfig holds process-wide provider credentials. Tenant-level
// credentials from the store override these.
type ProvidersConfig struct {
	OpenAI     ProviderEntry `yaml:"openai"`
	ElevenLabs ProviderEntry `yaml:"elevenlabs"`
}

// ProviderEntry is the static credential block for one provider.
type ProviderEntry struct {
	APIKey string `yaml:"api_key"`

	// Model selects the model for model-addressed providers (OpenAI).
	Model string `yaml:"model"`

	// AgentID selects the agent for agent-addressed providers (ElevenLabs).
	AgentID string `yaml:"agent_id"`

	// BaseURL overrides the provider endpoint. Primarily for tests.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds the tenant-config database settings.
type DatabaseConfig struct {
	// PostgresDSN is the connection string for the tenant config store.
	// Empty disables the store; sessions then require static provider config.
	PostgresDSN string `yaml:"postgres_dsn"`

	// CacheTTL is the tenant-config cache entry lifetime. Default 5m.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheSize is the LRU cap on cached entries. Default 256.
	CacheSize int `yaml:"cache_size"`
}

// WebhookConfig holds the outbound call-log webhook settings.
type WebhookConfig struct {
	// URL receives voice_ai_call_log / voice_ai_message / voice_ai_callback
	// payloads. Empty disables upload.
	URL string `yaml:"url"`

	// Timeout bounds one webhook POST. Default 8s, clamped to [5s, 10s].
	Timeout time.Duration `yaml:"timeout"`
}

// TransferConfig tunes the announced-transfer flow.
type TransferConfig struct {
	// OriginateTimeout bounds the b-leg answer wait. Default 30s.
	OriginateTimeout time.Duration `yaml:"originate_timeout"`

	// DecisionTimeout bounds the attendant's accept/reject window.
	// Default 45s.
	DecisionTimeout time.Duration `yaml:"decision_timeout"`

	// CourtesyFarewell is spoken to a rejected attendant before the b-leg
	// is dropped.
	CourtesyFarewell string `yaml:"courtesy_farewell"`
}

// SessionDefaults are per-call defaults a tenant config may override.
type SessionDefaults struct {
	// MaxTurns caps user turns per call. Default 50.
	MaxTurns int `yaml:"max_turns"`

	// MaxDuration caps call length. Default 30m.
	MaxDuration time.Duration `yaml:"max_duration"`

	// MessageHangupDelay is how long the agent keeps listening after a
	// message is taken before hanging up. Default 10s.
	MessageHangupDelay time.Duration `yaml:"message_hangup_delay"`

	// SilenceTimeout is the no-user-audio threshold for the silence
	// fallback prompt. Default 20s.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// SilenceRetries is how many silence prompts are attempted before the
	// call ends. Default 2.
	SilenceRetries int `yaml:"silence_retries"`
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0:8085"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Database.CacheTTL <= 0 {
		c.Database.CacheTTL = 5 * time.Minute
	}
	if c.Database.CacheSize <= 0 {
		c.Database.CacheSize = 256
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 8 * time.Second
	}
	if c.Webhook.Timeout < 5*time.Second {
		c.Webhook.Timeout = 5 * time.Second
	}
	if c.Webhook.Timeout > 10*time.Second {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Transfer.OriginateTimeout <= 0 {
		c.Transfer.OriginateTimeout = 30 * time.Second
	}
	if c.Transfer.DecisionTimeout <= 0 {
		c.Transfer.DecisionTimeout = 45 * time.Second
	}
	if c.Session.MaxTurns <= 0 {
		c.Session.MaxTurns = 50
	}
	if c.Session.MaxDuration <= 0 {
		c.Session.MaxDuration = 30 * time.Minute
	}
	if c.Session.MessageHangupDelay <= 0 {
		c.Session.MessageHangupDelay = 10 * time.Second
	}
	if c.Session.SilenceTimeout <= 0 {
		c.Session.SilenceTimeout = 20 * time.Second
	}
	if c.Session.SilenceRetries <= 0 {
		c.Session.SilenceRetries = 2
	}
}
