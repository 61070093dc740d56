package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the provider names the server can drive. Used by
// [Validate] to reject typos early instead of at call time.
var KnownProviders = []string{"openai", "elevenlabs"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_addr %q: %w", cfg.Server.ListenAddr, err))
	}

	if cfg.Switch.ESLAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Switch.ESLAddr); err != nil {
			errs = append(errs, fmt.Errorf("switch.esl_addr %q: %w", cfg.Switch.ESLAddr, err))
		}
	}
	if cfg.Switch.AuxPortMin != 0 || cfg.Switch.AuxPortMax != 0 {
		if cfg.Switch.AuxPortMin <= 0 || cfg.Switch.AuxPortMax < cfg.Switch.AuxPortMin {
			errs = append(errs, fmt.Errorf("switch.aux_port_min/aux_port_max %d..%d is not a valid range", cfg.Switch.AuxPortMin, cfg.Switch.AuxPortMax))
		}
	}

	// A server with neither static provider credentials nor a config
	// database has nothing to connect calls to.
	if cfg.Providers.OpenAI.APIKey == "" && cfg.Providers.ElevenLabs.APIKey == "" && cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("no provider credentials configured: set providers.openai, providers.elevenlabs, or database.postgres_dsn"))
	}
	if cfg.Providers.ElevenLabs.APIKey != "" && cfg.Providers.ElevenLabs.AgentID == "" {
		errs = append(errs, errors.New("providers.elevenlabs.agent_id is required when an ElevenLabs api_key is set"))
	}

	return errors.Join(errs...)
}
