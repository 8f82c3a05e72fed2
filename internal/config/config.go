package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (PROXYME_*). A double underscore in
// the variable name separates sections: PROXYME_SERVER__PORT sets
// server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := k.Load(env.Provider("PROXYME_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PROXYME_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.Issuer != "" {
		u, err := url.Parse(c.Server.Issuer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid issuer URL %q", c.Server.Issuer)
		}
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Tokens.AuthTTLSeconds <= 0 {
		return fmt.Errorf("auth_ttl_seconds must be positive")
	}
	if c.Tokens.DelegatedTTLSeconds <= 0 {
		return fmt.Errorf("delegated_ttl_seconds must be positive")
	}
	if c.Tokens.RequestTTLSeconds <= 0 {
		return fmt.Errorf("request_ttl_seconds must be positive")
	}
	if c.Audit.QueryLimit <= 0 {
		return fmt.Errorf("audit query_limit must be positive")
	}
	return nil
}
