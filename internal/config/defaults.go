package config

import (
	"fmt"
	"time"
)

// DefaultConfigFile is where init writes and serve reads by default.
const DefaultConfigFile = ".proxyme.yml"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:   "0.0.0.0",
			Port:   5001,
			Issuer: "http://localhost:5001",
		},
		Database: DatabaseConfig{
			Path: "proxyme.db",
		},
		Tokens: TokenConfig{
			AuthTTLSeconds:      3600,          // 1 hour
			DelegatedTTLSeconds: 7 * 24 * 3600, // 7 days
			RequestTTLSeconds:   24 * 3600,     // pending delegation requests
		},
		Audit: AuditConfig{
			QueryLimit: 100,
		},
	}
}

// AuthTTL returns the default auth token lifetime.
func (c *Config) AuthTTL() time.Duration {
	return time.Duration(c.Tokens.AuthTTLSeconds) * time.Second
}

// DelegatedTTL returns the default delegated token lifetime.
func (c *Config) DelegatedTTL() time.Duration {
	return time.Duration(c.Tokens.DelegatedTTLSeconds) * time.Second
}

// RequestTTL returns how long a pending delegation request stays open.
func (c *Config) RequestTTL() time.Duration {
	return time.Duration(c.Tokens.RequestTTLSeconds) * time.Second
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
