package config

// Config is the top-level proxyme configuration, corresponding to
// .proxyme.yml.
type Config struct {
	Server   ServerConfig   `yaml:"server" koanf:"server"`
	Database DatabaseConfig `yaml:"database" koanf:"database"`
	Tokens   TokenConfig    `yaml:"tokens" koanf:"tokens"`
	Audit    AuditConfig    `yaml:"audit" koanf:"audit"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host   string `yaml:"host" koanf:"host"`
	Port   int    `yaml:"port" koanf:"port"`
	Issuer string `yaml:"issuer" koanf:"issuer"`
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path" koanf:"path"`
}

// TokenConfig holds default token lifetimes, in seconds when read from
// YAML or the environment.
type TokenConfig struct {
	AuthTTLSeconds      int `yaml:"auth_ttl_seconds" koanf:"auth_ttl_seconds"`
	DelegatedTTLSeconds int `yaml:"delegated_ttl_seconds" koanf:"delegated_ttl_seconds"`
	RequestTTLSeconds   int `yaml:"request_ttl_seconds" koanf:"request_ttl_seconds"`
}

// AuditConfig holds audit query settings.
type AuditConfig struct {
	QueryLimit int `yaml:"query_limit" koanf:"query_limit"`
}
