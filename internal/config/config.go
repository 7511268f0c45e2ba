// Package config holds Pathfinder's immutable startup configuration: the
// Settings snapshot bound from CLI flags, and the YAML-loaded endpoint
// table.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the immutable snapshot of spec §6's configuration table. It is
// populated once at startup by cmd/pathfinder and never mutated afterward.
type Settings struct {
	IP   string
	Port int

	Secured bool
	SSLCert string
	SSLKey  string

	RabbitMQHost        string
	RabbitMQPort        int
	RabbitMQVirtualHost string
	RabbitMQUser        string
	RabbitMQPassword    string

	LogLevel   string
	ConfigPath string

	TokenTTL       time.Duration
	CacheSize      int
	RequestTimeout time.Duration
	AuthTimeout    time.Duration
}

// Default returns the spec §6 defaults.
func Default() *Settings {
	return &Settings{
		IP:   "127.0.0.1",
		Port: 9000,

		Secured: false,
		SSLCert: "",
		SSLKey:  "",

		RabbitMQHost:        "127.0.0.1",
		RabbitMQPort:        5672,
		RabbitMQVirtualHost: "vhost",
		RabbitMQUser:        "user",
		RabbitMQPassword:    "password",

		LogLevel:   "info",
		ConfigPath: "",

		TokenTTL:       300 * time.Second,
		CacheSize:      10000,
		RequestTimeout: 30 * time.Second,
		AuthTimeout:    5 * time.Second,
	}
}

// Validate rejects a Settings snapshot that cannot produce a running proxy.
// Startup aborts with exit code 2 when this returns an error.
func (s *Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.IP == "" {
		return fmt.Errorf("ip must not be empty")
	}
	if s.Secured {
		if s.SSLCert == "" || s.SSLKey == "" {
			return fmt.Errorf("secured requires both ssl_cert and ssl_key")
		}
		if _, err := os.Stat(s.SSLCert); err != nil {
			return fmt.Errorf("ssl_cert: %w", err)
		}
		if _, err := os.Stat(s.SSLKey); err != nil {
			return fmt.Errorf("ssl_key: %w", err)
		}
	}
	if s.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if s.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if s.AuthTimeout <= 0 {
		return fmt.Errorf("auth timeout must be positive")
	}
	return nil
}

// EndpointEntry is the YAML shape of one endpoint definition, per
// original_source/pathfinder's router/endpoint.rs: a mapping of unique
// names to endpoint bodies rather than a bare list.
type EndpointEntry struct {
	URL              string `yaml:"url"`
	RoutingKey       string `yaml:"routing_key"`
	RequestExchange  string `yaml:"request_exchange"`
	ResponseExchange string `yaml:"response_exchange"`
	TokenRequired    *bool  `yaml:"token_required"`
}

const (
	DefaultRequestExchange  = "open-matchmaking.direct"
	DefaultResponseExchange = "open-matchmaking.responses.direct"
)

// LoadEndpoints parses the YAML file at path into a name->entry mapping,
// applying the request/response exchange and token_required defaults from
// spec §3. An empty path yields an empty, valid mapping (no endpoints
// configured is a legal, if useless, deployment).
func LoadEndpoints(path string) (map[string]EndpointEntry, error) {
	if path == "" {
		return map[string]EndpointEntry{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file %s: %w", path, err)
	}

	var raw map[string]EndpointEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse endpoints file %s: %w", path, err)
	}

	entries := make(map[string]EndpointEntry, len(raw))
	for name, e := range raw {
		if e.URL == "" {
			return nil, fmt.Errorf("endpoint %q: url is required", name)
		}
		if e.RoutingKey == "" {
			return nil, fmt.Errorf("endpoint %q: routing_key is required", name)
		}
		if e.RequestExchange == "" {
			e.RequestExchange = DefaultRequestExchange
		}
		if e.ResponseExchange == "" {
			e.ResponseExchange = DefaultResponseExchange
		}
		if e.TokenRequired == nil {
			t := true
			e.TokenRequired = &t
		}
		entries[name] = e
	}
	return entries, nil
}
