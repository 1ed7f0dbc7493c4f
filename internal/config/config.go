// Package config loads the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	GraphQL   GraphQL   `yaml:"graphql"`
	Transport Transport `yaml:"transport"`
	Discovery Discovery `yaml:"discovery"`
	PubSub    PubSub    `yaml:"pubsub"`
	NATS      NATS      `yaml:"nats"`
	OTel      OTel      `yaml:"otel"`
	Metrics   Metrics   `yaml:"metrics"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"maxBodyBytes"`
	CORSOrigins    []string      `yaml:"corsOrigins"`
	ForwardHeaders []string      `yaml:"forwardHeaders"`
	GraphiQL       bool          `yaml:"graphiql"`
	Pretty         bool          `yaml:"pretty"`
}

type GraphQL struct {
	// StaleFallback keeps serving the last good schema when a rebuild fails.
	StaleFallback     bool `yaml:"staleFallback"`
	LoaderConcurrency int  `yaml:"loaderConcurrency"`
}

// Transport selects how actions are reached: "grpc" or "nats".
type Transport struct {
	Kind    string        `yaml:"kind"`
	Timeout time.Duration `yaml:"timeout"`
	// Endpoints maps a service full name to gRPC host:port addresses.
	Endpoints map[string][]string `yaml:"endpoints"`
}

// Discovery selects where service descriptors come from: "dir" or "nats".
// A dir source follows filesystem notifications unless PollInterval is set.
type Discovery struct {
	Kind         string        `yaml:"kind"`
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Debounce     time.Duration `yaml:"debounce"`
}

type PubSub struct {
	// NATS feeds events published on NATS into subscriptions.
	NATS bool `yaml:"nats"`
}

type NATS struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	// AnnounceSchema publishes every rebuilt schema.
	AnnounceSchema bool `yaml:"announceSchema"`
}

type OTel struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"serviceName"`
	Insecure    bool   `yaml:"insecure"`
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	return Config{
		Server: Server{
			Addr:     ":4000",
			Path:     "/graphql",
			Timeout:  10 * time.Second,
			GraphiQL: true,
		},
		GraphQL:   GraphQL{StaleFallback: true, LoaderConcurrency: 8},
		Transport: Transport{Kind: "grpc", Timeout: 3 * time.Second},
		Discovery: Discovery{Kind: "dir", Dir: "services", Debounce: 100 * time.Millisecond},
		NATS:      NATS{URL: "nats://127.0.0.1:4222", Prefix: "meshgate"},
		OTel:      OTel{ServiceName: "meshgate", Insecure: true},
		Metrics:   Metrics{Enabled: true},
		Log:       Log{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document leaves out.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Transport.Kind {
	case "grpc", "nats":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	switch c.Discovery.Kind {
	case "dir", "nats":
	default:
		return fmt.Errorf("unknown discovery kind %q", c.Discovery.Kind)
	}
	if c.Discovery.Kind == "dir" && c.Discovery.Dir == "" {
		return fmt.Errorf("discovery.dir is required for dir discovery")
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		return fmt.Errorf("server.path must start with '/'")
	}
	return nil
}

// UsesNATS reports whether any component needs a NATS connection.
func (c Config) UsesNATS() bool {
	return c.Transport.Kind == "nats" || c.Discovery.Kind == "nats" || c.PubSub.NATS || c.NATS.AnnounceSchema
}
