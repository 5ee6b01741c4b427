// Package config loads daemon configuration from an optional YAML file with
// STRAND_* environment overrides. Environment wins over file, file wins over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full daemon configuration.
	Config struct {
		HTTP      HTTP      `yaml:"http"`
		Mongo     Mongo     `yaml:"mongo"`
		Redis     Redis     `yaml:"redis"`
		Engine    Engine    `yaml:"engine"`
		Gateway   Gateway   `yaml:"gateway"`
		Container Container `yaml:"container"`
		Model     Model     `yaml:"model"`
		Debug     bool      `yaml:"debug"`
	}

	// HTTP configures the API and webhook listener.
	HTTP struct {
		Addr string `yaml:"addr"`
	}

	// Mongo configures the durable stores.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Redis configures the Pulse stream transport. Empty Addr disables the
	// cross-process relay.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Engine configures the orchestrator.
	Engine struct {
		MaxInFlight       int           `yaml:"maxInFlight"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
		SweepInterval     time.Duration `yaml:"sweepInterval"`
		CancelGrace       time.Duration `yaml:"cancelGrace"`
		EventRetention    time.Duration `yaml:"eventRetention"`
		ApprovalTimeout   time.Duration `yaml:"approvalTimeout"`
	}

	// Gateway configures the tool gateway.
	Gateway struct {
		Secret         string  `yaml:"secret"`
		CallsPerSecond float64 `yaml:"callsPerSecond"`
		Burst          int     `yaml:"burst"`
	}

	// Container configures the container runner.
	Container struct {
		ImageAllowList  []string `yaml:"imageAllowList"`
		ElevatedTenants []string `yaml:"elevatedTenants"`
		HostIP          string   `yaml:"hostIP"`
	}

	// Model configures the agent's language model provider.
	Model struct {
		AnthropicAPIKey string `yaml:"anthropicApiKey"`
		DefaultModel    string `yaml:"defaultModel"`
	}
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTP:  HTTP{Addr: ":8080"},
		Mongo: Mongo{URI: "mongodb://localhost:27017", Database: "strand"},
		Engine: Engine{
			MaxInFlight:       8,
			HeartbeatInterval: 10 * time.Second,
			SweepInterval:     15 * time.Second,
			CancelGrace:       5 * time.Second,
		},
		Gateway: Gateway{CallsPerSecond: 10, Burst: 20},
		Model:   Model{DefaultModel: "claude-sonnet-4-5"},
	}
}

// Load reads path (when non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from STRAND_* variables.
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("STRAND_HTTP_ADDR", &c.HTTP.Addr)
	str("STRAND_MONGO_URI", &c.Mongo.URI)
	str("STRAND_MONGO_DATABASE", &c.Mongo.Database)
	str("STRAND_REDIS_ADDR", &c.Redis.Addr)
	str("STRAND_REDIS_PASSWORD", &c.Redis.Password)
	str("STRAND_GATEWAY_SECRET", &c.Gateway.Secret)
	str("STRAND_CONTAINER_HOST_IP", &c.Container.HostIP)
	str("STRAND_ANTHROPIC_API_KEY", &c.Model.AnthropicAPIKey)
	str("STRAND_MODEL", &c.Model.DefaultModel)

	if v, ok := os.LookupEnv("STRAND_DEBUG"); ok {
		c.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("STRAND_MAX_IN_FLIGHT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STRAND_MAX_IN_FLIGHT: %w", err)
		}
		c.Engine.MaxInFlight = n
	}
	for key, dst := range map[string]*time.Duration{
		"STRAND_HEARTBEAT_INTERVAL": &c.Engine.HeartbeatInterval,
		"STRAND_SWEEP_INTERVAL":     &c.Engine.SweepInterval,
		"STRAND_CANCEL_GRACE":       &c.Engine.CancelGrace,
		"STRAND_EVENT_RETENTION":    &c.Engine.EventRetention,
		"STRAND_APPROVAL_TIMEOUT":   &c.Engine.ApprovalTimeout,
	} {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	if v, ok := os.LookupEnv("STRAND_IMAGE_ALLOW_LIST"); ok {
		c.Container.ImageAllowList = splitList(v)
	}
	if v, ok := os.LookupEnv("STRAND_ELEVATED_TENANTS"); ok {
		c.Container.ElevatedTenants = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
