// Package config loads the service configuration from YAML and environment
// overrides. Rate limit rules live in their own file, referenced from here
// or named directly on the command line.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig holds the listener addresses.
type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// RateLimitingConfig names the rules file and how often to reload it.
type RateLimitingConfig struct {
	RulesPath      string   `yaml:"rules_path"`
	ReloadInterval Duration `yaml:"reload_interval"`
}

// MeshConfig configures the gossip cluster.
type MeshConfig struct {
	Enabled             bool     `yaml:"enabled"`
	NodeID              string   `yaml:"node_id"`
	ClusterID           string   `yaml:"cluster_id"`
	BindAddr            string   `yaml:"bind_addr"`
	AdvertiseAddr       string   `yaml:"advertise_addr"`
	Seeds               []string `yaml:"seeds"`
	GossipInterval      Duration `yaml:"gossip_interval"`
	DeadNodeGracePeriod Duration `yaml:"dead_node_grace_period"`
	CacheTTL            Duration `yaml:"cache_ttl"`
}

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	Mesh         MeshConfig         `yaml:"mesh"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			GRPCAddr:    "127.0.0.1:8081",
			MetricsAddr: "127.0.0.1:9090",
		},
		RateLimiting: RateLimitingConfig{
			ReloadInterval: Duration(time.Minute),
		},
		Mesh: MeshConfig{
			ClusterID:           "meshlimit",
			BindAddr:            "0.0.0.0:7946",
			GossipInterval:      Duration(100 * time.Millisecond),
			DeadNodeGracePeriod: Duration(time.Hour),
			CacheTTL:            Duration(500 * time.Millisecond),
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		log.Info().Str("path", path).Msg("Loaded service configuration")
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	setDuration := func(name string, dst *Duration) {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			log.Warn().Str("value", v).Err(err).Msgf("Invalid %s value, ignoring", name)
			return
		}
		*dst = Duration(parsed)
	}

	setString("MESHLIMIT_GRPC_ADDR", &c.Server.GRPCAddr)
	setString("MESHLIMIT_METRICS_ADDR", &c.Server.MetricsAddr)
	setString("MESHLIMIT_RULES_PATH", &c.RateLimiting.RulesPath)
	setDuration("MESHLIMIT_RELOAD_INTERVAL", &c.RateLimiting.ReloadInterval)
	setString("MESHLIMIT_NODE_ID", &c.Mesh.NodeID)
	setString("MESHLIMIT_CLUSTER_ID", &c.Mesh.ClusterID)
	setString("MESHLIMIT_MESH_BIND_ADDR", &c.Mesh.BindAddr)
	setString("MESHLIMIT_MESH_ADVERTISE_ADDR", &c.Mesh.AdvertiseAddr)
	setDuration("MESHLIMIT_GOSSIP_INTERVAL", &c.Mesh.GossipInterval)
	setDuration("MESHLIMIT_DEAD_NODE_GRACE_PERIOD", &c.Mesh.DeadNodeGracePeriod)
	setDuration("MESHLIMIT_CACHE_TTL", &c.Mesh.CacheTTL)
	setString("MESHLIMIT_LOG_LEVEL", &c.LogLevel)
	setString("MESHLIMIT_LOG_FORMAT", &c.LogFormat)

	if v := strings.TrimSpace(os.Getenv("MESHLIMIT_MESH_ENABLED")); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			c.Mesh.Enabled = true
		case "0", "false", "no":
			c.Mesh.Enabled = false
		default:
			log.Warn().Str("value", v).Msg("Invalid MESHLIMIT_MESH_ENABLED value, ignoring")
		}
	}
	if v := strings.TrimSpace(os.Getenv("MESHLIMIT_MESH_SEEDS")); v != "" {
		c.Mesh.Seeds = splitSeeds(v)
	}
}

// splitSeeds parses a comma-separated peer list, dropping empty segments.
func splitSeeds(s string) []string {
	parts := strings.Split(s, ",")
	seeds := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			seeds = append(seeds, p)
		}
	}
	return seeds
}

// SplitSeeds exposes peer list parsing for the CLI.
func SplitSeeds(s string) []string {
	return splitSeeds(s)
}
