// Package config loads node configuration from a YAML file with environment
// variable overrides: load, merge onto defaults, then override.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a peerlinks node's full local configuration: where its identity
// and channel state live, what socket it listens on, its peer and ping
// settings, and where metrics are served.
type Config struct {
	DataDir           string        `yaml:"dataDir"`
	ListenAddress     string        `yaml:"listenAddress"`
	AdvertiseAddress  string        `yaml:"advertiseAddress"`
	BootstrapPeers    []string      `yaml:"bootstrapPeers"`
	MaxPeers          int           `yaml:"maxPeers"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	MetricsListenAddr string        `yaml:"metricsListenAddress"`
}

// DefaultConfig returns the baseline a loaded or env-overridden config is
// merged onto.
func DefaultConfig() Config {
	return Config{
		DataDir:           "./data",
		ListenAddress:      "0.0.0.0:4004",
		MaxPeers:          32,
		PingInterval:      30 * time.Second,
		MetricsListenAddr: "127.0.0.1:9104",
	}
}

// fileConfig mirrors Config field for field. Merge treats a zero value as
// unset, so a file cannot set a field to an explicit zero.
type fileConfig struct {
	DataDir           string        `yaml:"dataDir"`
	ListenAddress     string        `yaml:"listenAddress"`
	AdvertiseAddress  string        `yaml:"advertiseAddress"`
	BootstrapPeers    []string      `yaml:"bootstrapPeers"`
	MaxPeers          int           `yaml:"maxPeers"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	MetricsListenAddr string        `yaml:"metricsListenAddress"`
}

// LoadFromPath reads configPath (falling back to a couple of conventional
// locations when empty), merges it onto DefaultConfig, then applies
// environment overrides. A missing or unparseable file is not an error: the
// node falls back to defaults plus env overrides.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "./peerlinks.yaml", "/etc/peerlinks/config.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

// Merge overlays every non-zero field of src onto dst.
func Merge(dst *Config, src fileConfig) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.ListenAddress != "" {
		dst.ListenAddress = src.ListenAddress
	}
	if src.AdvertiseAddress != "" {
		dst.AdvertiseAddress = src.AdvertiseAddress
	}
	if src.BootstrapPeers != nil {
		dst.BootstrapPeers = src.BootstrapPeers
	}
	if src.MaxPeers != 0 {
		dst.MaxPeers = src.MaxPeers
	}
	if src.PingInterval != 0 {
		dst.PingInterval = src.PingInterval
	}
	if src.MetricsListenAddr != "" {
		dst.MetricsListenAddr = src.MetricsListenAddr
	}
}

// ApplyEnvOverrides lets a couple of deploy-time knobs bypass the config
// file without editing it.
func ApplyEnvOverrides(cfg *Config) {
	if addr := strings.TrimSpace(os.Getenv("PEERLINKS_LISTEN_ADDRESS")); addr != "" {
		cfg.ListenAddress = addr
	}
	if dir := strings.TrimSpace(os.Getenv("PEERLINKS_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if raw := strings.TrimSpace(os.Getenv("PEERLINKS_MAX_PEERS")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxPeers = v
		}
	}
}
