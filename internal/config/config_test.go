package config

import (
	"testing"
	"time"
)

func TestMergeOverwritesOnlySetFields(t *testing.T) {
	dst := DefaultConfig()
	src := fileConfig{
		MaxPeers:     64,
		PingInterval: 10 * time.Second,
	}
	Merge(&dst, src)

	if dst.MaxPeers != 64 {
		t.Fatalf("expected maxPeers=64, got %d", dst.MaxPeers)
	}
	if dst.PingInterval != 10*time.Second {
		t.Fatalf("expected pingInterval=10s, got %s", dst.PingInterval)
	}
	if dst.DataDir != "./data" {
		t.Fatalf("expected unset dataDir to keep its default, got %q", dst.DataDir)
	}
}

func TestMergeAppliesStringAndSliceFields(t *testing.T) {
	dst := DefaultConfig()
	src := fileConfig{
		DataDir:        "/var/lib/peerlinks",
		ListenAddress:  "127.0.0.1:4005",
		BootstrapPeers: []string{"peer-a.example:4004"},
	}
	Merge(&dst, src)

	if dst.DataDir != "/var/lib/peerlinks" {
		t.Fatalf("expected overridden dataDir, got %q", dst.DataDir)
	}
	if dst.ListenAddress != "127.0.0.1:4005" {
		t.Fatalf("expected overridden listenAddress, got %q", dst.ListenAddress)
	}
	if len(dst.BootstrapPeers) != 1 || dst.BootstrapPeers[0] != "peer-a.example:4004" {
		t.Fatalf("expected overridden bootstrap peers, got %v", dst.BootstrapPeers)
	}
}

func TestApplyEnvOverridesSetsListenAddress(t *testing.T) {
	t.Setenv("PEERLINKS_LISTEN_ADDRESS", "0.0.0.0:9999")
	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.ListenAddress != "0.0.0.0:9999" {
		t.Fatalf("expected listenAddress override, got %q", cfg.ListenAddress)
	}
}

func TestApplyEnvOverridesIgnoresInvalidMaxPeers(t *testing.T) {
	t.Setenv("PEERLINKS_MAX_PEERS", "not-a-number")
	cfg := DefaultConfig()
	original := cfg.MaxPeers
	ApplyEnvOverrides(&cfg)
	if cfg.MaxPeers != original {
		t.Fatalf("invalid env value must not change maxPeers, got %d", cfg.MaxPeers)
	}
}

func TestApplyEnvOverridesSetsMaxPeers(t *testing.T) {
	t.Setenv("PEERLINKS_MAX_PEERS", "7")
	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.MaxPeers != 7 {
		t.Fatalf("expected maxPeers=7, got %d", cfg.MaxPeers)
	}
}

func TestLoadFromPathFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	cfg := LoadFromPath("/nonexistent/path/peerlinks.yaml")
	if cfg.MaxPeers != DefaultConfig().MaxPeers {
		t.Fatalf("expected default maxPeers when config file is missing, got %d", cfg.MaxPeers)
	}
}
