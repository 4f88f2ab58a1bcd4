package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AnalysisInterval != 7*time.Second {
		t.Errorf("analysis_interval = %v, want 7s", cfg.AnalysisInterval)
	}
	if cfg.PollInterval != 3*time.Second || cfg.InsightPingInterval != 30*time.Second {
		t.Errorf("unexpected intervals: poll=%v ping=%v", cfg.PollInterval, cfg.InsightPingInterval)
	}
	if cfg.AnalysisURL != cfg.SignalURL {
		t.Errorf("analysis_url should default to signal_url, got %q", cfg.AnalysisURL)
	}
	if len(cfg.ICEServers) != 1 {
		t.Errorf("expected one default ICE server, got %v", cfg.ICEServers)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "custom.yaml")
	body := "signal_url: ws://relay.test\nchunk_interval: 2s\nrelay:\n  addr: \":9000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SENSE_SESSION_TOKEN", "tok")
	t.Setenv("SENSE_RELAY_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SignalURL != "ws://relay.test" || cfg.ChunkInterval != 2*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.SessionToken != "tok" || cfg.Relay.Secret != "s3cret" {
		t.Errorf("env values not applied: token=%q secret=%q", cfg.SessionToken, cfg.Relay.Secret)
	}
	if cfg.Relay.Addr != ":9000" {
		t.Errorf("relay.addr = %q", cfg.Relay.Addr)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load("nope.yaml"); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestValidate_RaisesPollCap(t *testing.T) {
	c := &Config{SignalURL: "ws://x", APIURL: "http://x", AnalysisInterval: time.Second, PollInterval: 3 * time.Second, ChunkInterval: time.Second, PollMaxInterval: time.Second}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.PollMaxInterval != 3*time.Second {
		t.Errorf("PollMaxInterval = %v, want 3s", c.PollMaxInterval)
	}
}
