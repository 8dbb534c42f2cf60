package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/matchwire/internal/rules"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if len(cfg.Competitions) != 4 {
		t.Fatalf("expected 4 competitions, got %d", len(cfg.Competitions))
	}
	if len(cfg.News.RSS.Feeds) == 0 {
		t.Error("expected feeds to be populated")
	}
	if cfg.Pipeline.DiscoveryInterval != time.Hour {
		t.Errorf("expected 1h discovery interval, got %v", cfg.Pipeline.DiscoveryInterval)
	}
	if cfg.Pipeline.AnalysisConcurrency != 3 {
		t.Errorf("expected analysis concurrency 3, got %d", cfg.Pipeline.AnalysisConcurrency)
	}
	if len(cfg.Intelligence.Rivalries) != 4 {
		t.Errorf("expected 4 rivalries, got %d", len(cfg.Intelligence.Rivalries))
	}
	if cfg.Analysis.Generator != "stats" {
		t.Errorf("expected stats generator, got %q", cfg.Analysis.Generator)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestDefaultCompetitionsMatchBuiltInRules(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}
	if !reflect.DeepEqual(cfg.Competitions, rules.DefaultRules()) {
		t.Errorf("embedded competitions drifted from rules.DefaultRules():\n got %+v\nwant %+v",
			cfg.Competitions, rules.DefaultRules())
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
pipeline:
  news_delay: 10s
analysis:
  generator: llm
  llm:
    provider: openai
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.Pipeline.NewsDelay != 10*time.Second {
		t.Errorf("expected news delay 10s, got %v", cfg.Pipeline.NewsDelay)
	}
	if cfg.Analysis.LLM.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", cfg.Analysis.LLM.Provider)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.Analysis.LLM.OllamaURL != "http://localhost:11434" {
		t.Errorf("expected default ollama_url, got %q", cfg.Analysis.LLM.OllamaURL)
	}
	if cfg.Pipeline.IntelligenceDelay != 2*time.Second {
		t.Errorf("expected default intelligence delay, got %v", cfg.Pipeline.IntelligenceDelay)
	}
	if len(cfg.Competitions) != 0 {
		t.Errorf("expected no competitions, got %d", len(cfg.Competitions))
	}
}

func TestParseRejectsInvalidCompetition(t *testing.T) {
	data := []byte(`
competitions:
  - id: broken
    criteria:
      leagues: ["Eredivisie"]
    timing:
      analyze_hours_before_kickoff: 2
      stop_analysis_hours_before_kickoff: 6
`)
	if _, err := parse(data); err == nil {
		t.Error("expected error for stop window larger than analysis window")
	}
}

func TestParseRejectsBadRivalry(t *testing.T) {
	data := []byte(`
intelligence:
  rivalries:
    - [Arsenal]
`)
	if _, err := parse(data); err == nil {
		t.Error("expected error for one-sided rivalry")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.News.Guardian.APIKeyEnv != "GUARDIAN_API_KEY" {
		t.Errorf("expected guardian key env, got %q", cfg.News.Guardian.APIKeyEnv)
	}
}

func TestResolveConfigPathExplicitMissing(t *testing.T) {
	if _, err := ResolveConfigPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	if cfg.GetDataDir() != DataDir() {
		t.Errorf("expected XDG data dir, got %q", cfg.GetDataDir())
	}

	cfg.Output.DataDir = "/tmp/matchwire"
	if cfg.GetDataDir() != "/tmp/matchwire" {
		t.Errorf("expected custom data dir, got %q", cfg.GetDataDir())
	}
	if cfg.DatabasePath() != filepath.Join("/tmp/matchwire", "matchwire.db") {
		t.Errorf("unexpected database path %q", cfg.DatabasePath())
	}
}

func TestSetCompetitionEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := SetCompetitionEnabled(path, "serie-a", true); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if err := SetCompetitionEnabled(path, "premier-league", false); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to reload config: %v", err)
	}
	enabled := map[string]bool{}
	for _, r := range cfg.Competitions {
		enabled[r.ID] = r.Enabled
	}
	if !enabled["serie-a"] || enabled["premier-league"] || !enabled["la-liga"] {
		t.Errorf("unexpected enabled flags: %v", enabled)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "# matchwire configuration") {
		t.Error("expected comments to survive the rewrite")
	}

	if err := SetCompetitionEnabled(path, "bundesliga", true); !errors.Is(err, rules.ErrNoRule) {
		t.Errorf("expected ErrNoRule, got %v", err)
	}
}
