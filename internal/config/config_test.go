package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaultsThenYAMLOverrides(t *testing.T) {
	yamlPath := writeTemp(t, "config.yaml", `
endpoints:
  - url: "https://rpc.example/1"
  - url: "https://rpc.example/2"
venues:
  - name: uniswap
    factory: "0x0000000000000000000000000000000000000001"
    fee_num: 997
    fee_den: 1000
min_profit_quote: 25
`)

	cfg, err := Load(yamlPath, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinProfitQuote != 25 {
		t.Fatalf("expected yaml override min_profit_quote=25, got %d", cfg.MinProfitQuote)
	}
	if cfg.MinMargin != 0.005 {
		t.Fatalf("expected default min_margin to survive yaml merge, got %v", cfg.MinMargin)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(cfg.Endpoints))
	}
}

func TestLoad_RejectsMissingEndpoints(t *testing.T) {
	yamlPath := writeTemp(t, "config.yaml", `
venues:
  - name: uniswap
    factory: "0x0000000000000000000000000000000000000001"
`)
	if _, err := Load(yamlPath, ""); err == nil {
		t.Fatal("expected a config error with no endpoints configured")
	}
}

func TestLoad_RejectsMissingVenues(t *testing.T) {
	yamlPath := writeTemp(t, "config.yaml", `
endpoints:
  - url: "https://rpc.example/1"
`)
	if _, err := Load(yamlPath, ""); err == nil {
		t.Fatal("expected a config error with no venues configured")
	}
}

func TestLoad_EnvOverlayOverridesYAML(t *testing.T) {
	yamlPath := writeTemp(t, "config.yaml", `
endpoints:
  - url: "https://rpc.example/1"
venues:
  - name: uniswap
    factory: "0x0000000000000000000000000000000000000001"
`)
	envPath := writeTemp(t, ".env", "DEXARB_HTTP_ADDR=:9999\n")

	cfg, err := Load(yamlPath, envPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("expected env overlay to set http addr, got %q", cfg.HTTPAddr)
	}
}
