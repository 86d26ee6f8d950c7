package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"escrowline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Custody.Mode != "mock" {
		t.Fatalf("default custody mode = %q, want mock", cfg.Custody.Mode)
	}
	if cfg.MaxHistoryTurns() <= 0 {
		t.Fatal("history bound must be positive")
	}
}

func TestGatewayModeRequiresChainConfig(t *testing.T) {
	yml := `
custody:
  mode: gateway
`
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatal("gateway mode without base_url should fail validation")
	}

	yml = `
custody:
  mode: gateway
  base_url: http://localhost:9000
chain:
  rpc_url: http://localhost:8545
  contract_address: not-an-address
`
	_, err := config.FromYAML([]byte(yml))
	if err == nil || !strings.Contains(err.Error(), "contract_address") {
		t.Fatalf("want contract_address error, got %v", err)
	}
}

func TestUnknownCustodyModeRejected(t *testing.T) {
	if _, err := config.FromYAML([]byte("custody:\n  mode: blockchain\n")); err == nil {
		t.Fatal("unknown custody mode should fail")
	}
}

func TestValidEVMAddress(t *testing.T) {
	if !config.ValidEVMAddress("0xabcdef0123456789abcdef0123456789abcdef01") {
		t.Fatal("well-formed address rejected")
	}
	for _, bad := range []string{
		"", "0x", "abcdef0123456789abcdef0123456789abcdef01",
		"0xabcdef0123456789abcdef0123456789abcdef0", // 39 hex chars
		"0xZZcdef0123456789abcdef0123456789abcdef01",
	} {
		if config.ValidEVMAddress(bad) {
			t.Errorf("ValidEVMAddress(%q) = true, want false", bad)
		}
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load empty workspace: %v", err)
	}
	if cfg.Custody.Mode != "mock" {
		t.Fatalf("fallback mode = %q, want mock", cfg.Custody.Mode)
	}

	path := filepath.Join(dir, "escrowline.yml")
	if err := os.WriteFile(path, []byte("workflow:\n  max_history_turns: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxHistoryTurns() != 5 {
		t.Fatalf("max history = %d, want 5", cfg.MaxHistoryTurns())
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("template invalid: %v", err)
	}
}
