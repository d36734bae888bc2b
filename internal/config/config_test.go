package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"LendLedger/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("explicit missing config path should fail")
	}

	// Default path missing is fine.
	cfg, err = config.Load("")
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}
	if cfg.PersistBatchSize != 50 {
		t.Errorf("persist_batch_size = %d, want 50", cfg.PersistBatchSize)
	}

	model, err := cfg.RatesModel()
	if err != nil {
		t.Fatalf("RatesModel failed: %v", err)
	}
	if model.Kink.String() != "800000000000000000" {
		t.Errorf("kink = %s, want 0.8 in wad", model.Kink.String())
	}

	cf, err := cfg.CloseFactorWad()
	if err != nil {
		t.Fatalf("CloseFactorWad failed: %v", err)
	}
	if cf.String() != "500000000000000000" {
		t.Errorf("close_factor = %s, want 0.5 in wad", cf.String())
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendledger.yaml")
	body := `
nats_url: nats://broker:4222
persist_batch_size: 200
close_factor: "0.25"
rates:
  base_rate: "0.00000001"
  multiplier: "0.00000002"
  jump_multiplier: "0.0000004"
  kink: "0.9"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NATSURL != "nats://broker:4222" {
		t.Errorf("nats_url = %s", cfg.NATSURL)
	}
	if cfg.PersistBatchSize != 200 {
		t.Errorf("persist_batch_size = %d, want 200", cfg.PersistBatchSize)
	}
	// Unset fields keep their defaults.
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http_addr = %s, want :8080", cfg.HTTPAddr)
	}
	cf, err := cfg.CloseFactorWad()
	if err != nil {
		t.Fatal(err)
	}
	if cf.String() != "250000000000000000" {
		t.Errorf("close_factor = %s, want 0.25 in wad", cf.String())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendledger.yaml")
	if err := os.WriteFile(path, []byte("http_addr: ':9999'\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEND_HTTP_ADDR", ":7777")
	t.Setenv("LEND_PERSIST_BATCH_SIZE", "75")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPAddr != ":7777" {
		t.Errorf("http_addr = %s, env should win over file", cfg.HTTPAddr)
	}
	if cfg.PersistBatchSize != 75 {
		t.Errorf("persist_batch_size = %d, want 75", cfg.PersistBatchSize)
	}
}

func TestLoad_RejectsBadFractions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendledger.yaml")
	if err := os.WriteFile(path, []byte("close_factor: '0.1000000000000000001'\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("close factor with >18 decimal places should fail validation")
	}
}
