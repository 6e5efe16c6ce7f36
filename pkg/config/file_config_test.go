package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFile_ParsesNestedProfile(t *testing.T) {
	path := writeProfile(t, `
environment: sandbox
transport:
  certificate_path: /etc/verifactu/cert.pem
  certificate_key_path: /etc/verifactu/key.pem
  request_timeout: 45s
software:
  provider_tax_id: B00000000
  provider_name: Acme
concurrency:
  max_concurrency: 8
  queue_timeout: 20s
retry:
  max_retries: 5
  initial_delay: 2s
  max_delay: 1m
  backoff_multiplier: 1.5
  jitter_factor: 0.2
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Environment != "sandbox" {
		t.Fatalf("Environment = %q", cfg.Environment)
	}
	if cfg.Transport.RequestTimeout.AsDuration() != 45*time.Second {
		t.Fatalf("RequestTimeout = %s", cfg.Transport.RequestTimeout.AsDuration())
	}
	if cfg.Concurrency.MaxConcurrency != 8 {
		t.Fatalf("MaxConcurrency = %d", cfg.Concurrency.MaxConcurrency)
	}
	if cfg.Retry.MaxDelay.AsDuration() != time.Minute {
		t.Fatalf("MaxDelay = %s", cfg.Retry.MaxDelay.AsDuration())
	}
}

func TestLoadFile_SubstitutesEnvVars(t *testing.T) {
	t.Setenv("CERT_DIR", "/secrets")
	path := writeProfile(t, `
environment: production
transport:
  certificate_path: ${CERT_DIR}/cert.pem
  certificate_key_path: ${MISSING_VAR:-/default/key.pem}
  request_timeout: 30s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Transport.CertificatePath != "/secrets/cert.pem" {
		t.Fatalf("CertificatePath = %q", cfg.Transport.CertificatePath)
	}
	if cfg.Transport.CertificateKeyPath != "/default/key.pem" {
		t.Fatalf("CertificateKeyPath = %q, want substituted default", cfg.Transport.CertificateKeyPath)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
