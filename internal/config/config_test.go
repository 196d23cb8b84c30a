package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sample = `
key: "do-api-token"
tag: "fleet"
timeout: 60000
interval: 10000
port: 12345
groups:
  - matchTags: ["ENV:T"]
    desiredSize: 2
    floatingAddress: "203.0.113.5"
    provisioningTemplate:
      name: "T"
      region: "nyc3"
      size: "s-1vcpu-1gb"
      image: "ubuntu-22-04-x64"
      tags: ["ENV:T", "fleet"]
`

func writeSample(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetwarden.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write sample config: %v", err)
	}
	return path
}

func TestLoadParsesSampleConfig(t *testing.T) {
	path := writeSample(t, sample)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Key != "do-api-token" || cfg.Tag != "fleet" || cfg.Port != 12345 {
		t.Fatalf("unexpected top-level fields: %+v", cfg)
	}
	if len(cfg.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(cfg.Groups))
	}
	g := cfg.Groups[0]
	if g.DesiredSize != 2 || g.FloatingAddress != "203.0.113.5" {
		t.Fatalf("unexpected group fields: %+v", g)
	}
	if g.Template.Region != "nyc3" || g.Template.Size != "s-1vcpu-1gb" {
		t.Fatalf("unexpected template fields: %+v", g.Template)
	}
}

func TestLoadRejectsMissingKey(t *testing.T) {
	path := writeSample(t, `
tag: "fleet"
timeout: 60000
interval: 10000
port: 12345
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a config missing key")
	}
}

func TestLoadRejectsIntervalNotSmallerThanTimeout(t *testing.T) {
	path := writeSample(t, `
key: "tok"
tag: "fleet"
timeout: 1000
interval: 1000
port: 12345
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when interval >= timeout")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadAppliesDocumentedDefaults(t *testing.T) {
	path := writeSample(t, `
key: "do-api-token"
tag: "fleet"
groups:
  - matchTags: ["ENV:T"]
    provisioningTemplate:
      name: "T"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Timeout != DefaultTimeout {
		t.Fatalf("expected default timeout %d, got %d", DefaultTimeout, cfg.Timeout)
	}
	if cfg.Interval != DefaultInterval {
		t.Fatalf("expected default interval %d, got %d", DefaultInterval, cfg.Interval)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].DesiredSize != DefaultDesiredSize {
		t.Fatalf("expected default desiredSize %d, got %+v", DefaultDesiredSize, cfg.Groups)
	}
}

func TestLoadRejectsExplicitNegativeTimeout(t *testing.T) {
	path := writeSample(t, `
key: "tok"
tag: "fleet"
timeout: -1
interval: 10000
port: 12345
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a negative timeout")
	}
}
