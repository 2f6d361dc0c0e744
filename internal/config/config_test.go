package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly: %v", err)
	}
}

func TestLoadMergesOntoDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forker.yaml")
	yamlBody := []byte(`
directories:
  source: /data/in
  target_a: /data/a
  target_b: /data/b
  quarantine: /data/quarantine
targets:
  - id: TargetA
    path: /data/a
    enabled: true
  - id: TargetB
    path: /data/b
    enabled: true
database:
  path: /data/forker.db
`)
	if err := os.WriteFile(path, yamlBody, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Directories.Source != "/data/in" {
		t.Errorf("expected overridden source dir, got %q", cfg.Directories.Source)
	}
	if cfg.Copy.MaxRetryAttempts != 3 {
		t.Errorf("expected default MaxRetryAttempts to survive the merge, got %d", cfg.Copy.MaxRetryAttempts)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidateRejectsIdenticalTargetDirs(t *testing.T) {
	cfg := Default()
	cfg.Directories.TargetB = cfg.Directories.TargetA
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when target_a equals target_b")
	}
}

func TestValidateRejectsZeroRetryAttempts(t *testing.T) {
	cfg := Default()
	cfg.Copy.MaxRetryAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for MaxRetryAttempts == 0")
	}
}

func TestApplyEnvOverridesWinsOverFile(t *testing.T) {
	t.Setenv("FORKER_SOURCE_DIR", "/env/source")
	cfg := Default()
	cfg.applyEnvOverrides()
	if cfg.Directories.Source != "/env/source" {
		t.Errorf("expected env override to take effect, got %q", cfg.Directories.Source)
	}
}

func TestEnabledTargetDirsSkipsDisabled(t *testing.T) {
	cfg := Default()
	cfg.Directories.TargetA = "/data/a"
	cfg.Directories.TargetB = "/data/b"
	cfg.Targets[0].Path = "/data/a"
	cfg.Targets[1].Path = "/data/b"
	cfg.Targets[1].Enabled = false

	dirs := cfg.EnabledTargetDirs()
	if len(dirs) != 1 {
		t.Fatalf("expected exactly one enabled target dir, got %d", len(dirs))
	}
}
