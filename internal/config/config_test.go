package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"growline/internal/config"
)

func TestPathJoinsWorkspace(t *testing.T) {
	if got := config.Path("/srv/facility"); got != filepath.Join("/srv/facility", "growline.yml") {
		t.Fatalf("path = %s", got)
	}
	if got := config.Path(""); got != "growline.yml" {
		t.Fatalf("empty workspace path = %s", got)
	}
}

func TestFromFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	yml := `facility:
  id: fac-9
  kind: cultivation-facility
transitions:
  preclone_to_clone_germination:
    required:
      - field: germination_date
        label: Germination date
        type: date
`
	path := config.Path(dir)
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Facility.ID != "fac-9" {
		t.Fatalf("facility = %s", cfg.Facility.ID)
	}
	reqs, ok := cfg.Transitions["preclone_to_clone_germination"]
	if !ok || len(reqs.Required) != 1 || reqs.Required[0].Field != "germination_date" {
		t.Fatalf("requirements not loaded: %+v", cfg.Transitions)
	}
}

func TestFromFileRejectsBadKind(t *testing.T) {
	dir := t.TempDir()
	path := config.Path(dir)
	if err := os.WriteFile(path, []byte("facility:\n  id: fac-9\n  kind: warehouse\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.FromFile(path); err == nil {
		t.Fatal("expected kind validation error")
	}
}
