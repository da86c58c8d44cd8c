package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadManifestAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, `{
  "defaults": {"size": "1024x1024", "output_format": "png", "candidates": 3},
  "consistency": {"warn_threshold": 1.5},
  "targets": [
    {"id": "hero", "output_path": "sprites/hero.png", "prompt": {"text": "a knight"}},
    {"id": "tile", "output_path": "tiles/grass.png", "prompt": {"text": "grass"},
     "policy": {"size": "512x512", "output_format": "webp"}}
  ]
}`)
	m, err := loadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Targets) != 2 {
		t.Fatalf("targets = %d", len(m.Targets))
	}
	if m.Targets[0].Policy.Size != "1024x1024" || m.Targets[0].Policy.Candidates != 3 {
		t.Fatalf("defaults not inherited: %+v", m.Targets[0].Policy)
	}
	if m.Targets[1].Policy.Size != "512x512" {
		t.Fatalf("explicit policy overwritten: %+v", m.Targets[1].Policy)
	}
	if th := m.ConsistencyDefaults(); th.Warn != 1.5 || th.Penalty != 0 {
		t.Fatalf("thresholds = %+v", th)
	}
}

func TestLoadManifestRejectsEmptyAndMalformed(t *testing.T) {
	t.Parallel()
	if _, err := loadManifest(writeManifest(t, `{"targets": []}`)); err == nil {
		t.Fatal("empty manifest accepted")
	}
	if _, err := loadManifest(writeManifest(t, `{not json`)); err == nil {
		t.Fatal("malformed manifest accepted")
	}
	if _, err := loadManifest(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing file accepted")
	}
}
