package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitCreatesRequiredStructure(t *testing.T) {
	dir := t.TempDir()
	ws := filepath.Join(dir, "workspace")
	cfg := filepath.Join(dir, "config")
	vars := NewVars("Ada", "en", "UTC", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	if err := Init("user-1", ws, cfg, vars); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, p := range []string{
		filepath.Join(ws, "memory"),
		filepath.Join(ws, "media", "inbound"),
		filepath.Join(cfg, "cron"),
		filepath.Join(cfg, "devices"),
	} {
		if fi, err := os.Stat(p); err != nil || !fi.IsDir() {
			t.Fatalf("expected directory %s to exist: %v", p, err)
		}
	}

	jobsPath := filepath.Join(cfg, "cron", "jobs.json")
	data, err := os.ReadFile(jobsPath)
	if err != nil {
		t.Fatalf("read jobs.json: %v", err)
	}
	if string(data) != `{"version":1,"jobs":[]}`+"\n" {
		t.Fatalf("unexpected jobs.json content: %s", data)
	}

	readme, err := os.ReadFile(filepath.Join(ws, "README.md"))
	if err != nil {
		t.Fatalf("read README.md: %v", err)
	}
	if !strings.Contains(string(readme), "Ada") {
		t.Fatalf("expected README to mention user name, got: %s", readme)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ws := filepath.Join(dir, "workspace")
	cfg := filepath.Join(dir, "config")
	vars := NewVars("Ada", "en", "UTC", time.Now())

	if err := Init("user-1", ws, cfg, vars); err != nil {
		t.Fatalf("first init: %v", err)
	}
	jobsPath := filepath.Join(cfg, "cron", "jobs.json")
	if err := os.WriteFile(jobsPath, []byte(`{"version":1,"jobs":[{"id":"x","enabled":true}]}`), 0o644); err != nil {
		t.Fatalf("seed custom jobs: %v", err)
	}

	if err := Init("user-1", ws, cfg, vars); err != nil {
		t.Fatalf("second init: %v", err)
	}

	data, err := os.ReadFile(jobsPath)
	if err != nil {
		t.Fatalf("read jobs.json: %v", err)
	}
	if !strings.Contains(string(data), `"id":"x"`) {
		t.Fatalf("expected custom jobs.json to survive re-init, got: %s", data)
	}
}
