package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeWorkspace(t *testing.T, root, body string) {
	t.Helper()
	wsDir := filepath.Join(root, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}
}

func TestDiscoverWorkspace_Found(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "server:\n  name: test\n")

	result, err := DiscoverWorkspace(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != tmpDir {
		t.Errorf("expected %q, got %q", tmpDir, result)
	}
}

func TestDiscoverWorkspace_WalkUp(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "server:\n  name: test\n")

	nested := filepath.Join(tmpDir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}

	result, err := DiscoverWorkspace(nested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != tmpDir {
		t.Errorf("expected %q, got %q", tmpDir, result)
	}
}

func TestDiscoverWorkspace_MaxDepth(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "server:\n  name: test\n")

	parts := []string{tmpDir}
	for i := 0; i < MaxSearchDepth+1; i++ {
		parts = append(parts, "d")
	}
	deep := filepath.Join(parts...)
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatalf("failed to create deep dirs: %v", err)
	}

	result, err := DiscoverWorkspace(deep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "" {
		t.Errorf("expected no workspace beyond max depth, got %q", result)
	}
}

func TestLoad_WorkspaceOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "hold:\n  threshold: 90s\n  snooze: 30s\njournal:\n  path: data/h.db\n")

	cfg, wsDir, err := Load("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsDir != tmpDir {
		t.Errorf("expected workspace %q, got %q", tmpDir, wsDir)
	}
	if cfg.Hold.Threshold != 90*time.Second {
		t.Errorf("expected threshold 90s, got %s", cfg.Hold.Threshold)
	}
	if cfg.Hold.Snooze != 30*time.Second {
		t.Errorf("expected snooze 30s, got %s", cfg.Hold.Snooze)
	}
	// Untouched keys keep their defaults.
	if cfg.Autofill.Queue != "Outdial_Q_EnterpriseSupport" {
		t.Errorf("expected default queue, got %q", cfg.Autofill.Queue)
	}
	want := filepath.Join(tmpDir, WorkspaceDirName, "data", "h.db")
	if cfg.Journal.Path != want {
		t.Errorf("expected journal path %q, got %q", want, cfg.Journal.Path)
	}
	if len(cfg.Files) != 1 {
		t.Errorf("expected one merged file, got %v", cfg.Files)
	}
}

func TestLoad_ExplicitOverridesWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "hold:\n  threshold: 90s\n  mode: first_seen\n")

	explicit := filepath.Join(t.TempDir(), "override.yaml")
	if err := os.WriteFile(explicit, []byte("hold:\n  threshold: 2m\n"), 0644); err != nil {
		t.Fatalf("failed to write explicit config: %v", err)
	}

	cfg, _, err := Load(explicit, WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Hold.Threshold != 2*time.Minute {
		t.Errorf("expected explicit threshold 2m, got %s", cfg.Hold.Threshold)
	}
	if cfg.Hold.Mode != "first_seen" {
		t.Errorf("expected workspace mode to survive merge, got %q", cfg.Hold.Mode)
	}
}

func TestLoad_Disabled(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "hold:\n  threshold: 90s\n")

	cfg, wsDir, err := Load("", WorkspaceOptions{Disable: true, ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsDir != "" {
		t.Errorf("expected no workspace, got %q", wsDir)
	}
	if cfg.Hold.Threshold != 5*time.Minute {
		t.Errorf("expected default threshold, got %s", cfg.Hold.Threshold)
	}
}

func TestLoad_InvalidWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "hold:\n  mode: sometimes\n")

	if _, _, err := Load("", WorkspaceOptions{ExplicitDir: tmpDir}); err == nil {
		t.Fatal("expected validation error for bad hold.mode")
	}
}

func TestInitWorkspace_Creates(t *testing.T) {
	tmpDir := t.TempDir()
	if err := InitWorkspace(tmpDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, p := range []string{
		filepath.Join(tmpDir, WorkspaceDirName, WorkspaceConfigFile),
		filepath.Join(tmpDir, WorkspaceDirName, ".gitignore"),
		filepath.Join(tmpDir, WorkspaceDirName, "data"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	// The template must load back to the defaults.
	cfg, _, err := Load("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if cfg.Settings != DefaultSettings() {
		t.Errorf("template settings differ from defaults: %+v", cfg.Settings)
	}
}

func TestInitWorkspace_AlreadyExists(t *testing.T) {
	tmpDir := t.TempDir()
	if err := InitWorkspace(tmpDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := InitWorkspace(tmpDir); err == nil {
		t.Fatal("expected error when workspace already exists")
	}
}
