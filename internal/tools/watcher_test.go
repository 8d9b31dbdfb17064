package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
)

func writeSkill(t *testing.T, dir, manifestName string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\nname: " + manifestName + "\ndescription: ok\ntools:\n  - name: go\n    description: go\n    command: run.sh\n---\n"
	path := filepath.Join(dir, "SKILL.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWatcherLoadAllTracksDirToManifestName(t *testing.T) {
	skillsDir := t.TempDir()
	dir := filepath.Join(skillsDir, "on-disk-dir-name")
	writeSkill(t, dir, "manifest-name")

	registry := NewRegistry()
	w, err := NewWatcher(skillsDir, registry)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, err := registry.Get("go"); err != nil {
		t.Fatal("expected tool to be registered after LoadAll")
	}
	if got := w.dirName[dir]; got != "manifest-name" {
		t.Fatalf("dirName[%q] = %q, want manifest-name", dir, got)
	}
}

// TestWatcherRemovalKeyedByManifestNameNotDirName guards against the
// UnregisterSkill call using the directory name while tools are keyed by
// the SKILL.md name: field.
func TestWatcherRemovalKeyedByManifestNameNotDirName(t *testing.T) {
	skillsDir := t.TempDir()
	dir := filepath.Join(skillsDir, "on-disk-dir-name")
	path := writeSkill(t, dir, "manifest-name")

	registry := NewRegistry()
	w, err := NewWatcher(skillsDir, registry)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	w.handle(fsnotify.Event{Name: path, Op: fsnotify.Remove})

	if _, err := registry.Get("go"); err == nil {
		t.Fatal("expected tool to be unregistered after removal, even though dir name != manifest name")
	}
	if _, ok := w.dirName[dir]; ok {
		t.Fatal("expected dirName entry to be cleared after removal")
	}
}

func TestWatcherReloadWithChangedManifestNameUnregistersOldName(t *testing.T) {
	skillsDir := t.TempDir()
	dir := filepath.Join(skillsDir, "my-skill")
	path := writeSkill(t, dir, "old-name")

	registry := NewRegistry()
	w, err := NewWatcher(skillsDir, registry)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, err := registry.Get("go"); err != nil {
		t.Fatal("expected tool registered under old-name")
	}

	content := "---\nname: new-name\ndescription: ok\ntools:\n  - name: go\n    description: go\n    command: run.sh\n---\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	w.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})

	tool, err := registry.Get("go")
	if err != nil {
		t.Fatal("expected tool still registered after reload")
	}
	if tool.Skill != "new-name" {
		t.Fatalf("tool.Skill = %q, want new-name", tool.Skill)
	}
	if w.dirName[dir] != "new-name" {
		t.Fatalf("dirName[%q] = %q, want new-name", dir, w.dirName[dir])
	}
}
