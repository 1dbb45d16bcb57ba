//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManagerListAndGet(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "pump.lua", `-- {"name": "pump watchdog", "enabled": true}
lvp.log("hi")
`)
	writeScript(t, dir, "notes.txt", "not a script")

	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 {
		t.Fatalf("len = %d, want 1", len(scripts))
	}

	s, err := m.Get("pump")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "pump watchdog" || !s.Meta.Enabled {
		t.Fatalf("meta = %+v", s.Meta)
	}
	if s.LuaCode != `lvp.log("hi")`+"\n" {
		t.Fatalf("code = %q", s.LuaCode)
	}
}

func TestManagerNoMetadataDefaultsEnabled(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "plain.lua", "lvp.log(\"x\")\n")

	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Meta.Enabled {
		t.Fatal("script without metadata should default to enabled")
	}
}

func TestManagerGetRejectsUnsafeIDs(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", ".", "..", "../etc", "a/b", `a\b`} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q): expected error", id)
		}
	}
}

func TestManagerCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scripts")
	if _, err := NewManager(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("dir not created: %v", err)
	}
}
