package instructions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAllProjectOnly(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("project instructions"), 0o644); err != nil {
		t.Fatalf("write AGENTS.md: %v", err)
	}

	l := New(dir)
	content, ok := l.LoadAll()
	if !ok {
		t.Fatal("expected LoadAll to find the project layer")
	}
	if content != "project instructions" {
		t.Errorf("got %q", content)
	}
}

func TestLoadAllNoneFound(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	l := New(dir)
	_, ok := l.LoadAll()
	if ok {
		t.Error("expected LoadAll to report nothing found")
	}
}

func TestLoadAllJoinsLayersInOrder(t *testing.T) {
	home := t.TempDir()
	xdg := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", xdg)

	if err := os.MkdirAll(filepath.Join(home, ".ion"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".ion", "AGENTS.md"), []byte("user layer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(xdg, "agents"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(xdg, "agents", "AGENTS.md"), []byte("global layer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, "AGENTS.md"), []byte("project layer"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(project)
	content, ok := l.LoadAll()
	if !ok {
		t.Fatal("expected content")
	}
	wantOrder := []string{"user layer", "global layer", "project layer"}
	lastIdx := -1
	for _, w := range wantOrder {
		idx := strings.Index(content, w)
		if idx < 0 {
			t.Fatalf("expected %q in joined content: %q", w, content)
		}
		if idx <= lastIdx {
			t.Fatalf("layer %q out of order in %q", w, content)
		}
		lastIdx = idx
	}
}

func TestLoadAllSkipsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("   \n\t"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(dir)
	_, ok := l.LoadAll()
	if ok {
		t.Error("expected whitespace-only file to be skipped")
	}
}
