package sysprompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ionengine/internal/instructions"
)

func TestModelHints(t *testing.T) {
	cases := map[string]bool{
		"openai/gpt-5-codex": true,
		"openai/gpt-5":       true,
		"deepseek/deepseek-v3": true,
		"anthropic/claude-opus-4": false,
	}
	for model, wantHint := range cases {
		got := ModelHints(model) != ""
		if got != wantHint {
			t.Errorf("ModelHints(%q): got hint=%v, want %v", model, got, wantHint)
		}
	}
}

func TestGetSystemPromptIncludesWorkingDir(t *testing.T) {
	m, err := New("/tmp/project", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := m.GetSystemPrompt(context.Background())
	if err != nil {
		t.Fatalf("GetSystemPrompt: %v", err)
	}
	if !strings.Contains(out, "/tmp/project") {
		t.Errorf("expected working dir in prompt, got: %s", out)
	}
}

func TestAssembleAppendsMemoryContext(t *testing.T) {
	m, err := New("/tmp/project", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	asm, err := m.Assemble(context.Background(), "some remembered fact", "anthropic/claude-opus-4")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.ExtraMessages) != 1 {
		t.Fatalf("expected one extra message, got %d", len(asm.ExtraMessages))
	}
	if !strings.Contains(asm.ExtraMessages[0].Text(), "some remembered fact") {
		t.Errorf("expected memory context in extra message, got %q", asm.ExtraMessages[0].Text())
	}
}

func TestRenderCacheInvalidatesOnSkillChange(t *testing.T) {
	m, err := New("/tmp/project", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, _ := m.GetSystemPrompt(context.Background())
	m.SetActiveSkill("reviewer", "Review the diff carefully.")
	second, _ := m.GetSystemPrompt(context.Background())
	if first == second {
		t.Error("expected prompt to change after setting an active skill")
	}
	if !strings.Contains(second, "Review the diff carefully.") {
		t.Errorf("expected skill prompt body in rendered output, got: %s", second)
	}
}

func TestInstructionsIncludedWhenLoaderPresent(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("always run tests first"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := instructions.New(dir)
	m, err := New(dir, loader)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := m.GetSystemPrompt(context.Background())
	if err != nil {
		t.Fatalf("GetSystemPrompt: %v", err)
	}
	if !strings.Contains(out, "always run tests first") {
		t.Errorf("expected instructions in rendered prompt, got: %s", out)
	}
}
