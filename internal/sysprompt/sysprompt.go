// Package sysprompt assembles the system prompt sent to the model from a
// fixed template, the loaded instruction layers, the active skill (if
// any), and model-specific hints. A single-slot cache avoids re-rendering
// on every turn.
package sysprompt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"ionengine/internal/instructions"
	"ionengine/internal/provider"
)

const defaultSystemTemplate = `You are an autonomous coding agent running in a terminal.

Working directory: {{.WorkingDir}}
Date: {{.Date}}
OS: {{.OS}}
{{if .Shell}}Shell: {{.Shell}}
{{end}}{{if .HasMCPTools}}MCP tools are available in this session.
{{end}}{{if .ModelHints}}{{.ModelHints}}
{{end}}{{if .Instructions}}
Project and user instructions:

{{.Instructions}}
{{end}}{{if .SkillName}}
Active skill: {{.SkillName}}

{{.SkillPrompt}}
{{end}}`

// skillPrompt is the minimal shape sysprompt needs from an active skill;
// internal/skill.Skill satisfies it structurally.
type skillPrompt struct {
	Name   string
	Prompt string
}

// Assembly is the rendered system prompt plus any synthetic messages that
// must be appended to the conversation (e.g. injected memory context).
type Assembly struct {
	SystemPrompt string
	ExtraMessages []provider.Message
}

type renderCache struct {
	skill             string
	hasMCPTools       bool
	modelID           string
	instructionsFresh bool
	rendered          string
}

// Manager owns the compiled template, loaded instructions, and render
// cache for one session's system prompt.
type Manager struct {
	tmpl        *template.Template
	loader      *instructions.Loader
	workingDir  string
	hasMCPTools atomic.Bool

	mu          sync.Mutex
	activeSkill *skillPrompt

	cacheMu sync.Mutex
	cache   *renderCache
}

// New builds a Manager. loader may be nil if instruction-file loading is
// not wanted (e.g. in tests).
func New(workingDir string, loader *instructions.Loader) (*Manager, error) {
	tmpl, err := template.New("system").Parse(defaultSystemTemplate)
	if err != nil {
		return nil, fmt.Errorf("sysprompt: parse template: %w", err)
	}
	return &Manager{tmpl: tmpl, loader: loader, workingDir: workingDir}, nil
}

// SetHasMCPTools records whether MCP tools are available this session.
func (m *Manager) SetHasMCPTools(v bool) { m.hasMCPTools.Store(v) }

// SetActiveSkill sets or clears (name == "") the active skill slot.
func (m *Manager) SetActiveSkill(name, prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		m.activeSkill = nil
		return
	}
	m.activeSkill = &skillPrompt{Name: name, Prompt: prompt}
}

// ModelHints returns a short behavioral hint for models known to benefit
// from one, or "" for models with no specific guidance.
func ModelHints(modelID string) string {
	lower := strings.ToLower(modelID)
	segment := lower
	if idx := strings.LastIndex(lower, "/"); idx >= 0 {
		segment = lower[idx+1:]
	}

	switch {
	case strings.Contains(segment, "gpt-5"), strings.Contains(segment, "codex"):
		return "Be terse. Avoid restating the plan before acting; show results, not narration."
	case strings.Contains(segment, "deepseek"):
		return "Be direct. Skip preamble and go straight to the action or answer."
	default:
		return ""
	}
}

// GetSystemPrompt renders the system prompt without a model-specific
// hint, for call sites that don't yet know which model will be used.
func (m *Manager) GetSystemPrompt(ctx context.Context) (string, error) {
	return m.render(ctx, "")
}

// Assemble renders the system prompt for modelID and, if memoryContext is
// non-empty, appends a synthetic User message carrying it.
func (m *Manager) Assemble(ctx context.Context, memoryContext string, modelID string) (Assembly, error) {
	prompt, err := m.render(ctx, modelID)
	if err != nil {
		return Assembly{}, err
	}

	asm := Assembly{SystemPrompt: prompt}
	if memoryContext != "" {
		asm.ExtraMessages = append(asm.ExtraMessages,
			provider.NewTextMessage(provider.RoleUser, fmt.Sprintf("Context from codebase memory:\n%s", memoryContext)))
	}
	return asm, nil
}

func (m *Manager) render(ctx context.Context, modelID string) (string, error) {
	m.mu.Lock()
	var skillName, skillBody string
	if m.activeSkill != nil {
		skillName, skillBody = m.activeSkill.Name, m.activeSkill.Prompt
	}
	m.mu.Unlock()

	hasMCP := m.hasMCPTools.Load()
	instructionsFresh := m.loader == nil || !m.loader.Stale()

	m.cacheMu.Lock()
	if m.cache != nil &&
		m.cache.skill == skillName &&
		m.cache.hasMCPTools == hasMCP &&
		m.cache.modelID == modelID &&
		m.cache.instructionsFresh == instructionsFresh {
		rendered := m.cache.rendered
		m.cacheMu.Unlock()
		return rendered, nil
	}
	m.cacheMu.Unlock()

	var instructionsText string
	if m.loader != nil {
		if text, ok := m.loader.LoadAll(); ok {
			instructionsText = text
		}
	}

	data := struct {
		WorkingDir   string
		Date         string
		OS           string
		Shell        string
		HasMCPTools  bool
		ModelHints   string
		Instructions string
		SkillName    string
		SkillPrompt  string
	}{
		WorkingDir:   m.workingDir,
		Date:         time.Now().Format("2006-01-02"),
		OS:           runtimeOS(),
		Shell:        shellName(),
		HasMCPTools:  hasMCP,
		ModelHints:   ModelHints(modelID),
		Instructions: instructionsText,
		SkillName:    skillName,
		SkillPrompt:  skillBody,
	}

	var buf bytes.Buffer
	if err := m.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("sysprompt: render: %w", err)
	}
	rendered := buf.String()

	m.cacheMu.Lock()
	m.cache = &renderCache{skill: skillName, hasMCPTools: hasMCP, modelID: modelID, instructionsFresh: instructionsFresh, rendered: rendered}
	m.cacheMu.Unlock()

	return rendered, nil
}
