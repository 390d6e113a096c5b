// Package skill parses SKILL.md files — YAML-frontmatter prompts per
// the agentskills.io convention, plus a legacy XML form — and holds a
// registry of them with lazy (summary-first) loading.
package skill

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Skill is one parsed SKILL.md: its identity, tool restrictions, model
// configuration, and prompt body.
type Skill struct {
	Name         string
	Description  string
	AllowedTools []string
	Models       []string
	Prompt       string
}

// ResolveModel returns the skill's preferred model, or def if the skill
// has no model restriction.
func (s Skill) ResolveModel(def string) string {
	if len(s.Models) == 0 {
		return def
	}
	return s.Models[0]
}

// IsModelAllowed reports whether model is permitted for this skill. A
// skill with no models list permits any model.
func (s Skill) IsModelAllowed(model string) bool {
	if len(s.Models) == 0 {
		return true
	}
	for _, m := range s.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Summary is the lightweight (name + description) view of a skill,
// loadable without parsing the full prompt body.
type Summary struct {
	Name        string
	Description string
}

type frontmatter struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed-tools"`
	Model        string   `yaml:"model"`
	Models       []string `yaml:"models"`
}

// Parse parses a complete SKILL.md file's content, returning every
// skill it defines (exactly one for the YAML form; one or more for
// the legacy XML form, where content with no <skill> element is an
// error).
func Parse(content string) ([]Skill, error) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if strings.HasPrefix(trimmed, "---") {
		return parseYAML(trimmed)
	}
	return parseXML(content)
}

func parseYAML(trimmed string) ([]Skill, error) {
	afterFirst := strings.TrimPrefix(trimmed, "---")
	endIdx := strings.Index(afterFirst, "\n---")
	if endIdx < 0 {
		return nil, fmt.Errorf("skill: missing frontmatter end delimiter")
	}
	yamlContent := afterFirst[:endIdx]
	prompt := strings.TrimSpace(afterFirst[endIdx+4:])

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(yamlContent), &fm); err != nil {
		return nil, fmt.Errorf("skill: parse YAML frontmatter: %w", err)
	}

	models := mergeModels(fm.Model, fm.Models)

	return []Skill{{
		Name:         fm.Name,
		Description:  fm.Description,
		AllowedTools: fm.AllowedTools,
		Models:       models,
		Prompt:       prompt,
	}}, nil
}

func mergeModels(single string, multi []string) []string {
	switch {
	case single != "" && len(multi) == 0:
		return []string{single}
	case single == "" && len(multi) > 0:
		return multi
	case single != "" && len(multi) > 0:
		return append([]string{single}, multi...)
	default:
		return nil
	}
}

// xmlSkill mirrors the legacy <skill> element for encoding/xml.
type xmlSkill struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Model       string `xml:"model"`
	Models      string `xml:"models"`
	Prompt      string `xml:"prompt"`
}

type xmlDocument struct {
	Skills []xmlSkill `xml:"skill"`
}

func parseXML(content string) ([]Skill, error) {
	wrapped := "<skills>" + content + "</skills>"
	var doc xmlDocument
	if err := xml.Unmarshal([]byte(wrapped), &doc); err != nil {
		return nil, fmt.Errorf("skill: parse legacy XML: %w", err)
	}
	if len(doc.Skills) == 0 {
		return nil, fmt.Errorf("skill: no <skill> elements found")
	}

	out := make([]Skill, 0, len(doc.Skills))
	for _, x := range doc.Skills {
		if x.Name == "" {
			return nil, fmt.Errorf("skill: missing name")
		}
		var models []string
		switch {
		case x.Model != "":
			models = []string{strings.TrimSpace(x.Model)}
		case x.Models != "":
			for _, m := range strings.Split(x.Models, ",") {
				if m = strings.TrimSpace(m); m != "" {
					models = append(models, m)
				}
			}
		}
		out = append(out, Skill{
			Name:        x.Name,
			Description: x.Description,
			Models:      models,
			Prompt:      strings.TrimSpace(x.Prompt),
		})
	}
	return out, nil
}

// ParseSummary parses only the name/description of a SKILL.md,
// avoiding the cost of materializing the full prompt body.
func ParseSummary(content string) (Summary, error) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if strings.HasPrefix(trimmed, "---") {
		afterFirst := strings.TrimPrefix(trimmed, "---")
		endIdx := strings.Index(afterFirst, "\n---")
		if endIdx < 0 {
			return Summary{}, fmt.Errorf("skill: missing frontmatter end delimiter")
		}
		var fm frontmatter
		if err := yaml.Unmarshal([]byte(afterFirst[:endIdx]), &fm); err != nil {
			return Summary{}, fmt.Errorf("skill: parse YAML frontmatter: %w", err)
		}
		return Summary{Name: fm.Name, Description: fm.Description}, nil
	}

	skills, err := parseXML(content)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Name: skills[0].Name, Description: skills[0].Description}, nil
}

// LoadFile reads path and parses it as a SKILL.md.
func LoadFile(path string) ([]Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skill: read %s: %w", path, err)
	}
	return Parse(string(content))
}

func loadSummaryFile(path string) (Summary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("skill: read %s: %w", path, err)
	}
	return ParseSummary(string(content))
}

// entry is a registry slot: a summary plus, once loaded, the full skill.
type entry struct {
	summary    Summary
	sourcePath string
	full       *Skill
}

// Registry holds skills discovered under one or more directories,
// loading each skill's full prompt body lazily on first Get.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a fully-loaded skill directly.
func (r *Registry) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.Name] = &entry{summary: Summary{Name: s.Name, Description: s.Description}, full: &s}
}

// RegisterSummary adds a skill known only by its summary, to be loaded
// from sourcePath on first Get.
func (r *Registry) RegisterSummary(summary Summary, sourcePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[summary.Name] = &entry{summary: summary, sourcePath: sourcePath}
}

// Get returns the named skill, loading its full prompt body if it was
// only registered as a summary.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return Skill{}, false
	}
	if e.full != nil {
		return *e.full, true
	}
	if e.sourcePath == "" {
		return Skill{}, false
	}

	skills, err := LoadFile(e.sourcePath)
	if err != nil {
		return Skill{}, false
	}
	for _, s := range skills {
		if s.Name == name {
			r.mu.Lock()
			e.full = &s
			r.mu.Unlock()
			return s, true
		}
	}
	return Skill{}, false
}

// GetSummary returns the named skill's summary without loading its body.
func (r *Registry) GetSummary(name string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Summary{}, false
	}
	return e.summary, true
}

// List returns every registered skill's summary.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.summary)
	}
	return out
}

// ScanDirectory looks for `SKILL.md` files directly under dir (as
// standalone `<name>.md` files) and inside immediate subdirectories
// (`<skill-name>/SKILL.md`), registering each as a lazily-loaded
// summary. Returns the count registered; a missing dir is not an
// error.
func (r *Registry) ScanDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("skill: scan %s: %w", dir, err)
	}

	count := 0
	for _, de := range entries {
		path := filepath.Join(dir, de.Name())
		if de.IsDir() {
			skillFile := filepath.Join(path, "SKILL.md")
			if _, err := os.Stat(skillFile); err != nil {
				continue
			}
			summary, err := loadSummaryFile(skillFile)
			if err != nil {
				continue
			}
			r.RegisterSummary(summary, skillFile)
			count++
			continue
		}
		if strings.HasSuffix(de.Name(), ".md") {
			summary, err := loadSummaryFile(path)
			if err != nil {
				continue
			}
			r.RegisterSummary(summary, path)
			count++
		}
	}
	return count, nil
}
