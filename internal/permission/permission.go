// Package permission evaluates whether a tool call may proceed:
// glob-matched {tool name, path} rules resolving to an allow/deny/
// prompt effect, adapted from the teacher's manifest-driven policy
// evaluator down to the simpler CLI-flag-driven ruleset this project
// needs (no JS-agent manifest concept applies here).
package permission

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Effect is the evaluated outcome of a permission check.
type Effect int

const (
	EffectAllow Effect = iota
	EffectDeny
	EffectPromptOnce
	EffectPromptAlways
)

func (e Effect) String() string {
	switch e {
	case EffectAllow:
		return "allow"
	case EffectDeny:
		return "deny"
	case EffectPromptOnce:
		return "prompt_once"
	case EffectPromptAlways:
		return "prompt_always"
	default:
		return fmt.Sprintf("Effect(%d)", int(e))
	}
}

// Source identifies which layer produced a Decision.
type Source int

const (
	SourceYesFlag Source = iota
	SourceAGIFlag
	SourceOnceGrant
	SourceRule
	SourceDefaultPrompt
)

func (s Source) String() string {
	switch s {
	case SourceYesFlag:
		return "yes_flag"
	case SourceAGIFlag:
		return "agi_flag"
	case SourceOnceGrant:
		return "once_grant"
	case SourceRule:
		return "rule"
	case SourceDefaultPrompt:
		return "default_prompt"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Rule matches a tool call by tool-name glob and, if PathGlob is
// non-empty, by a path argument glob. An empty PathGlob matches any
// (or no) path.
type Rule struct {
	ToolGlob string
	PathGlob string
	Effect   Effect
}

// Decision is the result of evaluating one tool call.
type Decision struct {
	Effect      Effect
	MatchedRule *Rule
	Source      Source
}

// Evaluator checks tool calls against a configured ruleset, the
// `-y`/`--yes` and `--agi` CLI modes, and a set of in-session
// once-granted tool names.
type Evaluator struct {
	rules    []Rule
	yesMode  bool
	agiMode  bool

	mu    sync.Mutex
	grants map[string]bool
}

// New creates an Evaluator. yesMode auto-approves calls whose matching
// rule is prompt-once or prompt-always (a call no rule matches still
// prompts); agiMode allows every call without consulting the rules.
func New(rules []Rule, yesMode, agiMode bool) *Evaluator {
	return &Evaluator{rules: rules, yesMode: yesMode, agiMode: agiMode, grants: make(map[string]bool)}
}

// DefaultRules returns the built-in ruleset: read-only tools are
// allowed outright; everything else prompts once per tool name.
func DefaultRules() []Rule {
	return []Rule{
		{ToolGlob: "read_file", Effect: EffectAllow},
		{ToolGlob: "glob", Effect: EffectAllow},
		{ToolGlob: "grep", Effect: EffectAllow},
		{ToolGlob: "list_dir", Effect: EffectAllow},
		{ToolGlob: "*", Effect: EffectPromptOnce},
	}
}

// Evaluate checks one tool call. path is the call's primary filesystem
// argument, if any (empty string if not applicable).
func (e *Evaluator) Evaluate(toolName, path string) Decision {
	if e.agiMode {
		return Decision{Effect: EffectAllow, Source: SourceAGIFlag}
	}

	e.mu.Lock()
	granted := e.grants[toolName]
	e.mu.Unlock()

	best, bestSpecificity := (*Rule)(nil), -1
	for i := range e.rules {
		r := &e.rules[i]
		spec, ok := matchRule(*r, toolName, path)
		if !ok {
			continue
		}
		if best == nil || spec > bestSpecificity {
			best = r
			bestSpecificity = spec
		}
	}

	if best == nil {
		return Decision{Effect: EffectPromptAlways, Source: SourceDefaultPrompt}
	}

	switch best.Effect {
	case EffectAllow, EffectDeny:
		return Decision{Effect: best.Effect, MatchedRule: best, Source: SourceRule}
	case EffectPromptOnce:
		if granted {
			return Decision{Effect: EffectAllow, MatchedRule: best, Source: SourceOnceGrant}
		}
		if e.yesMode {
			return Decision{Effect: EffectAllow, MatchedRule: best, Source: SourceYesFlag}
		}
		return Decision{Effect: EffectPromptOnce, MatchedRule: best, Source: SourceRule}
	default: // EffectPromptAlways
		if e.yesMode {
			return Decision{Effect: EffectAllow, MatchedRule: best, Source: SourceYesFlag}
		}
		return Decision{Effect: EffectPromptAlways, MatchedRule: best, Source: SourceRule}
	}
}

// Grant records that the user approved toolName for the rest of the
// session (used after an EffectPromptOnce decision is confirmed).
func (e *Evaluator) Grant(toolName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants[toolName] = true
}

// matchRule reports whether rule matches (toolName, path), and a
// specificity score used to pick the best of several matching rules
// (a non-wildcard tool glob, or the presence of a path glob, beats a
// bare "*").
func matchRule(r Rule, toolName, path string) (int, bool) {
	toolMatched, err := doublestar.Match(r.ToolGlob, toolName)
	if err != nil || !toolMatched {
		return 0, false
	}

	specificity := 0
	if r.ToolGlob != "*" {
		specificity += 2
	}

	if r.PathGlob != "" {
		if path == "" {
			return 0, false
		}
		pathMatched, err := doublestar.Match(r.PathGlob, path)
		if err != nil || !pathMatched {
			return 0, false
		}
		specificity += 1
	}

	return specificity, true
}

// WriteToolNames classifies tool names that mutate state or execute
// code, for callers building a ruleset from config (e.g. "everything
// not in this list is read-only").
var WriteToolNames = []string{"write_file", "edit_file", "bash", "exec", "delete_file"}

// IsWriteTool reports whether name matches one of WriteToolNames,
// case-insensitively. Any other name, including an unknown one, is
// reported as not a write tool.
func IsWriteTool(name string) bool {
	for _, w := range WriteToolNames {
		if strings.EqualFold(w, name) {
			return true
		}
	}
	return false
}
