package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ionengine/internal/attachment"
	"ionengine/internal/compaction"
	"ionengine/internal/config"
	"ionengine/internal/instructions"
	"ionengine/internal/orchestrator"
	"ionengine/internal/permission"
	"ionengine/internal/pricing"
	"ionengine/internal/provider"
	"ionengine/internal/providerset"
	"ionengine/internal/session"
	"ionengine/internal/skill"
	"ionengine/internal/store"
	"ionengine/internal/sysprompt"
	"ionengine/internal/tokencount"
	"ionengine/internal/turn"
)

type runFlags struct {
	read          bool
	write         bool
	yes           bool
	noSandbox     bool
	agi           bool
	model         string
	outputFormat  string
	quiet         bool
	maxTurns      int
	file          string
	noTools       bool
	skill         string
	continueID    string
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <prompt|->",
		Short: "Run one prompt to completion and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runOnce(cmd.Context(), args[0], f)
			lastExitCode = code
			return err
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&f.read, "read", "r", true, "allow read-only tools")
	flags.BoolVarP(&f.write, "write", "w", false, "allow write/exec tools")
	flags.BoolVarP(&f.yes, "yes", "y", false, "auto-approve all tool prompts")
	flags.BoolVar(&f.noSandbox, "no-sandbox", false, "disable filesystem sandboxing")
	flags.BoolVar(&f.agi, "agi", false, "full autonomy: implies --yes and --no-sandbox")
	flags.StringVarP(&f.model, "model", "m", "", "model ID (defaults to config's default_model)")
	flags.StringVarP(&f.outputFormat, "output-format", "o", "text", "output format: text, json, stream-json")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "suppress non-essential output")
	flags.IntVar(&f.maxTurns, "max-turns", 0, "maximum agent turns before aborting (0 = default of 50)")
	flags.StringVarP(&f.file, "file", "f", "", "attach a file to the prompt")
	flags.BoolVar(&f.noTools, "no-tools", false, "disable tool use entirely")
	flags.StringVar(&f.skill, "skill", "", "activate a skill from the skills directory by name")
	flags.StringVarP(&f.continueID, "continue", "c", "", "resume a stored session by ID instead of starting fresh")

	return cmd
}

// runOnce wires one session end to end: load config, resolve the
// provider, assemble the turn loop, drive it for a single user message,
// and render events per --output-format. Returns the process exit code.
func runOnce(ctx context.Context, promptArg string, f runFlags) (int, error) {
	if f.agi {
		f.yes = true
		f.noSandbox = true
	}

	cfg, warnings, err := config.Load()
	if err != nil {
		return exitErr, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return exitErr, fmt.Errorf("preparing directories: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "ion: warning:", w)
	}

	model := f.model
	if model == "" {
		model = cfg.DefaultModel
	}

	var activeSkill *skill.Skill
	if f.skill != "" {
		sk, err := resolveSkill(cfg.SkillsDir, f.skill)
		if err != nil {
			return exitErr, err
		}
		activeSkill = &sk
		if f.model == "" {
			model = sk.ResolveModel(model)
		} else if !sk.IsModelAllowed(model) {
			return exitErr, fmt.Errorf("skill %q does not allow model %q", sk.Name, model)
		}
	}

	workingDir := flagCwd
	if workingDir == "" {
		workingDir, err = os.Getwd()
		if err != nil {
			return exitErr, fmt.Errorf("resolving working directory: %w", err)
		}
	}

	promptText, err := readPrompt(promptArg)
	if err != nil {
		return exitErr, fmt.Errorf("reading prompt: %w", err)
	}
	if f.file != "" {
		promptText = promptText + "\n@" + f.file
	}

	prov, err := providerset.Resolve(ctx, model, cfg)
	if err != nil {
		return exitErr, err
	}

	instrLoader := instructions.New(workingDir)
	sp, err := sysprompt.New(workingDir, instrLoader)
	if err != nil {
		return exitErr, fmt.Errorf("building system prompt manager: %w", err)
	}
	if activeSkill != nil {
		sp.SetActiveSkill(activeSkill.Name, activeSkill.Prompt)
	}

	counter, err := tokencount.New()
	if err != nil {
		return exitErr, fmt.Errorf("initializing token counter: %w", err)
	}

	db, err := store.Open(cfg.SessionsDB)
	if err != nil {
		return exitErr, fmt.Errorf("opening session store: %w", err)
	}
	defer db.Close()

	var sess *session.Session
	if f.continueID != "" {
		sess, err = db.Load(ctx, f.continueID)
		if err != nil {
			return exitErr, fmt.Errorf("resuming session %q: %w", f.continueID, err)
		}
	} else {
		sess = session.New(uuid.NewString(), workingDir, model, f.noSandbox)
	}

	// Tool use itself is out of scope for the orchestrator package (spec.md
	// §1), but --read/--write/--yes/--no-sandbox/--agi still drive a
	// permission.Evaluator and audit trail wrapped around whatever
	// orchestrator is registered, so any concrete tool implementation
	// inherits permission checks and logging for free.
	evaluator := permission.New(permission.DefaultRules(), f.yes, f.agi)
	auditLogger, err := permission.NewAuditLogger(sess.ID, cfg.IonDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ion: warning: audit logger init failed:", err)
		auditLogger = nil
	}
	if auditLogger != nil {
		defer func() {
			if err := auditLogger.Close(); err != nil {
				fmt.Fprintln(os.Stderr, "ion: warning: audit log close failed:", err)
			}
		}()
	}

	var orch orchestrator.Orchestrator
	if !f.noTools {
		orch = &auditingOrchestrator{inner: noopOrchestrator{}, evaluator: evaluator, audit: auditLogger}
	}

	// Resolve @-references already embedded in the prompt (and the
	// --file attachment appended above) into content blocks up front,
	// so the first model call sees attached content inline.
	blocks := attachment.Parse(promptText, workingDir, f.noSandbox)
	if len(blocks) > 0 {
		msg := provider.Message{Role: provider.RoleUser, Content: blocks}
		sess.Append(msg)
		promptText = "" // avoid double-appending the raw text below
	}

	loop := &turn.Loop{
		Provider:     prov,
		Sysprompt:    sp,
		Orchestrator: orch,
		Counter:      counter,
		Compaction:   compaction.DefaultConfig(),
		MaxTurns:     f.maxTurns,
	}

	modelInfo, err := prov.ModelInfo(ctx, model)
	if err != nil {
		return exitErr, fmt.Errorf("resolving model info: %w", err)
	}

	renderer := newRenderer(f.outputFormat, f.quiet)
	tracker := pricing.NewTracker(renderer.costUpdate, pricing.DefaultCurrencyFormatter())

	sink := turn.SinkFunc(func(e turn.Event) {
		if e.Kind == turn.KindProviderUsage {
			tracker.Record(modelInfo, provider.Usage{
				InputTokens: e.InputTokens, OutputTokens: e.OutputTokens,
				CacheReadTokens: e.CacheReadTokens, CacheWriteTokens: e.CacheWriteTokens,
			}, pricing.SourcePrompt)
		}
		renderer.handle(e)
	})

	runErr := loop.Run(ctx, sess, promptText, sink)

	if saveErr := db.Save(ctx, sess); saveErr != nil {
		fmt.Fprintln(os.Stderr, "ion: warning: failed to persist session:", saveErr)
	}

	renderer.finish(sess, tracker.Snapshot(), runErr)

	if runErr != nil {
		if loop.State() == turn.StateDone && strings.Contains(runErr.Error(), "max turns") {
			return exitMaxTurns, nil
		}
		return exitErr, runErr
	}
	return exitSuccess, nil
}

// resolveSkill loads a single named skill out of a skills directory
// organized as skillsDir/<name>/SKILL.md.
func resolveSkill(skillsDir, name string) (skill.Skill, error) {
	path := filepath.Join(skillsDir, name, "SKILL.md")
	skills, err := skill.LoadFile(path)
	if err != nil {
		return skill.Skill{}, fmt.Errorf("loading skill %q: %w", name, err)
	}
	for _, s := range skills {
		if s.Name == name {
			return s, nil
		}
	}
	if len(skills) > 0 {
		return skills[0], nil
	}
	return skill.Skill{}, fmt.Errorf("skill %q: no entries found in %s", name, path)
}

func readPrompt(arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// noopOrchestrator satisfies orchestrator.Orchestrator with no tools
// registered; concrete tool implementations are out of scope (spec.md §1).
type noopOrchestrator struct{}

func (noopOrchestrator) ListTools(context.Context) ([]orchestrator.Tool, error) { return nil, nil }

func (noopOrchestrator) CallTool(context.Context, string, json.RawMessage, orchestrator.ToolCallContext) (orchestrator.Result, error) {
	return orchestrator.Result{}, fmt.Errorf("orchestrator: no tools registered")
}

// auditingOrchestrator wraps an orchestrator.Orchestrator with a
// permission check before every call and an audit log entry after,
// mirroring the teacher's checkPermission-before/auditLogger.Log-after
// split across its V8 tool dispatch and core turn loop.
type auditingOrchestrator struct {
	inner     orchestrator.Orchestrator
	evaluator *permission.Evaluator
	audit     *permission.AuditLogger
}

func (a *auditingOrchestrator) ListTools(ctx context.Context) ([]orchestrator.Tool, error) {
	return a.inner.ListTools(ctx)
}

func (a *auditingOrchestrator) CallTool(ctx context.Context, name string, args json.RawMessage, tctx orchestrator.ToolCallContext) (orchestrator.Result, error) {
	decision := a.evaluator.Evaluate(name, argPath(args))

	if decision.Effect != permission.EffectAllow {
		// EffectPromptOnce/EffectPromptAlways require an interactive
		// approval this synchronous dispatch path can't surface; treat
		// them as denied rather than silently allowing.
		err := fmt.Errorf("permission: %s requires approval (effect=%s); rerun with --yes or --agi", name, decision.Effect)
		a.log(name, "denied", decision.Source.String(), args, err.Error())
		return orchestrator.Result{}, err
	}

	res, err := a.inner.CallTool(ctx, name, args, tctx)
	decisionLabel, errText := "allowed", ""
	if err != nil {
		decisionLabel, errText = "error", err.Error()
	} else if res.IsError {
		decisionLabel = "tool_error"
	}
	a.log(name, decisionLabel, decision.Source.String(), args, errText)
	return res, err
}

func (a *auditingOrchestrator) log(tool, decision, source string, args json.RawMessage, errText string) {
	if a.audit == nil {
		return
	}
	var argMap map[string]any
	_ = json.Unmarshal(args, &argMap)
	if err := a.audit.Log(permission.AuditEntry{
		Tool:      tool,
		Decision:  decision,
		Source:    source,
		Arguments: argMap,
		Error:     errText,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "ion: warning: audit log failed:", err)
	}
}

// argPath extracts a "path" string argument from a tool call's raw JSON
// arguments, if present, for path-scoped permission rules.
func argPath(args json.RawMessage) string {
	var parsed struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ""
	}
	return parsed.Path
}
