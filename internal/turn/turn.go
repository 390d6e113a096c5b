// Package turn implements the agent turn loop: the state machine that
// drives one user message through model invocation, tool execution, and
// context compaction until the turn produces a final assistant response.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"ionengine/internal/compaction"
	"ionengine/internal/orchestrator"
	"ionengine/internal/provider"
	"ionengine/internal/retrystream"
	"ionengine/internal/session"
	"ionengine/internal/sysprompt"
	"ionengine/internal/tokencount"
)

// State names the turn loop's state machine positions.
type State string

const (
	StateIdle          State = "idle"
	StatePreparing     State = "preparing"
	StateStreaming     State = "streaming"
	StateToolExecuting State = "tool_executing"
	StateCompacting    State = "compacting"
	StateDone          State = "done"
	StateCancelled     State = "cancelled"
	StateFailed        State = "failed"
)

// eventBufferSize bounds the loop's event channel; a sink that can't keep
// up applies back-pressure to the loop rather than growing unbounded.
const eventBufferSize = 100

// Loop drives turns for a single session against one provider and tool
// orchestrator, with a shared system-prompt manager, token counter, and
// compaction configuration.
type Loop struct {
	Provider     provider.Provider
	Sysprompt    *sysprompt.Manager
	Orchestrator orchestrator.Orchestrator
	Counter      *tokencount.Counter
	Compaction   compaction.Config
	MaxTurns     int

	mu    sync.Mutex
	state State
}

// State returns the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run drives sess through model calls and tool executions for userText,
// emitting events to sink, until the turn finishes, is cancelled, or
// fails. The session's history reflects partial progress even when Run
// returns an error.
func (l *Loop) Run(ctx context.Context, sess *session.Session, userText string, sink Sink) error {
	ch := make(chan Event, eventBufferSize)
	drained := make(chan struct{})
	go func() {
		for e := range ch {
			sink.Send(e)
		}
		close(drained)
	}()
	defer func() {
		close(ch)
		<-drained
	}()
	sink = SinkFunc(func(e Event) { ch <- e })

	l.setState(StatePreparing)

	if sess.Cancelled() {
		l.setState(StateCancelled)
		return context.Canceled
	}

	sess.Append(provider.NewTextMessage(provider.RoleUser, userText))

	maxTurns := l.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 50
	}

	for i := 0; i < maxTurns; i++ {
		if sess.Cancelled() {
			l.setState(StateCancelled)
			return context.Canceled
		}

		if err := l.step(ctx, sess, sink); err != nil {
			l.setState(StateFailed)
			sink.Send(Event{Kind: KindError, Message: err.Error(), Err: err})
			return err
		}

		last := sess.History()
		if len(last) == 0 {
			continue
		}
		if len(last[len(last)-1].ToolCalls()) == 0 {
			l.setState(StateDone)
			sink.Send(Event{Kind: KindFinished})
			return nil
		}
	}

	l.setState(StateDone)
	sink.Send(Event{Kind: KindFinished})
	return fmt.Errorf("turn: max turns (%d) reached", maxTurns)
}

// step runs one model call, optionally followed by tool execution and
// compaction, and appends the resulting messages to sess.
func (l *Loop) step(ctx context.Context, sess *session.Session, sink Sink) error {
	history := sess.History()

	tc := l.Counter.CountMessages(history)
	sink.Send(Event{Kind: KindInputTokens, Tokens: tc.Total})

	asm, err := l.Sysprompt.Assemble(ctx, "", sess.Model)
	if err != nil {
		return fmt.Errorf("turn: assemble system prompt: %w", err)
	}

	messages := append(append([]provider.Message{}, asm.ExtraMessages...), history...)

	req := provider.ChatRequest{
		Model:    sess.Model,
		System:   asm.SystemPrompt,
		Messages: messages,
	}
	if tools, err := l.listToolDefinitions(ctx); err == nil {
		req.Tools = tools
	}

	l.setState(StateStreaming)
	outcome, err := retrystream.Drive(ctx, l.Provider, req,
		func(delta string) { sink.Send(Event{Kind: KindTextDelta, Text: delta}) },
		func(delta string) { sink.Send(Event{Kind: KindThinkingDelta, Text: delta}) },
		func(call provider.ToolCall) {
			input, _ := json.Marshal(call.Input)
			sink.Send(Event{Kind: KindToolCallStart, ToolCallID: call.ID, ToolName: call.Name, ToolInput: string(input)})
		},
		func(re retrystream.RetryEvent) {
			sink.Send(Event{Kind: KindRetry, RetryReason: re.Reason, RetryDelay: re.Delay.String()})
		},
	)
	if err != nil {
		return fmt.Errorf("turn: model call: %w", err)
	}

	sess.Append(outcome.Message)
	sink.Send(Event{
		Kind: KindProviderUsage, InputTokens: outcome.Usage.InputTokens, OutputTokens: outcome.Usage.OutputTokens,
		CacheReadTokens: outcome.Usage.CacheReadTokens, CacheWriteTokens: outcome.Usage.CacheWriteTokens,
	})

	calls := outcome.Message.ToolCalls()
	if len(calls) == 0 {
		return l.maybeCompact(ctx, sess, sink)
	}

	l.setState(StateToolExecuting)
	tctx := orchestrator.ToolCallContext{WorkingDir: sess.WorkingDir, SessionID: sess.ID, AbortSignal: sess.AbortSignal(), NoSandbox: sess.NoSandbox}
	blocks, err := orchestrator.ExecuteParallel(ctx, l.Orchestrator, calls, tctx)
	if err != nil {
		return fmt.Errorf("turn: tool execution: %w", err)
	}

	for _, b := range blocks {
		sink.Send(Event{Kind: KindToolCallResult, ToolCallID: b.ToolResultID, ToolResult: b.Content, ToolError: b.IsError})
	}
	sess.Append(provider.Message{Role: provider.RoleToolResult, Content: blocks})

	return l.maybeCompact(ctx, sess, sink)
}

func (l *Loop) listToolDefinitions(ctx context.Context) ([]provider.ToolDefinition, error) {
	if l.Orchestrator == nil {
		return nil, nil
	}
	tools, err := l.Orchestrator.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]provider.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = provider.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return defs, nil
}

// maybeCompact checks the session against the compaction config and, if
// needed, compacts it in place with compaction.Run: Tier 1 and Tier 2,
// then Tier 3 summarization through the loop's provider when the
// mechanical tiers leave the history over target. A compaction error is
// logged and the turn continues.
func (l *Loop) maybeCompact(ctx context.Context, sess *session.Session, sink Sink) error {
	history := sess.History()
	status := compaction.CheckNeeded(history, l.Compaction, l.Counter)
	sink.Send(Event{Kind: KindTokenUsage, Used: status.TotalTokens, Max: l.Compaction.AvailableTokens()})

	if !status.NeedsCompaction {
		return nil
	}

	l.setState(StateCompacting)
	result, err := compaction.Run(ctx, &history, l.Compaction, l.Counter, l.Provider, sess.Model)
	if err != nil {
		log.Warn().Err(err).Msg("turn: compaction failed")
		return nil
	}
	sess.SetHistory(history)
	sink.Send(Event{Kind: KindCompactionStatus, CompactionTier: string(result.TierReached), TokensBefore: result.TokensBefore, TokensAfter: result.TokensAfter})
	return nil
}
