package turn

import (
	"context"
	"encoding/json"
	"testing"

	"ionengine/internal/compaction"
	"ionengine/internal/orchestrator"
	"ionengine/internal/provider"
	"ionengine/internal/session"
	"ionengine/internal/sysprompt"
	"ionengine/internal/tokencount"
)

type fakeProvider struct {
	replies []provider.Message
	call    int
}

func (f *fakeProvider) ID() string { return "fake" }
func (f *fakeProvider) ModelInfo(context.Context, string) (provider.ModelInfo, error) {
	return provider.ModelInfo{}, nil
}
func (f *fakeProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (f *fakeProvider) SupportsToolStreaming() bool                              { return true }
func (f *fakeProvider) Stream(_ context.Context, _ provider.ChatRequest, events chan<- provider.StreamEvent) error {
	msg := f.replies[f.call]
	f.call++
	for _, b := range msg.Content {
		switch b.Type {
		case provider.BlockText:
			events <- provider.StreamEvent{Type: provider.StreamTextDelta, TextDelta: b.Text}
		case provider.BlockToolCall:
			tc := provider.ToolCall{ID: b.ToolCallID, Name: b.ToolName, Input: b.ToolInput}
			events <- provider.StreamEvent{Type: provider.StreamToolCall, ToolCall: &tc}
		}
	}
	events <- provider.StreamEvent{Type: provider.StreamDone}
	close(events)
	return nil
}
func (f *fakeProvider) Complete(context.Context, provider.ChatRequest) (provider.Message, provider.Usage, error) {
	msg := f.replies[f.call]
	f.call++
	return msg, provider.Usage{}, nil
}

var _ provider.Provider = (*fakeProvider)(nil)

type fakeOrchestrator struct{}

func (fakeOrchestrator) ListTools(context.Context) ([]orchestrator.Tool, error) { return nil, nil }
func (fakeOrchestrator) CallTool(_ context.Context, name string, args json.RawMessage, _ orchestrator.ToolCallContext) (orchestrator.Result, error) {
	return orchestrator.Result{Content: "ok: " + name}, nil
}

var _ orchestrator.Orchestrator = (*fakeOrchestrator)(nil)

type collectingSink struct {
	events []Event
}

func (s *collectingSink) Send(e Event) { s.events = append(s.events, e) }

func newTestLoop(t *testing.T, replies []provider.Message) (*Loop, *fakeProvider) {
	t.Helper()
	counter, err := tokencount.New()
	if err != nil {
		t.Fatalf("tokencount.New: %v", err)
	}
	sp, err := sysprompt.New("/tmp", nil)
	if err != nil {
		t.Fatalf("sysprompt.New: %v", err)
	}
	fp := &fakeProvider{replies: replies}
	return &Loop{
		Provider:     fp,
		Sysprompt:    sp,
		Orchestrator: fakeOrchestrator{},
		Counter:      counter,
		Compaction:   compaction.DefaultConfig(),
	}, fp
}

func TestRunFinishesWithoutToolCalls(t *testing.T) {
	loop, _ := newTestLoop(t, []provider.Message{
		provider.NewTextMessage(provider.RoleAssistant, "hello there"),
	})
	sess := session.New("s1", "/tmp", "test-model", false)
	sink := &collectingSink{}

	if err := loop.Run(context.Background(), sess, "hi", sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if loop.State() != StateDone {
		t.Errorf("expected StateDone, got %q", loop.State())
	}

	foundFinished := false
	for _, e := range sink.events {
		if e.Kind == KindFinished {
			foundFinished = true
		}
	}
	if !foundFinished {
		t.Error("expected a KindFinished event")
	}
}

func TestRunExecutesToolCallThenFinishes(t *testing.T) {
	loop, _ := newTestLoop(t, []provider.Message{
		{Role: provider.RoleAssistant, Content: []provider.ContentBlock{
			{Type: provider.BlockToolCall, ToolCallID: "c1", ToolName: "read_file", ToolInput: map[string]any{"path": "x"}},
		}},
		provider.NewTextMessage(provider.RoleAssistant, "done"),
	})
	sess := session.New("s2", "/tmp", "test-model", false)
	sink := &collectingSink{}

	if err := loop.Run(context.Background(), sess, "read the file", sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history := sess.History()
	foundToolResult := false
	for _, m := range history {
		if m.Role == provider.RoleToolResult {
			foundToolResult = true
		}
	}
	if !foundToolResult {
		t.Error("expected a tool result message in history")
	}
}

func TestRunReturnsCancelledWhenSessionCancelledUpfront(t *testing.T) {
	loop, _ := newTestLoop(t, nil)
	sess := session.New("s3", "/tmp", "test-model", false)
	sess.Cancel()
	sink := &collectingSink{}

	err := loop.Run(context.Background(), sess, "hi", sink)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if loop.State() != StateCancelled {
		t.Errorf("expected StateCancelled, got %q", loop.State())
	}
}
