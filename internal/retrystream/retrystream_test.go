package retrystream

import (
	"context"
	"errors"
	"testing"
	"time"

	"ionengine/internal/provider"
)

type scriptedProvider struct {
	streamToolStream bool
	streamFunc       func(ctx context.Context, req provider.ChatRequest, events chan<- provider.StreamEvent) error
	completeFunc     func(ctx context.Context, req provider.ChatRequest) (provider.Message, provider.Usage, error)
}

func (s *scriptedProvider) ID() string { return "scripted" }
func (s *scriptedProvider) ModelInfo(context.Context, string) (provider.ModelInfo, error) {
	return provider.ModelInfo{}, nil
}
func (s *scriptedProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (s *scriptedProvider) SupportsToolStreaming() bool                              { return s.streamToolStream }
func (s *scriptedProvider) Stream(ctx context.Context, req provider.ChatRequest, events chan<- provider.StreamEvent) error {
	return s.streamFunc(ctx, req, events)
}
func (s *scriptedProvider) Complete(ctx context.Context, req provider.ChatRequest) (provider.Message, provider.Usage, error) {
	return s.completeFunc(ctx, req)
}

var _ provider.Provider = (*scriptedProvider)(nil)

func TestDriveSucceedsOnFirstAttempt(t *testing.T) {
	p := &scriptedProvider{
		streamToolStream: true,
		streamFunc: func(_ context.Context, _ provider.ChatRequest, events chan<- provider.StreamEvent) error {
			events <- provider.StreamEvent{Type: provider.StreamTextDelta, TextDelta: "hello "}
			events <- provider.StreamEvent{Type: provider.StreamTextDelta, TextDelta: "world"}
			events <- provider.StreamEvent{Type: provider.StreamUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 2}}
			events <- provider.StreamEvent{Type: provider.StreamDone}
			close(events)
			return nil
		},
	}

	out, err := Drive(context.Background(), p, provider.ChatRequest{}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if out.Message.Text() != "hello world" {
		t.Errorf("got text %q", out.Message.Text())
	}
	if out.Usage.InputTokens != 10 {
		t.Errorf("got usage %+v", out.Usage)
	}
}

func TestDriveRetriesOnRetryableError(t *testing.T) {
	attempts := 0
	p := &scriptedProvider{
		streamToolStream: true,
		streamFunc: func(_ context.Context, _ provider.ChatRequest, events chan<- provider.StreamEvent) error {
			attempts++
			if attempts < 2 {
				close(events)
				return errors.New("connection reset by peer")
			}
			events <- provider.StreamEvent{Type: provider.StreamTextDelta, TextDelta: "ok"}
			events <- provider.StreamEvent{Type: provider.StreamDone}
			close(events)
			return nil
		},
	}

	var retried bool
	out, err := Drive(context.Background(), p, provider.ChatRequest{}, nil, nil, nil, func(RetryEvent) { retried = true })
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if !retried {
		t.Error("expected a retry to occur")
	}
	if out.Message.Text() != "ok" {
		t.Errorf("got text %q", out.Message.Text())
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestDriveExhaustsAfterFourAttempts(t *testing.T) {
	attempts := 0
	p := &scriptedProvider{
		streamToolStream: true,
		streamFunc: func(_ context.Context, _ provider.ChatRequest, events chan<- provider.StreamEvent) error {
			attempts++
			close(events)
			return errors.New("connection reset by peer")
		},
	}

	_, err := Drive(context.Background(), p, provider.ChatRequest{}, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if attempts != maxRetries+1 {
		t.Errorf("expected %d total attempts, got %d", maxRetries+1, attempts)
	}
}

func TestDriveFailsFastOnNonRetryableError(t *testing.T) {
	p := &scriptedProvider{
		streamToolStream: true,
		streamFunc: func(_ context.Context, _ provider.ChatRequest, events chan<- provider.StreamEvent) error {
			close(events)
			return errors.New("invalid api key")
		},
	}
	_, err := Drive(context.Background(), p, provider.ChatRequest{}, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestDriveFallsBackToCompleteOnce(t *testing.T) {
	p := &scriptedProvider{
		streamToolStream: false,
		completeFunc: func(_ context.Context, _ provider.ChatRequest) (provider.Message, provider.Usage, error) {
			return provider.NewTextMessage(provider.RoleAssistant, "completed"), provider.Usage{}, nil
		},
	}
	req := provider.ChatRequest{Tools: []provider.ToolDefinition{{Name: "x"}}}
	out, err := Drive(context.Background(), p, req, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if out.Message.Text() != "completed" {
		t.Errorf("got %q", out.Message.Text())
	}
}

func TestBackoffForCapsAtMax(t *testing.T) {
	d := backoffFor(10, 0, false)
	if d != maxRetryDelay {
		t.Errorf("expected backoff capped at %s, got %s", maxRetryDelay, d)
	}
}

func TestBackoffForHonorsServerDelay(t *testing.T) {
	d := backoffFor(1, 5*time.Second, true)
	if d != 5*time.Second {
		t.Errorf("expected server delay honored, got %s", d)
	}
}

func TestIsRetryableClassifiesKnownSubstrings(t *testing.T) {
	if !isRetryable(errors.New("rate limit exceeded")) {
		t.Error("expected rate limit error to be retryable")
	}
	if isRetryable(errors.New("invalid request: missing field")) {
		t.Error("expected validation error to not be retryable")
	}
}
