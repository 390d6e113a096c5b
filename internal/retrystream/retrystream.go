// Package retrystream drives a single provider call with streaming,
// stale-stream detection, retry-with-backoff, and a one-time fallback to
// non-streaming completion when a provider rejects streamed tool use.
package retrystream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ionengine/internal/provider"
)

const (
	// maxRetries is the number of retries after the initial attempt, so
	// Drive makes at most maxRetries+1 total calls before giving up.
	maxRetries        = 3
	maxRetryDelay     = 60 * time.Second
	streamStaleTimeout = 120 * time.Second
)

// Outcome is the result of driving one turn's model call to completion.
type Outcome struct {
	Message provider.Message
	Usage   provider.Usage
}

// RetryEvent is emitted to onRetry before each backoff sleep.
type RetryEvent struct {
	Reason string
	Delay  time.Duration
}

// Drive runs req against p, retrying on transient failures and falling
// back to non-streaming completion at most once per call if streaming
// with tools is rejected. onDelta, onThinking, and onToolCall are invoked
// as partial content is produced; any may be nil. onRetry is invoked
// before each backoff sleep; may be nil.
func Drive(
	ctx context.Context,
	p provider.Provider,
	req provider.ChatRequest,
	onDelta func(string),
	onThinking func(string),
	onToolCall func(provider.ToolCall),
	onRetry func(RetryEvent),
) (Outcome, error) {
	useStreaming := p.SupportsToolStreaming() || len(req.Tools) == 0
	fellBackOnce := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		var outcome Outcome
		var err error
		var notSupported bool

		if useStreaming {
			outcome, err, notSupported = driveOnce(ctx, p, req, onDelta, onThinking, onToolCall)
		} else {
			outcome, err = completeOnce(ctx, p, req)
		}

		if err == nil {
			return outcome, nil
		}

		if notSupported && !fellBackOnce {
			fellBackOnce = true
			useStreaming = false
			log.Warn().Msg("retrystream: provider rejected streaming with tools, falling back to non-streaming")
			continue
		}

		if !isRetryable(err) || attempt == maxRetries {
			return Outcome{}, err
		}

		serverDelay, hasServerDelay := retryAfter(err)
		delay := backoffFor(attempt, serverDelay, hasServerDelay)
		if onRetry != nil {
			onRetry(RetryEvent{Reason: err.Error(), Delay: delay})
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return Outcome{}, fmt.Errorf("retrystream: exhausted %d attempts", maxRetries)
}

// driveOnce runs one streaming attempt, accumulating partial blocks into a
// final message. notSupported reports whether the failure looks like the
// provider rejecting tool-enabled streaming, signaling a one-time
// non-streaming fallback rather than a retry.
func driveOnce(
	ctx context.Context,
	p provider.Provider,
	req provider.ChatRequest,
	onDelta func(string),
	onThinking func(string),
	onToolCall func(provider.ToolCall),
) (Outcome, error, bool) {
	events := make(chan provider.StreamEvent, 16)
	streamErr := make(chan error, 1)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		streamErr <- p.Stream(streamCtx, req, events)
	}()

	var text, thinking strings.Builder
	var toolCalls []provider.ContentBlock
	var usage provider.Usage
	timer := time.NewTimer(streamStaleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err(), false

		case <-timer.C:
			cancel()
			return Outcome{}, fmt.Errorf("retrystream: stream stale after %s", streamStaleTimeout), false

		case ev, ok := <-events:
			if !ok {
				// The events channel is closed before Stream returns, so the
				// final error (nil on success) is still pending on streamErr.
				if err := <-streamErr; err != nil {
					if notSupportedError(err) && len(req.Tools) > 0 {
						return Outcome{}, err, true
					}
					return Outcome{}, err, false
				}
				msg := finalize(text.String(), thinking.String(), toolCalls)
				return Outcome{Message: msg, Usage: usage}, nil, false
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(streamStaleTimeout)

			switch ev.Type {
			case provider.StreamTextDelta:
				text.WriteString(ev.TextDelta)
				if onDelta != nil {
					onDelta(ev.TextDelta)
				}
			case provider.StreamThinkingDelta:
				thinking.WriteString(ev.ThinkingDelta)
				if onThinking != nil {
					onThinking(ev.ThinkingDelta)
				}
			case provider.StreamToolCall:
				if ev.ToolCall != nil {
					toolCalls = append(toolCalls, provider.ContentBlock{
						Type: provider.BlockToolCall, ToolCallID: ev.ToolCall.ID,
						ToolName: ev.ToolCall.Name, ToolInput: ev.ToolCall.Input,
					})
					if onToolCall != nil {
						onToolCall(*ev.ToolCall)
					}
				}
			case provider.StreamUsage:
				if ev.Usage != nil {
					usage = *ev.Usage
				}
			case provider.StreamError:
				if notSupportedError(ev.Err) && len(req.Tools) > 0 {
					return Outcome{}, ev.Err, true
				}
				return Outcome{}, ev.Err, false
			case provider.StreamDone:
				msg := finalize(text.String(), thinking.String(), toolCalls)
				return Outcome{Message: msg, Usage: usage}, nil, false
			}

		case err := <-streamErr:
			if err == nil {
				continue
			}
			if notSupportedError(err) && len(req.Tools) > 0 {
				return Outcome{}, err, true
			}
			return Outcome{}, err, false
		}
	}
}

func completeOnce(ctx context.Context, p provider.Provider, req provider.ChatRequest) (Outcome, error) {
	msg, usage, err := p.Complete(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Message: msg, Usage: usage}, nil
}

func finalize(text, thinking string, toolCalls []provider.ContentBlock) provider.Message {
	var blocks []provider.ContentBlock
	if thinking != "" {
		blocks = append(blocks, provider.ContentBlock{Type: provider.BlockThinking, Thinking: thinking})
	}
	if text != "" {
		blocks = append(blocks, provider.TextBlock(text))
	}
	blocks = append(blocks, toolCalls...)
	return provider.Message{Role: provider.RoleAssistant, Content: blocks}
}

func notSupportedError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "does not support") || strings.Contains(text, "not supported") || strings.Contains(text, "streaming with tools") {
		return true
	}
	return strings.Contains(text, "parse")
}

var retryableSubstrings = []string{
	"rate limit", "timeout", "timed out", "deadline exceeded", "connection",
	"network", "dns", "resolve", "server error", "internal error",
	"service unavailable", "bad gateway",
}

func isRetryable(err error) bool {
	if errors.Is(err, provider.ErrThrottled) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// retryAfterError lets a provider surface a server-specified retry delay.
type retryAfterError interface {
	RetryAfter() (time.Duration, bool)
}

func retryAfter(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0, false
}

func backoffFor(attempt int, serverDelay time.Duration, hasServerDelay bool) time.Duration {
	if hasServerDelay {
		if serverDelay > maxRetryDelay {
			return maxRetryDelay
		}
		return serverDelay
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
