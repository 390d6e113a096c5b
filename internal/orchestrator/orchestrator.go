// Package orchestrator defines the tool-calling contract the turn loop
// drives, and executes a batch of tool calls in parallel with
// order-preserving results. Concrete tool implementations are out of
// scope for this package; it only implements the dispatch interface.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ionengine/internal/provider"
)

// Tool describes one callable tool, with its parameters validated as a
// JSON Schema object at registration time.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Result is the outcome of one tool invocation.
type Result struct {
	Content string
	IsError bool
}

// ToolCallContext carries per-call context: the working directory and
// session the call runs under, an abort signal shared across the whole
// turn, and optional callbacks a concrete orchestrator may use to report
// progress or discover new tools mid-call.
type ToolCallContext struct {
	WorkingDir        string
	SessionID         string
	AbortSignal       <-chan struct{}
	NoSandbox         bool
	IndexCallback     func(event string)
	DiscoveryCallback func(tool Tool)
}

// Orchestrator is the contract the turn loop drives for tool listing and
// invocation. Implementations must be safe for concurrent use: ExecuteParallel
// calls CallTool from multiple goroutines at once.
type Orchestrator interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage, tctx ToolCallContext) (Result, error)
}

// ErrCancelled is returned by ExecuteParallel when the abort signal fires
// before all calls complete.
var ErrCancelled = fmt.Errorf("orchestrator: cancelled")

// ValidateSchema compiles a tool's Parameters as a JSON Schema, returning
// an error if it is not well-formed. Call this once at tool registration.
func ValidateSchema(params map[string]any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", jsonschemaResource(raw)); err != nil {
		return fmt.Errorf("orchestrator: add schema resource: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("orchestrator: invalid tool schema: %w", err)
	}
	return nil
}

// indexedResult pairs a tool call's position in the original batch with
// its resolved content block, so results can be reassembled in call order
// regardless of completion order.
type indexedResult struct {
	index int
	block provider.ContentBlock
}

// ExecuteParallel runs every call in calls concurrently against orch,
// returning one ToolResult content block per call in the original order.
// A panic in any goroutine is recovered and turned into a returned error;
// a fired AbortSignal aborts the batch and returns ErrCancelled.
func ExecuteParallel(ctx context.Context, orch Orchestrator, calls []provider.ToolCall, tctx ToolCallContext) ([]provider.ContentBlock, error) {
	if tctx.AbortSignal != nil {
		select {
		case <-tctx.AbortSignal:
			return nil, ErrCancelled
		default:
		}
	}

	results := make([]*provider.ContentBlock, len(calls))
	resultCh := make(chan indexedResult, len(calls))
	panicCh := make(chan error, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(index int, call provider.ToolCall) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicCh <- fmt.Errorf("orchestrator: tool task panicked unexpectedly: %v", r)
				}
			}()

			args, err := json.Marshal(call.Input)
			if err != nil {
				resultCh <- indexedResult{index: index, block: errorToolResult(call.ID, err)}
				return
			}

			res, err := orch.CallTool(ctx, call.Name, args, tctx)
			if err != nil {
				resultCh <- indexedResult{index: index, block: errorToolResult(call.ID, err)}
				return
			}
			resultCh <- indexedResult{index: index, block: provider.ContentBlock{
				Type: provider.BlockToolResult, ToolResultID: call.ID, Content: res.Content, IsError: res.IsError,
			}}
		}(i, call)
	}

	go func() {
		wg.Wait()
		close(resultCh)
		close(panicCh)
	}()

	remaining := len(calls)
	for remaining > 0 {
		select {
		case <-abortChan(tctx.AbortSignal):
			return nil, ErrCancelled

		case err, ok := <-panicCh:
			if ok && err != nil {
				return nil, err
			}

		case ir, ok := <-resultCh:
			if !ok {
				continue
			}
			block := ir.block
			results[ir.index] = &block
			remaining--
		}
	}

	out := make([]provider.ContentBlock, len(results))
	for i, r := range results {
		if r == nil {
			return nil, fmt.Errorf("orchestrator: tool execution incomplete - some results missing")
		}
		out[i] = *r
	}
	return out, nil
}

func errorToolResult(callID string, err error) provider.ContentBlock {
	return provider.ContentBlock{Type: provider.BlockToolResult, ToolResultID: callID, Content: err.Error(), IsError: true}
}

func abortChan(c <-chan struct{}) <-chan struct{} {
	if c == nil {
		return nil
	}
	return c
}
