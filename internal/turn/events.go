package turn

// Kind discriminates the framework-agnostic events the turn loop emits.
// Each Event uses only the fields annotated with its Kind below.
type Kind string

const (
	KindTextDelta         Kind = "text_delta"
	KindThinkingDelta      Kind = "thinking_delta"
	KindToolCallStart      Kind = "tool_call_start"
	KindToolCallResult     Kind = "tool_call_result"
	KindInputTokens        Kind = "input_tokens"
	KindOutputTokensDelta  Kind = "output_tokens_delta"
	KindProviderUsage      Kind = "provider_usage"
	KindTokenUsage         Kind = "token_usage"
	KindCompactionStatus   Kind = "compaction_status"
	KindRetry              Kind = "retry"
	KindWarning            Kind = "warning"
	KindError              Kind = "error"
	KindFinished           Kind = "finished"
)

// Event is one item in the turn loop's event stream.
type Event struct {
	Kind Kind

	Text string // KindTextDelta, KindThinkingDelta

	ToolCallID string // KindToolCallStart, KindToolCallResult
	ToolName   string // KindToolCallStart
	ToolInput  string // KindToolCallStart: JSON-encoded args
	ToolResult string // KindToolCallResult
	ToolError  bool   // KindToolCallResult

	Tokens int // KindInputTokens, KindOutputTokensDelta

	InputTokens      int // KindProviderUsage
	OutputTokens     int // KindProviderUsage
	CacheReadTokens  int // KindProviderUsage
	CacheWriteTokens int // KindProviderUsage

	Used int // KindTokenUsage
	Max  int // KindTokenUsage

	CompactionTier  string // KindCompactionStatus
	TokensBefore    int    // KindCompactionStatus
	TokensAfter     int    // KindCompactionStatus

	RetryReason string // KindRetry
	RetryDelay  string // KindRetry

	Message string // KindWarning, KindError
	Err     error  // KindError
}

// Sink receives turn loop events. Implementations must not block for
// long; the loop sends with a bounded buffer and drops nothing, but a
// slow sink stalls the turn.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Send implements Sink.
func (f SinkFunc) Send(e Event) { f(e) }
