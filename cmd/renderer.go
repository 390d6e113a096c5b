package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"ionengine/internal/pricing"
	"ionengine/internal/session"
	"ionengine/internal/turn"
)

// renderer adapts the turn loop's event stream to one of the three
// --output-format modes. text prints a human-readable transcript as it
// streams; json buffers the run and prints one final object; stream-json
// prints one JSON object per event, mirroring the loop's own event kinds.
type renderer struct {
	format string
	quiet  bool

	buf struct {
		text    string
		thought string
	}
}

func newRenderer(format string, quiet bool) *renderer {
	return &renderer{format: format, quiet: quiet}
}

func (r *renderer) handle(e turn.Event) {
	switch r.format {
	case "stream-json":
		r.writeJSONLine(e)
	case "json":
		r.buffer(e)
	default:
		r.writeText(e)
	}
}

func (r *renderer) buffer(e turn.Event) {
	switch e.Kind {
	case turn.KindTextDelta:
		r.buf.text += e.Text
	case turn.KindThinkingDelta:
		r.buf.thought += e.Text
	}
}

func (r *renderer) writeJSONLine(e turn.Event) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(e)
}

func (r *renderer) writeText(e turn.Event) {
	switch e.Kind {
	case turn.KindTextDelta:
		fmt.Print(e.Text)
	case turn.KindThinkingDelta:
		if !r.quiet {
			fmt.Fprint(os.Stderr, e.Text)
		}
	case turn.KindToolCallStart:
		if !r.quiet {
			fmt.Fprintf(os.Stderr, "\n[tool] %s(%s)\n", e.ToolName, e.ToolInput)
		}
	case turn.KindToolCallResult:
		if !r.quiet {
			status := "ok"
			if e.ToolError {
				status = "error"
			}
			fmt.Fprintf(os.Stderr, "[tool %s] %s\n", status, e.ToolResult)
		}
	case turn.KindCompactionStatus:
		if !r.quiet {
			fmt.Fprintf(os.Stderr, "[compact:%s] %d -> %d tokens\n", e.CompactionTier, e.TokensBefore, e.TokensAfter)
		}
	case turn.KindRetry:
		if !r.quiet {
			fmt.Fprintf(os.Stderr, "[retry] %s, waiting %s\n", e.RetryReason, e.RetryDelay)
		}
	case turn.KindWarning:
		fmt.Fprintln(os.Stderr, "ion: warning:", e.Message)
	case turn.KindError:
		fmt.Fprintln(os.Stderr, "ion: error:", e.Message)
	}
}

// costUpdate is passed to pricing.NewTracker as the live-update callback.
// Only the text renderer surfaces it, and only when not quiet; json
// consumers get the final snapshot from finish instead. stream-json
// output carries no cost figures.
func (r *renderer) costUpdate(snap pricing.CostSnapshot) {
	if r.format != "text" || r.quiet {
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s  %s\n", snap.FormatTokens(), snap.FormatCost())
}

// finish flushes any buffered output and prints a trailing summary.
func (r *renderer) finish(sess *session.Session, snap pricing.CostSnapshot, runErr error) {
	switch r.format {
	case "json":
		out := struct {
			SessionID string `json:"session_id"`
			Model     string `json:"model"`
			Text      string `json:"text"`
			Thinking  string `json:"thinking,omitempty"`
			Cost      string `json:"cost"`
			Tokens    string `json:"tokens"`
			Error     string `json:"error,omitempty"`
		}{
			SessionID: sess.ID,
			Model:     sess.Model,
			Text:      r.buf.text,
			Thinking:  r.buf.thought,
			Cost:      snap.FormatCost(),
			Tokens:    snap.FormatTokens(),
		}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)

	case "stream-json":
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(turn.Event{Kind: turn.KindFinished})

	default: // text
		fmt.Println()
		if !r.quiet {
			fmt.Fprintf(os.Stderr, "%s  %s\n", snap.FormatTokens(), snap.FormatCost())
			fmt.Fprintf(os.Stderr, "session: %s\n", sess.ID)
		}
	}
}
