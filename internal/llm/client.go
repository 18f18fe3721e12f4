// Package llm abstracts the generative model runtime behind a small client
// interface. The rest of the codebase works with the role-accurate transcript
// from pkg/models; projecting it to the runtime's wire encoding (tool results
// re-entering under the user role slot) happens only inside this package.
package llm

import (
	"context"

	"github.com/threatdesk/threatdesk/internal/tools"
	"github.com/threatdesk/threatdesk/pkg/models"
)

// Request is one model invocation: system instructions, the working
// transcript, and the tool surface.
type Request struct {
	System      string
	Transcript  []models.TranscriptEntry
	Tools       []tools.Definition
	MaxTokens   int64
	Temperature float64
}

// Response is the model's reply. ToolCalls non-empty means the model wants
// tool execution before it can answer; Text carries any text emitted so far.
type Response struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason string
	Usage      models.TokenUsage
}

// WantsTools reports whether the model requested tool execution.
func (r *Response) WantsTools() bool { return len(r.ToolCalls) > 0 }

// Client sends transcripts to a model runtime. Transport-level failures are
// returned as errors and abort the caller's loop; they are never converted
// into in-band results.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Model() string
}
