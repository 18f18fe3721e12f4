// Package agent drives the bounded tool-calling conversation between the
// model runtime and the tool dispatcher.
//
// The loop is strictly sequential: one model call, then any requested tool
// executions, then the next model call. The iteration cap is the termination
// guarantee; an adversarial model that always requests a tool still sees at
// most MaxIterations model calls.
package agent

import (
	"context"
	"time"

	"github.com/threatdesk/threatdesk/internal/llm"
	"github.com/threatdesk/threatdesk/internal/tools"
	"github.com/threatdesk/threatdesk/pkg/apperr"
	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/rs/zerolog/log"
)

// DefaultMaxIterations bounds model calls per request.
const DefaultMaxIterations = 10

// Stop reasons surfaced in response metadata.
const (
	StopFinalAnswer   = "final_answer"
	StopMaxIterations = "max_iterations"
)

// truncationFallback stands in for the final answer when the cap is reached
// and no iteration produced any text. Durable history never carries an empty
// assistant turn.
const truncationFallback = "I could not finish answering within the allowed number of steps. Please retry with a narrower question."

// Result is the outcome of one loop execution.
type Result struct {
	// FinalText is the answer surfaced to the caller. On truncation this is
	// the last model output, even when that output still requested a tool.
	FinalText  string
	StopReason string
	Iterations int
	Usage      models.TokenUsage
	// Transcript is the full role-accurate working transcript, including the
	// tool traffic that never reaches durable storage.
	Transcript []models.TranscriptEntry
	ToolsUsed  []string
}

// Options tune one loop execution.
type Options struct {
	System        string
	MaxIterations int
	MaxTokens     int64
	Temperature   float64
}

// Loop orchestrates the model runtime and the tool dispatcher.
type Loop struct {
	client     llm.Client
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
}

// NewLoop creates a loop controller.
func NewLoop(client llm.Client, registry *tools.Registry, dispatcher *tools.Dispatcher) *Loop {
	return &Loop{client: client, registry: registry, dispatcher: dispatcher}
}

// Run executes the loop over the given working transcript. The transcript
// already ends with the new user entry. Transport failures from the model
// runtime abort the loop with a ModelRuntime error; tool failures stay
// in-band and never abort.
func (l *Loop) Run(ctx context.Context, transcript []models.TranscriptEntry, opts Options) (*Result, error) {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	start := time.Now()
	defs := l.registry.Definitions()

	var (
		usage     models.TokenUsage
		lastText  string
		toolsUsed []string
	)

	for iteration := 1; iteration <= maxIterations; iteration++ {
		resp, err := l.client.Complete(ctx, &llm.Request{
			System:      opts.System,
			Transcript:  transcript,
			Tools:       defs,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		})
		if err != nil {
			return nil, apperr.ModelRuntime(err)
		}
		usage.Add(resp.Usage)
		if resp.Text != "" {
			lastText = resp.Text
		}

		if !resp.WantsTools() {
			log.Info().
				Str("model", l.client.Model()).
				Int("iterations", iteration).
				Int64("total_ms", time.Since(start).Milliseconds()).
				Msg("Agent loop complete")

			transcript = append(transcript, models.AssistantEntry(resp.Text))
			return &Result{
				FinalText:  resp.Text,
				StopReason: StopFinalAnswer,
				Iterations: iteration,
				Usage:      usage,
				Transcript: transcript,
				ToolsUsed:  toolsUsed,
			}, nil
		}

		// Tool calls execute sequentially; each call and its result become
		// role-accurate transcript entries fed back to the model.
		for i, call := range resp.ToolCalls {
			entry := models.TranscriptEntry{Kind: models.EntryToolCall, ToolCall: &resp.ToolCalls[i]}
			if i == 0 {
				entry.Text = resp.Text
			}
			transcript = append(transcript, entry)

			result := l.dispatcher.Execute(ctx, call)
			transcript = append(transcript, models.TranscriptEntry{
				Kind:       models.EntryToolResult,
				ToolResult: &result,
			})
			toolsUsed = append(toolsUsed, call.Name)
		}

		log.Debug().
			Int("iteration", iteration).
			Int("tool_calls", len(resp.ToolCalls)).
			Msg("Agent loop continuing")
	}

	// Cap reached without a final answer. Terminate deterministically with
	// the last model output rather than erroring.
	log.Warn().
		Str("model", l.client.Model()).
		Int("max_iterations", maxIterations).
		Msg("Agent loop hit iteration cap")

	if lastText == "" {
		lastText = truncationFallback
	}
	transcript = append(transcript, models.AssistantEntry(lastText))
	return &Result{
		FinalText:  lastText,
		StopReason: StopMaxIterations,
		Iterations: maxIterations,
		Usage:      usage,
		Transcript: transcript,
		ToolsUsed:  toolsUsed,
	}, nil
}
