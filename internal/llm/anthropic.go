package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/threatdesk/threatdesk/internal/tools"
	"github.com/threatdesk/threatdesk/pkg/models"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
)

// AnthropicClient talks to the Claude Messages API, either directly or
// through Amazon Bedrock.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a client against the Anthropic API.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// NewBedrockClient creates a client that reaches Claude through Amazon
// Bedrock using the default AWS credentials chain.
func NewBedrockClient(ctx context.Context, region, model string) (*AnthropicClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &AnthropicClient{
		client: anthropic.NewClient(bedrock.WithConfig(awsCfg)),
		model:  model,
	}, nil
}

// Model returns the configured model identifier.
func (c *AnthropicClient) Model() string { return c.model }

// Complete sends the request to the Messages API. Any transport or API error
// is returned as-is; the caller decides how it maps to the error taxonomy.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  projectTranscript(req.Transcript),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		toolParams, err := projectTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}

	resp := &Response{
		StopReason: string(message.StopReason),
		Usage: models.TokenUsage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
			TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			var args map[string]interface{}
			if block.Input != nil {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					log.Warn().Err(err).Str("tool", block.Name).Msg("Undecodable tool input from model")
				}
			}
			if args == nil {
				args = map[string]interface{}{}
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return resp, nil
}

// projectTranscript encodes the role-accurate transcript into the Messages
// API turn-taking contract. Tool results must re-enter under the user role;
// that wire quirk lives here and nowhere else.
func projectTranscript(transcript []models.TranscriptEntry) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(transcript))
	for _, entry := range transcript {
		switch entry.Kind {
		case models.EntryUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(entry.Text)))

		case models.EntryAssistant:
			if entry.Text != "" {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(entry.Text)))
			}

		case models.EntryToolCall:
			call := entry.ToolCall
			var blocks []anthropic.ContentBlockParamUnion
			if entry.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(entry.Text))
			}
			args := call.Arguments
			if args == nil {
				args = map[string]interface{}{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case models.EntryToolResult:
			result := entry.ToolResult
			content := result.Content
			if !result.Success {
				encoded, err := json.Marshal(map[string]interface{}{
					"success": false,
					"error":   result.Message,
				})
				if err == nil {
					content = string(encoded)
				}
			}
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(result.ToolCallID, content, !result.Success),
			))
		}
	}
	return out
}

func projectTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schemaJSON, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema for tool %q: %w", def.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return nil, fmt.Errorf("decoding schema for tool %q: %w", def.Name, err)
		}
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: schema,
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}
