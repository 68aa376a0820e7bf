package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/tools"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Client implements triage.Provider on the Anthropic Messages API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// Option configures a Client.
type Option func(*settings)

type settings struct {
	baseURL    string
	maxRetries int
	timeout    time.Duration
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(u string) Option { return func(s *settings) { s.baseURL = u } }

// WithMaxRetries sets how many times the SDK retries transient failures.
func WithMaxRetries(n int) Option { return func(s *settings) { s.maxRetries = n } }

// WithHTTPTimeout bounds a single HTTP exchange with the API.
func WithHTTPTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// New creates a Claude client for the given API key and model name.
func New(apiKey, model string, opts ...Option) *Client {
	s := settings{maxRetries: 2, timeout: 120 * time.Second}
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
		option.WithHTTPClient(&http.Client{
			Timeout:   s.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}

	return &Client{
		sdk:   anthropic.NewClient(reqOpts...),
		model: model,
	}
}

// Send performs one Messages API call.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toSDKTools(req.Tools)
	}
	if req.ToolChoice != "" {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice},
		}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []triage.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case "tool_use":
				var input any = json.RawMessage(b.Input)
				if len(b.Input) == 0 {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case "tool_result":
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}
	return out
}

// toSDKTools converts tool definitions, splitting the JSON Schema into the
// properties/required pair the SDK expects.
func toSDKTools(defs []tools.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		_ = json.Unmarshal(d.InputSchema, &schema)

		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *triage.LLMResponse {
	out := &triage.LLMResponse{
		StopReason: triage.StopReason(msg.StopReason),
		Model:      string(msg.Model),
		Usage: triage.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Content: make([]triage.ContentBlock, 0, len(msg.Content)),
	}
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			out.Content = append(out.Content, triage.ContentBlock{Type: "text", Text: b.Text})
		case "tool_use":
			out.Content = append(out.Content, triage.ContentBlock{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		}
	}
	return out
}
