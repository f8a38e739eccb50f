package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// ANTHROPIC ADAPTER - Messages API with tool_use blocks
// ============================================================================

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	anthropicMaxTok  = 1024
)

// Anthropic drives agents backed by the Messages API.
type Anthropic struct {
	http *resty.Client
}

// NewAnthropic creates the adapter with its own pooled client.
func NewAnthropic() *Anthropic {
	return &Anthropic{
		http: resty.New().
			SetBaseURL(anthropicBaseURL).
			SetTimeout(20 * time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("anthropic-version", anthropicVersion),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    string `json:"system,omitempty"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Tools []anthropicTool `json:"tools,omitempty"`
}

type anthropicContent struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke calls /messages and parses tool_use blocks.
func (a *Anthropic) Invoke(ctx context.Context, apiKey string, req *Request) (*core.TurnResult, error) {
	body := anthropicRequest{
		Model:     req.Model,
		MaxTokens: anthropicMaxTok,
		System:    req.SystemPrompt,
		Tools:     a.toolDefs(req.Tools),
	}
	body.Messages = append(body.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: req.UserPrompt})

	var parsed anthropicResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("x-api-key", apiKey).
		SetBody(body).
		SetResult(&parsed).
		Post("/messages")
	if err != nil {
		return nil, core.WrapError(core.KindTransport, err, "anthropic call failed")
	}
	if resp.StatusCode() != http.StatusOK {
		msg := resp.String()
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, core.NewError(core.KindTransport, "anthropic status %d: %s", resp.StatusCode(), msg)
	}

	result := &core.TurnResult{RawResponse: resp.String()}
	toolUses := 0
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			if result.Thinking == "" {
				result.Thinking = block.Text
			}
		case "tool_use":
			toolUses++
			if block.Name == DoneTool {
				result.Done = true
				continue
			}
			args := block.Input
			if args == nil {
				args = map[string]interface{}{}
			}
			result.Actions = append(result.Actions, core.AgentAction{Tool: block.Name, Args: args})
		}
	}
	if parsed.StopReason == "end_turn" && toolUses == 0 {
		result.Done = true
	}
	return result, nil
}

func (a *Anthropic) toolDefs(tools []string) []anthropicTool {
	defs := make([]anthropicTool, 0, len(tools)+1)
	for _, name := range append(append([]string{}, tools...), DoneTool) {
		defs = append(defs, anthropicTool{
			Name:        name,
			Description: toolDescription(name),
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": true,
			},
		})
	}
	return defs
}
