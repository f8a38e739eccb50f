package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// OPENAI ADAPTER - Chat Completions with tool calls
// ============================================================================

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAI drives agents backed by the Chat Completions API. Compatible
// endpoints (Azure OpenAI, Groq, Together, vLLM) share this schema.
type OpenAI struct {
	http *resty.Client
}

// NewOpenAI creates the adapter with its own pooled client.
func NewOpenAI() *OpenAI {
	return &OpenAI{
		http: resty.New().
			SetBaseURL(openAIBaseURL).
			SetTimeout(20 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

func (o *OpenAI) Name() string { return "openai" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIToolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model      string          `json:"model"`
	Messages   []openAIMessage `json:"messages"`
	Tools      []openAIToolDef `json:"tools,omitempty"`
	ToolChoice string          `json:"tool_choice,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke calls chat/completions and parses the tool-call sequence.
func (o *OpenAI) Invoke(ctx context.Context, apiKey string, req *Request) (*core.TurnResult, error) {
	body := openAIRequest{
		Model: req.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Tools:      toolDefs(req.Tools),
		ToolChoice: "auto",
	}

	var parsed openAIResponse
	resp, err := o.http.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetBody(body).
		SetResult(&parsed).
		Post("/chat/completions")
	if err != nil {
		return nil, core.WrapError(core.KindTransport, err, "openai call failed")
	}
	if resp.StatusCode() != http.StatusOK {
		msg := resp.String()
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, core.NewError(core.KindTransport, "openai status %d: %s", resp.StatusCode(), msg)
	}
	if len(parsed.Choices) == 0 {
		return nil, core.NewError(core.KindTransport, "openai returned no choices")
	}

	choice := parsed.Choices[0]
	result := &core.TurnResult{
		Thinking:    choice.Message.Content,
		RawResponse: resp.String(),
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == DoneTool {
			result.Done = true
			continue
		}
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			// Malformed arguments drop the single call, not the turn.
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				continue
			}
		}
		result.Actions = append(result.Actions, core.AgentAction{Tool: tc.Function.Name, Args: args})
	}
	if choice.FinishReason == "stop" && len(choice.Message.ToolCalls) == 0 {
		result.Done = true
	}
	return result, nil
}

// toolDefs renders the task tools plus the done tool as function
// definitions with an open argument schema.
func toolDefs(tools []string) []openAIToolDef {
	defs := make([]openAIToolDef, 0, len(tools)+1)
	for _, name := range append(append([]string{}, tools...), DoneTool) {
		var def openAIToolDef
		def.Type = "function"
		def.Function.Name = name
		def.Function.Description = toolDescription(name)
		def.Function.Parameters = map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
		defs = append(defs, def)
	}
	return defs
}

func toolDescription(name string) string {
	if name == DoneTool {
		return "Call when the task is complete."
	}
	return fmt.Sprintf("Browser action: %s.", name)
}
