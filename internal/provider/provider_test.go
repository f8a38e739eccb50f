package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioarena/backend/internal/core"
)

func turnRequest() *Request {
	return &Request{
		Model:        "gpt-4o",
		SystemPrompt: "You are a browser-automation agent.",
		UserPrompt:   "Click the go button.",
		Tools:        []string{"navigate", "click"},
	}
}

func TestOpenAIParsesToolCalls(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		// Task tools plus the done tool.
		assert.Len(t, req.Tools, 3)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "clicking now",
					"tool_calls": [
						{"id":"t1","type":"function","function":{"name":"click","arguments":"{\"selector\":\"#go\"}"}},
						{"id":"t2","type":"function","function":{"name":"done","arguments":"{}"}}
					]
				},
				"finish_reason": "tool_calls"
			}]
		}`))
	}))
	defer srv.Close()

	adapter := NewOpenAI()
	adapter.http.SetBaseURL(srv.URL)

	result, err := adapter.Invoke(context.Background(), "sk-test", turnRequest())
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.True(t, result.Done)
	assert.Equal(t, "clicking now", result.Thinking)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "click", result.Actions[0].Tool)
	assert.Equal(t, "#go", result.Actions[0].Args["selector"])
}

func TestOpenAIStopWithoutToolsMeansDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"all finished"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	adapter := NewOpenAI()
	adapter.http.SetBaseURL(srv.URL)

	result, err := adapter.Invoke(context.Background(), "sk-test", turnRequest())
	require.NoError(t, err)
	assert.True(t, result.Done)
	assert.Empty(t, result.Actions)
}

func TestOpenAISkipsMalformedArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {"tool_calls": [
					{"id":"t1","type":"function","function":{"name":"click","arguments":"{not json"}},
					{"id":"t2","type":"function","function":{"name":"scroll","arguments":"{\"dy\":300}"}}
				]},
				"finish_reason": "tool_calls"
			}]
		}`))
	}))
	defer srv.Close()

	adapter := NewOpenAI()
	adapter.http.SetBaseURL(srv.URL)

	result, err := adapter.Invoke(context.Background(), "sk-test", turnRequest())
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "scroll", result.Actions[0].Tool)
}

func TestOpenAIUpstreamErrorIsTransportKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	adapter := NewOpenAI()
	adapter.http.SetBaseURL(srv.URL)

	_, err := adapter.Invoke(context.Background(), "sk-test", turnRequest())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransport))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestAnthropicParsesToolUseBlocks(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [
				{"type":"text","text":"I will type the name"},
				{"type":"tool_use","name":"type","input":{"full_name":"Ada"}}
			],
			"stop_reason": "tool_use"
		}`))
	}))
	defer srv.Close()

	adapter := NewAnthropic()
	adapter.http.SetBaseURL(srv.URL)

	result, err := adapter.Invoke(context.Background(), "ak-test", turnRequest())
	require.NoError(t, err)

	assert.Equal(t, "ak-test", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.False(t, result.Done)
	assert.Equal(t, "I will type the name", result.Thinking)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "type", result.Actions[0].Tool)
	assert.Equal(t, "Ada", result.Actions[0].Args["full_name"])
}

func TestAnthropicEndTurnWithoutToolsMeansDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"finished"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	adapter := NewAnthropic()
	adapter.http.SetBaseURL(srv.URL)

	result, err := adapter.Invoke(context.Background(), "ak-test", turnRequest())
	require.NoError(t, err)
	assert.True(t, result.Done)
}

func TestRegistryRejectsUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "nonesuch", "key", turnRequest())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestRegistryHasBuiltinAdapters(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("openai")
	assert.True(t, ok)
	_, ok = r.Get("anthropic")
	assert.True(t, ok)
}
