package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/provider"
	"github.com/aioarena/backend/internal/tasks"
	"github.com/aioarena/backend/internal/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("test-process-secret")
	require.NoError(t, err)
	return v
}

func testTask() *tasks.Task {
	return &tasks.Task{
		ID:             "t1",
		Name:           "Test Task",
		SystemPrompt:   "system",
		TaskPrompt:     "do the thing",
		StartURL:       "https://tasks.example.com/t1",
		Method:         tasks.MethodTime,
		MaxScore:       1000,
		TimeLimit:      time.Minute,
		MaxTurns:       5,
		AvailableTools: []string{"click", "type"},
	}
}

func webhookAgent(url, secret string) *core.Agent {
	return &core.Agent{
		ID:            "a1",
		Name:          "Tester",
		Kind:          core.AgentKindWebhook,
		WebhookURL:    url,
		WebhookSecret: secret,
	}
}

func TestGuardURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"public https", "https://agent.example.com/turn", true},
		{"public http", "http://agent.example.com/turn", true},
		{"bad scheme", "ftp://agent.example.com", false},
		{"loopback v4", "http://127.0.0.1/turn", false},
		{"loopback range", "http://127.8.4.2/turn", false},
		{"loopback v6 short", "http://[::1]/turn", false},
		{"loopback v6 long", "http://[0:0:0:0:0:0:0:1]/turn", false},
		{"private 10", "http://10.1.2.3/turn", false},
		{"private 172", "http://172.16.0.9/turn", false},
		{"private 192", "http://192.168.1.1/turn", false},
		{"link local", "http://169.254.169.254/latest", false},
		{"unspecified", "http://0.0.0.0/turn", false},
		{"localhost", "http://localhost:8080/turn", false},
		{"gcp metadata", "http://metadata.google.internal/computeMetadata", false},
		{"metadata goog", "https://metadata.goog/x", false},
		{"empty host", "http:///turn", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := GuardURL(tt.url)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, core.IsKind(err, core.KindValidation))
				assert.Contains(t, err.Error(), "public HTTPS endpoint")
			}
		})
	}
}

func TestWebhookDispatchHappyPath(t *testing.T) {
	secret := "shared-secret"
	var gotPayload TurnPayload
	var gotSig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotPayload))
		gotSig = r.Header.Get("X-AIO-Signature")
		assert.True(t, vault.VerifySignature(body, gotSig, secret))
		assert.Empty(t, r.Header.Get("X-AIO-Test"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"thinking": "clicking go",
			"actions":  []map[string]interface{}{{"tool": "click", "selector": "#go"}},
			"done":     true,
		})
	}))
	defer srv.Close()

	d := New(testVault(t), provider.NewRegistry(), time.Second)
	agent := webhookAgent(srv.URL, secret)

	result, err := d.Dispatch(context.Background(), agent, "c1", testTask(), &core.TurnState{TurnNumber: 1})
	require.NoError(t, err)

	assert.True(t, result.Done)
	assert.Equal(t, "clicking go", result.Thinking)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "click", result.Actions[0].Tool)
	assert.Equal(t, "#go", result.Actions[0].Args["selector"])

	assert.Equal(t, PayloadVersion, gotPayload.Version)
	assert.Equal(t, "a1", gotPayload.AgentID)
	assert.Equal(t, "c1", gotPayload.CompetitionID)
	assert.Equal(t, "do the thing", gotPayload.Task.TaskPrompt)
	assert.Equal(t, "https://tasks.example.com/t1", gotPayload.PageState.URL)
	assert.NotNil(t, gotPayload.PreviousActions)
	assert.True(t, strings.HasPrefix(gotSig, "sha256="))
}

func TestWebhookUnsignedWhenNoSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, vault.NoSignature, r.Header.Get("X-AIO-Signature"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := New(testVault(t), provider.NewRegistry(), time.Second)
	result, err := d.Dispatch(context.Background(), webhookAgent(srv.URL, ""), "c1", testTask(), &core.TurnState{})
	require.NoError(t, err)

	// missing arrays are empty, missing flags are false
	assert.False(t, result.Done)
	assert.NotNil(t, result.Actions)
	assert.Empty(t, result.Actions)
}

func TestSandboxSetsTestHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.Header.Get("X-AIO-Test"))
		w.Write([]byte(`{"done":true}`))
	}))
	defer srv.Close()

	d := New(testVault(t), provider.NewRegistry(), time.Second)
	_, err := d.DispatchSandbox(context.Background(), webhookAgent(srv.URL, "s"), testTask(), &core.TurnState{})
	require.NoError(t, err)
}

func TestWebhookBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(testVault(t), provider.NewRegistry(), time.Second)
	_, err := d.Dispatch(context.Background(), webhookAgent(srv.URL, ""), "c1", testTask(), &core.TurnState{})
	require.Error(t, err)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, FailBadStatus, de.Kind)
	assert.Equal(t, http.StatusBadGateway, de.StatusCode)
}

func TestWebhookTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	d := New(testVault(t), provider.NewRegistry(), 50*time.Millisecond)
	_, err := d.Dispatch(context.Background(), webhookAgent(srv.URL, ""), "c1", testTask(), &core.TurnState{})
	require.Error(t, err)
	assert.Equal(t, FailTimeout, KindOf(err))
}

func TestWebhookInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	d := New(testVault(t), provider.NewRegistry(), time.Second)
	_, err := d.Dispatch(context.Background(), webhookAgent(srv.URL, ""), "c1", testTask(), &core.TurnState{})
	assert.Equal(t, FailInvalidResponse, KindOf(err))
}

func TestWebhookOversizeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"thinking":"`))
		w.Write([]byte(strings.Repeat("x", MaxResponseBytes)))
		w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	d := New(testVault(t), provider.NewRegistry(), 5*time.Second)
	_, err := d.Dispatch(context.Background(), webhookAgent(srv.URL, ""), "c1", testTask(), &core.TurnState{})
	assert.Equal(t, FailInvalidResponse, KindOf(err))
}

func TestSSRFRejectedBeforeAnyRequest(t *testing.T) {
	d := New(testVault(t), provider.NewRegistry(), time.Second)

	_, err := d.Dispatch(context.Background(), webhookAgent("http://169.254.169.254/latest", ""), "c1", testTask(), &core.TurnState{})
	require.Error(t, err)
	// validation, not a tagged transport failure: the guard fired before
	// the HTTP client was touched
	assert.True(t, core.IsKind(err, core.KindValidation))
	var de *Error
	assert.False(t, errors.As(err, &de))
}

func TestAPIKeyDecryptFailureIsFatal(t *testing.T) {
	d := New(testVault(t), provider.NewRegistry(), time.Second)
	agent := &core.Agent{
		ID:              "a2",
		Kind:            core.AgentKindAPIKey,
		Provider:        "openai",
		Model:           "gpt-test",
		EncryptedAPIKey: "garbage-blob",
	}

	_, err := d.Dispatch(context.Background(), agent, "c1", testTask(), &core.TurnState{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindEncryption))
}

func TestUnknownAgentKind(t *testing.T) {
	d := New(testVault(t), provider.NewRegistry(), time.Second)
	_, err := d.Dispatch(context.Background(), &core.Agent{ID: "a3", Kind: "carrier_pigeon"}, "c1", testTask(), &core.TurnState{})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestPreviousActionsCarriedForward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p TurnPayload
		json.NewDecoder(r.Body).Decode(&p)
		require.Len(t, p.PreviousActions, 1)
		assert.Equal(t, "navigate", p.PreviousActions[0].Tool)
		assert.Equal(t, 3, p.TurnNumber)
		w.Write([]byte(`{"done":false}`))
	}))
	defer srv.Close()

	d := New(testVault(t), provider.NewRegistry(), time.Second)
	state := &core.TurnState{
		URL:             "https://tasks.example.com/t1/page2",
		PreviousActions: []core.AgentAction{{Tool: "navigate", Args: map[string]interface{}{"url": "/page2"}}},
		TurnNumber:      3,
	}
	result, err := d.Dispatch(context.Background(), webhookAgent(srv.URL, ""), "c1", testTask(), state)
	require.NoError(t, err)
	assert.False(t, result.Done)
}
