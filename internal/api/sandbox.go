package api

import (
	"net/http"
	"time"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/dispatch"
)

type sandboxRequest struct {
	TaskID string `json:"taskId,omitempty"`
}

// sandboxResponse is the shape of a test run: one dispatch, no rating
// or market side effects.
type sandboxResponse struct {
	Success        bool                  `json:"success"`
	AgentType      string                `json:"agentType"`
	Task           string                `json:"task"`
	AgentResponse  *core.TurnResult      `json:"agentResponse,omitempty"`
	Error          string                `json:"error,omitempty"`
	ResponseTimeMs int64                 `json:"responseTime"`
	RequestPayload *dispatch.TurnPayload `json:"requestPayload"`
}

// handleSandbox runs one turn against a task of the caller's choosing
// (default: the first registered task).
func (s *Server) handleSandbox(w http.ResponseWriter, r *http.Request) {
	agentID := pathID(r)
	agent, err := s.store.LoadAgent(r.Context(), agentID)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}

	var req sandboxRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeKindError(w, err, nil)
			return
		}
	}
	taskID := req.TaskID
	if taskID == "" {
		if list := s.registry.List(); len(list) > 0 {
			taskID = list[0].ID
		}
	}
	task, ok := s.registry.Get(taskID)
	if !ok {
		writeKindError(w, core.NewValidation("unknown task %s", taskID), nil)
		return
	}

	state := &core.TurnState{URL: task.StartURL, TurnNumber: 1}
	payload := dispatch.BuildPayload(agent, "sandbox", task, state)

	started := time.Now()
	result, err := s.sandbox.DispatchSandbox(r.Context(), agent, task, state)
	elapsed := time.Since(started).Milliseconds()

	resp := sandboxResponse{
		AgentType:      string(agent.Kind),
		Task:           task.Name,
		ResponseTimeMs: elapsed,
		RequestPayload: payload,
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Success = true
	resp.AgentResponse = result
	writeJSON(w, http.StatusOK, resp)
}
