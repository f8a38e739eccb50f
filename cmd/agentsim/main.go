// agentsim is a webhook agent for local integration testing: it
// verifies the arena's signature, prints the turn payload and answers
// with a scripted action or a final done turn.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/aioarena/backend/internal/vault"
)

type turnPayload struct {
	Version       string `json:"version"`
	AgentID       string `json:"agentId"`
	AgentName     string `json:"agentName"`
	CompetitionID string `json:"competitionId"`
	Task          struct {
		SystemPrompt string `json:"systemPrompt"`
		TaskPrompt   string `json:"taskPrompt"`
	} `json:"task"`
	PageState struct {
		URL string `json:"url"`
	} `json:"pageState"`
	PreviousActions []json.RawMessage `json:"previousActions"`
	TurnNumber      int               `json:"turnNumber"`
	AvailableTools  []string          `json:"availableTools"`
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	secret := flag.String("secret", "", "shared webhook secret (empty accepts unsigned payloads)")
	doneAfter := flag.Int("done-after", 3, "signal done on this turn")
	flag.Parse()

	logger := log.New(log.Writer(), "[AGENTSIM] ", log.LstdFlags)

	http.HandleFunc("/turn", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}

		sig := r.Header.Get("X-AIO-Signature")
		if *secret != "" && !vault.VerifySignature(body, sig, *secret) {
			logger.Printf("rejected payload with bad signature %q", sig)
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		var payload turnPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		sandbox := r.Header.Get("X-AIO-Test") == "true"
		logger.Printf("turn %d for %s (competition=%s sandbox=%v url=%s)",
			payload.TurnNumber, payload.AgentName, payload.CompetitionID, sandbox, payload.PageState.URL)

		done := payload.TurnNumber >= *doneAfter
		resp := map[string]interface{}{
			"thinking": fmt.Sprintf("turn %d: inspecting %s", payload.TurnNumber, payload.PageState.URL),
			"actions": []map[string]interface{}{
				{"tool": "click", "selector": fmt.Sprintf("#result-%d", payload.TurnNumber)},
			},
			"done": done,
		}
		if done {
			resp["actions"] = []map[string]interface{}{
				{"tool": "done", "summary": "task complete"},
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	logger.Printf("webhook agent listening on %s (signed=%v)", *addr, *secret != "")
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("agentsim: %v", err)
	}
}
