package cmd

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/workspacecore/workspacecore/internal/orchestrator"
	"github.com/workspacecore/workspacecore/internal/sse"
)

// mountAgentAPI wires the HTTP surface callers use to drive one conversation's
// agent turn: POST to start a turn and stream its SSE response, DELETE to
// tear the conversation's sandbox down early. Authentication, rate-limiting
// and request tracing are assumed to sit in front of this router as
// middleware, owned elsewhere.
func mountAgentAPI(router chi.Router, orch *orchestrator.Orchestrator) {
	router.Route("/v1/conversations/{conversationID}", func(r chi.Router) {
		r.Post("/execute", executeHandler(orch))
		r.Delete("/", destroyHandler(orch))
	})
}

type executeBody struct {
	UserInput    string                        `json:"user_input"`
	ModelID      string                        `json:"model_id,omitempty"`
	AllowedTools []string                      `json:"allowed_tools,omitempty"`
	MCPServers   []orchestrator.MCPServerConfig `json:"mcp_servers,omitempty"`
	SystemPrompt string                        `json:"system_prompt,omitempty"`
	Environment  map[string]string             `json:"environment,omitempty"`
}

// executeHandler streams one agent turn back to the caller as SSE, tapping
// nothing on this side of the Orchestrator: every side effect (file sync,
// crash recovery) already happened by the time an event reaches this
// handler, so it only needs to reframe and flush.
func executeHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationID")
		tenant := r.Header.Get("X-Tenant-Id")
		if tenant == "" {
			tenant = conversationID
		}

		var body executeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		req := orchestrator.AgentRequest{
			Tenant:         tenant,
			ConversationID: conversationID,
			UserInput:      body.UserInput,
			ModelID:        body.ModelID,
			AllowedTools:   body.AllowedTools,
			MCPServers:     body.MCPServers,
			SystemPrompt:   body.SystemPrompt,
			Environment:    body.Environment,
		}

		events, err := orch.Execute(r.Context(), req)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		var seq int64
		for ev := range events {
			seq++
			ev.Seq = seq
			if err := sse.Encode(w, ev); err != nil {
				log.Printf("sse encode to caller failed for conversation %s: %v", conversationID, err)
				return
			}
			flusher.Flush()
		}
	}
}

func destroyHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationID")
		if err := orch.Destroy(r.Context(), conversationID); err != nil {
			writeOrchestratorError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	var coded *orchestrator.CodedError
	status := http.StatusInternalServerError
	code := orchestrator.CodeInternal
	if errors.As(err, &coded) {
		code = coded.Code
		switch code {
		case orchestrator.CodeShuttingDown:
			status = http.StatusServiceUnavailable
		case orchestrator.CodePoolExhausted, orchestrator.CodeSandboxUnhealthy, orchestrator.CodeAgentDisconnect:
			status = http.StatusBadGateway
		case orchestrator.CodeRegistryUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": string(code), "message": err.Error()})
}
