package httpapi

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/lessonlive/internal/agent"
	"github.com/ent0n29/lessonlive/internal/policy"
	"github.com/ent0n29/lessonlive/internal/protocol"
	"github.com/ent0n29/lessonlive/internal/session"
	"github.com/ent0n29/lessonlive/internal/tasks"
)

const (
	agentCallTimeout = 30 * time.Second
	taskSaveTimeout  = 5 * time.Second
)

type createTaskResponse struct {
	TaskID    string       `json:"task_id"`
	SessionID string       `json:"session_id"`
	Name      string       `json:"name"`
	Status    tasks.Status `json:"status"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))

	var req protocol.TaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if !tasks.KnownName(req.Name) {
		respondError(w, http.StatusBadRequest, "unknown_task", "unsupported task name "+strconv.Quote(req.Name))
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status == session.StatusEnded {
		respondError(w, http.StatusConflict, "session_ended", "session has ended")
		return
	}

	transcript, _ := req.Payload["transcript"].(string)
	redactedTranscript, transcriptChanged := policy.RedactPII(strings.TrimSpace(transcript))
	payload, payloadChanged := policy.RedactPayload(req.Payload)
	if payload == nil {
		payload = map[string]any{}
	}

	now := time.Now().UTC()
	task := tasks.Task{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Name:        req.Name,
		Payload:     payload,
		Transcript:  redactedTranscript,
		PIIRedacted: transcriptChanged || payloadChanged,
		Status:      tasks.StatusDispatched,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveTask(r.Context(), task); err != nil {
		respondError(w, http.StatusInternalServerError, "task_store_failed", err.Error())
		return
	}
	_ = s.sessions.RecordTurn(sess.ID)
	s.metrics.TaskDispatches.WithLabelValues(task.Name).Inc()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.runAgent(task)
	}()

	respondJSON(w, http.StatusAccepted, createTaskResponse{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Name:      task.Name,
		Status:    task.Status,
	})
}

// runAgent asks the agent for a reply and pushes it to the session's
// connections. The reply is what the client treats as "response arrived".
func (s *Server) runAgent(task tasks.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.agentTimeout)
	defer cancel()

	started := time.Now()
	resp, err := s.agent.Respond(ctx, agent.Request{
		SessionID:  task.SessionID,
		TaskID:     task.ID,
		TaskName:   task.Name,
		Transcript: task.Transcript,
		Payload:    task.Payload,
	}, nil)

	task.UpdatedAt = time.Now().UTC()
	if err != nil {
		log.Printf("httpapi: agent failed for task %s (%s): %v", task.ID, task.Name, err)
		s.metrics.AgentErrors.WithLabelValues(task.Name).Inc()
		task.Status = tasks.StatusFailed
		task.Error = err.Error()
		s.hub.Publish(task.SessionID, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: task.SessionID,
			Code:      "agent_failed",
			Source:    "agent",
			Retryable: true,
			Detail:    err.Error(),
		})
	} else {
		s.metrics.ObserveAgentLatency(time.Since(started))
		task.Status = tasks.StatusAnswered
		task.Reply = resp.Text
		s.hub.Publish(task.SessionID, protocol.AgentResponse{
			Type:      protocol.TypeAgentResponse,
			SessionID: task.SessionID,
			TaskID:    task.ID,
			TaskName:  task.Name,
			Text:      resp.Text,
		})
	}

	// The agent may have used up its deadline; the outcome still gets recorded.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), taskSaveTimeout)
	defer saveCancel()
	if err := s.store.SaveTask(saveCtx, task); err != nil {
		log.Printf("httpapi: update task %s failed: %v", task.ID, err)
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := s.store.ListTasksBySession(r.Context(), sessionID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "task_store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": items})
}
