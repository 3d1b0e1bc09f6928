package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/lessonlive/internal/agent"
	"github.com/ent0n29/lessonlive/internal/config"
	"github.com/ent0n29/lessonlive/internal/observability"
	"github.com/ent0n29/lessonlive/internal/protocol"
	"github.com/ent0n29/lessonlive/internal/session"
	"github.com/ent0n29/lessonlive/internal/tasks"
)

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	hub       *session.Hub
	store     tasks.Store
	storeMode string
	agent     agent.Adapter
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader

	agentTimeout time.Duration

	// inflight tracks agent calls started by task dispatches.
	inflight sync.WaitGroup
}

type Deps struct {
	Sessions  *session.Manager
	Hub       *session.Hub
	Store     tasks.Store
	StoreMode string
	Agent     agent.Adapter
	Metrics   *observability.Metrics
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = session.NewHub()
	}
	if deps.Store == nil {
		deps.Store = tasks.NewInMemoryStore()
		deps.StoreMode = "in-memory"
	}
	if deps.Agent == nil {
		deps.Agent = agent.NewMockAdapter()
	}
	return &Server{
		cfg:          cfg,
		sessions:     deps.Sessions,
		hub:          deps.Hub,
		store:        deps.Store,
		storeMode:    deps.StoreMode,
		agent:        deps.Agent,
		metrics:      deps.Metrics,
		agentTimeout: agentCallTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/status", s.handleSessionStatus)
		r.Get("/ws", s.handleSessionWS)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
		// Beacons can only POST; they carry the method in the query.
		r.Post("/{id}", s.handleSessionOverride)
		r.Post("/{id}/tasks", s.handleCreateTask)
		r.Get("/{id}/tasks", s.handleListTasks)
	})

	return r
}

// Drain waits for in-flight agent calls to finish or ctx to expire.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"task_store_mode": s.storeMode,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess := s.sessions.Create(req.UserID, req.Room)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Room:            sess.Room,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
		GracePeriodMS:   s.sessions.GracePeriod().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		respondError(w, http.StatusBadRequest, "missing_room", "query parameter room is required")
		return
	}
	sess, err := s.sessions.LookupByRoom(room)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.StatusResponse{
		SessionID: sess.ID,
		Room:      sess.Room,
		Status:    sess.Status,
	})
}

func (s *Server) handleSessionOverride(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.URL.Query().Get("_method"), http.MethodDelete) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST requires _method=DELETE")
		return
	}
	s.deleteSession(w, r, "beacon")
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.deleteSession(w, r, "delete")
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, transport string) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	force := strings.EqualFold(r.URL.Query().Get("force"), "true")
	mode := "graceful"
	if force {
		mode = "forced"
	}

	sess, err := s.sessions.Delete(id, force)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionDeletions.WithLabelValues(transport, mode).Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	code := protocol.CodeSessionEnding
	if sess.Status == session.StatusEnded {
		code = protocol.CodeSessionEnded
		s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	} else {
		s.metrics.SessionEvents.WithLabelValues("ending").Inc()
	}
	s.hub.Publish(sess.ID, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sess.ID,
		Code:      code,
		Detail:    mode,
	})
	log.Printf("httpapi: session %s released via %s (%s)", sess.ID, transport, mode)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status == session.StatusEnded {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.hub.Subscribe(sessionID, 64)
	defer unsubscribe()
	outbound := make(chan any, 64)

	if _, resumed, err := s.sessions.Reconnect(sessionID); err == nil && resumed {
		s.metrics.SessionEvents.WithLabelValues("resumed").Inc()
		outbound <- protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sessionID,
			Code:      protocol.CodeSessionResumed,
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case m, ok := <-events:
				if !ok {
					return
				}
				msg = m
			case m := <-outbound:
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	send := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		for _, reply := range s.handleClientMessage(sessionID, parsed) {
			send(reply)
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// handleClientMessage applies one inbound message and returns the replies for
// the sending connection.
func (s *Server) handleClientMessage(sessionID string, msg any) []any {
	switch m := msg.(type) {
	case protocol.ClientControl:
		enabled := m.Action == protocol.ActionMicEnable
		if err := s.sessions.SetMicEnabled(sessionID, enabled); err != nil {
			return []any{sessionError(sessionID, "session_not_found", err.Error())}
		}
		code := protocol.CodeMicDisabled
		if enabled {
			code = protocol.CodeMicEnabled
		}
		return []any{protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: code}}
	case protocol.ClientSpeech:
		sess, err := s.sessions.Get(sessionID)
		if err != nil {
			return []any{sessionError(sessionID, "session_not_found", err.Error())}
		}
		if !sess.MicEnabled {
			// A muted microphone publishes nothing.
			return []any{sessionError(sessionID, "mic_disabled", "speech received while microphone is disabled")}
		}
		_ = s.sessions.Touch(sessionID)
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return nil
		}
		ts := m.TSMs
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		return []any{protocol.STTCommitted{
			Type:      protocol.TypeSTTCommitted,
			SessionID: sessionID,
			Text:      text,
			TSMs:      ts,
		}}
	default:
		return nil
	}
}

func sessionError(sessionID, code, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "session",
		Detail:    detail,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientSpeech:
		return m.Type, true
	case protocol.STTCommitted:
		return m.Type, true
	case protocol.AgentResponse:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
