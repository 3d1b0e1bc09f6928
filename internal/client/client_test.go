package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/lessonlive/internal/protocol"
)

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sessions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"session_id":"s1","room":"` + req["room"] + `","status":"active"}`))
	}))
	defer srv.Close()

	got, err := New(srv.URL+"/", nil).CreateSession(context.Background(), "u1", "lesson-7")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got.SessionID != "s1" || got.Room != "lesson-7" {
		t.Fatalf("CreateSession() = %+v", got)
	}
}

func TestCreateSessionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := New(srv.URL, nil).CreateSession(context.Background(), "u1", "r"); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("CreateSession() error = %v, want HTTP 400", err)
	}
}

func TestStatusURL(t *testing.T) {
	got := New("http://x.test/", nil).StatusURL("room a")
	if got != "http://x.test/api/sessions/status?room=room+a" {
		t.Fatalf("StatusURL() = %q", got)
	}
}

func fastTasks(c *Client, id string) *TaskClient {
	tc := c.Tasks(func() string { return id })
	tc.baseBackoff = time.Millisecond
	tc.maxBackoff = 2 * time.Millisecond
	return tc
}

func TestStartTaskRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	var gotName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/api/sessions/s1/tasks" {
			http.NotFound(w, r)
			return
		}
		var req protocol.TaskRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotName = req.Name
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := fastTasks(New(srv.URL, nil), "s1").StartTask(context.Background(), protocol.TaskStudentSpokeOrActed, map[string]any{"transcript": "hi"})
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if gotName != protocol.TaskStudentSpokeOrActed {
		t.Fatalf("task name = %q", gotName)
	}
}

func TestStartTaskDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown task", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := fastTasks(New(srv.URL, nil), "s1").StartTask(context.Background(), "bogus", nil)
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("StartTask() error = %v, want HTTP 400", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestStartTaskGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := fastTasks(New(srv.URL, nil), "s1").StartTask(context.Background(), "x", nil); err == nil {
		t.Fatalf("StartTask() expected error")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestStartTaskWithoutSession(t *testing.T) {
	err := fastTasks(New("http://unused.test", nil), " ").StartTask(context.Background(), "x", nil)
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("StartTask() error = %v, want ErrNoSession", err)
	}
}
