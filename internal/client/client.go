package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/lessonlive/internal/protocol"
	"github.com/ent0n29/lessonlive/internal/reliability"
	"github.com/ent0n29/lessonlive/internal/session"
)

var ErrNoSession = errors.New("no session to dispatch to")

// Client talks to the lesson service REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    httpClient,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// StatusURL is the room status lookup used to recover a session id.
func (c *Client) StatusURL(room string) string {
	return c.baseURL + "/api/sessions/status?room=" + url.QueryEscape(room)
}

func (c *Client) CreateSession(ctx context.Context, userID, room string) (session.CreateResponse, error) {
	payload, err := json.Marshal(session.CreateRequest{UserID: userID, Room: room})
	if err != nil {
		return session.CreateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(payload))
	if err != nil {
		return session.CreateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return session.CreateResponse{}, errors.New("missing session_id in response")
	}
	return out, nil
}

// TaskClient dispatches push-to-talk tasks for the current session.
type TaskClient struct {
	client      *Client
	sessionID   func() string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func (c *Client) Tasks(sessionID func() string) *TaskClient {
	return &TaskClient{
		client:      c,
		sessionID:   sessionID,
		maxAttempts: 3,
		baseBackoff: 150 * time.Millisecond,
		maxBackoff:  time.Second,
	}
}

// StartTask posts a task, retrying transient failures with capped backoff.
func (t *TaskClient) StartTask(ctx context.Context, name string, payload map[string]any) error {
	id := strings.TrimSpace(t.sessionID())
	if id == "" {
		return ErrNoSession
	}
	body, err := json.Marshal(protocol.TaskRequest{Name: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	target := t.client.baseURL + "/api/sessions/" + url.PathEscape(id) + "/tasks"

	var lastErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, t.baseBackoff, t.maxBackoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		retry, err := t.post(ctx, target, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		log.Printf("client: start task %s attempt %d failed: %v", name, attempt+1, err)
	}
	return fmt.Errorf("start task %s: %w", name, lastErr)
}

func (t *TaskClient) post(ctx context.Context, target string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.client.http.Do(req)
	if err != nil {
		return reliability.IsRetryableError(err), err
	}
	defer res.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return false, nil
	}
	return reliability.IsRetryableHTTPStatus(res.StatusCode),
		fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(respBody)))
}
