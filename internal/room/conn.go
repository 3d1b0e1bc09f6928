package room

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lessonlive/internal/protocol"
)

const defaultAckTimeout = 3 * time.Second

var ErrClosed = errors.New("room connection closed")

// Conn is a client's real-time connection to a lesson session. It carries
// microphone control, speech, transcripts and agent replies.
type Conn struct {
	ws         *websocket.Conn
	sessionID  string
	ackTimeout time.Duration

	writeMu sync.Mutex

	mu              sync.Mutex
	waiters         map[string][]chan error
	onTranscript    func(protocol.STTCommitted)
	onAgentResponse func(protocol.AgentResponse)
	onSystemEvent   func(protocol.SystemEvent)

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// WSURL maps an http(s) base URL to the session websocket endpoint.
func WSURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func Dial(ctx context.Context, baseURL, sessionID string) (*Conn, error) {
	wsURL, err := WSURL(baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws url: %w", err)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	c := &Conn{
		ws:         ws,
		sessionID:  sessionID,
		ackTimeout: defaultAckTimeout,
		waiters:    make(map[string][]chan error),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) SessionID() string { return c.sessionID }

// OnTranscript registers the handler for committed transcript fragments.
func (c *Conn) OnTranscript(fn func(protocol.STTCommitted)) {
	c.mu.Lock()
	c.onTranscript = fn
	c.mu.Unlock()
}

func (c *Conn) OnAgentResponse(fn func(protocol.AgentResponse)) {
	c.mu.Lock()
	c.onAgentResponse = fn
	c.mu.Unlock()
}

func (c *Conn) OnSystemEvent(fn func(protocol.SystemEvent)) {
	c.mu.Lock()
	c.onSystemEvent = fn
	c.mu.Unlock()
}

// SetMicrophoneEnabled publishes or unpublishes the microphone and waits for
// the server to acknowledge the change.
func (c *Conn) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	action, ack := protocol.ActionMicDisable, protocol.CodeMicDisabled
	if enabled {
		action, ack = protocol.ActionMicEnable, protocol.CodeMicEnabled
	}

	wait := make(chan error, 1)
	c.mu.Lock()
	c.waiters[ack] = append(c.waiters[ack], wait)
	c.mu.Unlock()

	err := c.write(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: c.sessionID,
		Action:    action,
	})
	if err != nil {
		c.dropWaiter(ack, wait)
		return err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		c.dropWaiter(ack, wait)
		return ctx.Err()
	case <-timer.C:
		c.dropWaiter(ack, wait)
		return fmt.Errorf("%s not acknowledged within %s", action, c.ackTimeout)
	case <-c.done:
		return c.closedErr()
	}
}

// Speak sends speech over the published microphone.
func (c *Conn) Speak(text string) error {
	return c.write(protocol.ClientSpeech{
		Type:      protocol.TypeClientSpeech,
		SessionID: c.sessionID,
		Text:      text,
		TSMs:      time.Now().UnixMilli(),
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.shutdown(ErrClosed)
	return err
}

func (c *Conn) write(msg any) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		c.route(msg)
	}
}

func (c *Conn) route(msg any) {
	switch m := msg.(type) {
	case protocol.STTCommitted:
		c.mu.Lock()
		fn := c.onTranscript
		c.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	case protocol.AgentResponse:
		c.mu.Lock()
		fn := c.onAgentResponse
		c.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	case protocol.SystemEvent:
		c.resolve(m.Code, nil)
		c.mu.Lock()
		fn := c.onSystemEvent
		c.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	case protocol.ErrorEvent:
		// Session errors mean no pending control change will be acknowledged.
		if m.Source == "session" && m.Code != "mic_disabled" {
			err := fmt.Errorf("session error %s: %s", m.Code, m.Detail)
			c.resolve(protocol.CodeMicEnabled, err)
			c.resolve(protocol.CodeMicDisabled, err)
		}
	}
}

func (c *Conn) resolve(code string, err error) {
	c.mu.Lock()
	waiters := c.waiters[code]
	delete(c.waiters, code)
	c.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

func (c *Conn) dropWaiter(code string, target chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[code]
	for i, w := range list {
		if w == target {
			c.waiters[code] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[code]) == 0 {
		delete(c.waiters, code)
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}
