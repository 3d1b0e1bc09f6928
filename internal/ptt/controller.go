package ptt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/lessonlive/internal/protocol"
)

const DefaultAwaitTimeout = 2 * time.Second

var ErrNoRoom = errors.New("push-to-talk requires a connected room")

// Room is the part of the real-time transport the controller drives.
type Room interface {
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
}

// TaskDispatcher submits a task to the downstream agent.
type TaskDispatcher interface {
	StartTask(ctx context.Context, name string, payload map[string]any) error
}

// AudioElement is an attached agent playback output. The controller only
// toggles its volume; attachment and lifetime belong to the playback side.
type AudioElement interface {
	SetVolume(v float64)
}

// State receives UI state transitions. Nil callbacks are skipped.
// Callbacks run with the controller's lock held and must not call back into it.
type State struct {
	SetMicEnabled         func(bool)
	SetPushToTalkActive   func(bool)
	SetAwaitingAIResponse func(bool)
	SetShowWaitingPill    func(bool)
}

type Config struct {
	Room       Room
	Dispatcher TaskDispatcher
	// AudioElements returns the current agent audio outputs. The slice is
	// borrowed for the duration of a single mute or restore pass.
	AudioElements func() []AudioElement
	State         State
	AwaitTimeout  time.Duration
	Clock         Clock
}

// Controller turns a hold-to-talk gesture into microphone publish/unpublish
// calls and a single task dispatch per release.
type Controller struct {
	room         Room
	dispatcher   TaskDispatcher
	audio        func() []AudioElement
	state        State
	awaitTimeout time.Duration
	clock        Clock

	mu        sync.Mutex
	active    bool
	startedAt time.Time
	buffer    []string
	awaiting  bool
	timer     Timer
	timerGen  uint64
	// turn counts captures; replied marks that the agent already answered
	// the turn being dispatched.
	turn    uint64
	replied bool
}

func NewController(cfg Config) *Controller {
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultAwaitTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	return &Controller{
		room:         cfg.Room,
		dispatcher:   cfg.Dispatcher,
		audio:        cfg.AudioElements,
		state:        cfg.State,
		awaitTimeout: cfg.AwaitTimeout,
		clock:        cfg.Clock,
	}
}

// Start begins a capture: the microphone is published, agent audio is muted,
// the transcript buffer is reset and any pending awaiting-response window is
// cancelled. Microphone errors are returned unchanged in meaning.
func (c *Controller) Start(ctx context.Context) error {
	if c.room == nil {
		return ErrNoRoom
	}
	if err := c.room.SetMicrophoneEnabled(ctx, true); err != nil {
		return fmt.Errorf("enable microphone: %w", err)
	}
	c.setAgentVolume(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = nil
	c.cancelTimerLocked()
	c.awaiting = false
	c.active = true
	c.turn++
	c.replied = false
	c.startedAt = c.clock.Now()
	call(c.state.SetAwaitingAIResponse, false)
	call(c.state.SetMicEnabled, true)
	call(c.state.SetPushToTalkActive, true)
	return nil
}

// Stop ends the capture and dispatches exactly one task for it. Calling Stop
// without an active capture is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	turn := c.turn
	c.replied = false
	fragments := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	// The microphone must be unpublished before the backend hears about the turn.
	micErr := c.room.SetMicrophoneEnabled(ctx, false)
	c.setAgentVolume(1)

	c.mu.Lock()
	call(c.state.SetMicEnabled, false)
	call(c.state.SetPushToTalkActive, false)
	c.mu.Unlock()

	if micErr != nil {
		return fmt.Errorf("disable microphone: %w", micErr)
	}

	name, payload := turnTask(fragments)
	if c.dispatcher == nil {
		return fmt.Errorf("dispatch %s: no task dispatcher configured", name)
	}
	if err := c.dispatcher.StartTask(ctx, name, payload); err != nil {
		log.Printf("ptt: dispatch %s failed: %v", name, err)
		c.mu.Lock()
		if c.turn == turn {
			c.cancelTimerLocked()
			c.awaiting = false
			call(c.state.SetAwaitingAIResponse, false)
		}
		c.mu.Unlock()
		return fmt.Errorf("dispatch %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The reply can land before StartTask returns, and a new capture may
	// have begun; either one means there is nothing left to wait for.
	if c.turn != turn || c.replied || c.active {
		return nil
	}
	c.awaiting = true
	call(c.state.SetAwaitingAIResponse, true)
	c.armTimerLocked()
	return nil
}

// AppendTranscript buffers a speech-to-text fragment for the active capture.
// Fragments that arrive outside a capture are dropped.
func (c *Controller) AppendTranscript(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.buffer = append(c.buffer, fragment)
}

// ResponseArrived closes the awaiting-response window early.
func (c *Controller) ResponseArrived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimerLocked()
	c.awaiting = false
	c.replied = true
	call(c.state.SetAwaitingAIResponse, false)
	call(c.state.SetShowWaitingPill, false)
}

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) Awaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaiting
}

// StartedAt reports when the current capture began; zero when idle.
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return time.Time{}
	}
	return c.startedAt
}

// Transcript returns a copy of the buffered fragments.
func (c *Controller) Transcript() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.buffer...)
}

// turnTask picks the task for a finished capture. Any buffered fragment, even
// a blank one, counts as speech.
func turnTask(fragments []string) (string, map[string]any) {
	if len(fragments) == 0 {
		return protocol.TaskStudentStoppedListening, map[string]any{}
	}
	return protocol.TaskStudentSpokeOrActed, map[string]any{
		"transcript": strings.Join(fragments, " "),
	}
}

func (c *Controller) setAgentVolume(v float64) {
	if c.audio == nil {
		return
	}
	for _, el := range c.audio() {
		if el != nil {
			el.SetVolume(v)
		}
	}
}

func (c *Controller) armTimerLocked() {
	c.cancelTimerLocked()
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.awaitTimeout, func() {
		c.onAwaitTimeout(gen)
	})
}

// cancelTimerLocked stops the outstanding timer, if any. Bumping the
// generation also neutralizes a callback that already started running.
func (c *Controller) cancelTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onAwaitTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen || !c.awaiting {
		return
	}
	c.timer = nil
	c.awaiting = false
	call(c.state.SetAwaitingAIResponse, false)
	call(c.state.SetShowWaitingPill, true)
}

func call(fn func(bool), v bool) {
	if fn != nil {
		fn(v)
	}
}
