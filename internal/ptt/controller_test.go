package ptt

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/lessonlive/internal/protocol"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.at.After(c.now) {
			continue
		}
		t.fired = true
		due = append(due, t)
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeRoom struct {
	mu      sync.Mutex
	calls   []bool
	failOn  map[bool]error
	journal *[]string
}

func (r *fakeRoom) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, enabled)
	if r.journal != nil {
		*r.journal = append(*r.journal, fmt.Sprintf("mic=%v", enabled))
	}
	if err := r.failOn[enabled]; err != nil {
		return err
	}
	return nil
}

type dispatchedTask struct {
	name    string
	payload map[string]any
}

type fakeDispatcher struct {
	mu      sync.Mutex
	tasks   []dispatchedTask
	err     error
	journal *[]string
	// onStart runs after the task is recorded, before StartTask returns.
	onStart func()
}

func (d *fakeDispatcher) StartTask(_ context.Context, name string, payload map[string]any) error {
	d.mu.Lock()
	d.tasks = append(d.tasks, dispatchedTask{name: name, payload: payload})
	if d.journal != nil {
		*d.journal = append(*d.journal, "dispatch="+name)
	}
	hook, err := d.onStart, d.err
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

type fakeAudio struct {
	volume float64
}

func (a *fakeAudio) SetVolume(v float64) { a.volume = v }

type stateRecorder struct {
	mu     sync.Mutex
	events []string
	last   map[string]bool
}

func (s *stateRecorder) state() State {
	rec := func(name string) func(bool) {
		return func(v bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.last == nil {
				s.last = make(map[string]bool)
			}
			s.last[name] = v
			s.events = append(s.events, fmt.Sprintf("%s=%v", name, v))
		}
	}
	return State{
		SetMicEnabled:         rec("mic"),
		SetPushToTalkActive:   rec("ptt"),
		SetAwaitingAIResponse: rec("awaiting"),
		SetShowWaitingPill:    rec("pill"),
	}
}

func (s *stateRecorder) value(name string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.last[name]
	return v, ok
}

func (s *stateRecorder) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type harness struct {
	ctrl       *Controller
	room       *fakeRoom
	dispatcher *fakeDispatcher
	audio      []*fakeAudio
	clock      *fakeClock
	state      *stateRecorder
	journal    []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: newFakeClock(),
		state: &stateRecorder{},
		audio: []*fakeAudio{{volume: 1}, {volume: 1}},
	}
	h.room = &fakeRoom{journal: &h.journal}
	h.dispatcher = &fakeDispatcher{journal: &h.journal}
	h.ctrl = NewController(Config{
		Room:       h.room,
		Dispatcher: h.dispatcher,
		AudioElements: func() []AudioElement {
			out := make([]AudioElement, 0, len(h.audio))
			for _, a := range h.audio {
				out = append(out, a)
			}
			return out
		},
		State:        h.state.state(),
		AwaitTimeout: 2 * time.Second,
		Clock:        h.clock,
	})
	return h
}

func (h *harness) talk(t *testing.T, fragments ...string) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, f := range fragments {
		h.ctrl.AppendTranscript(f)
	}
}

func TestStopDispatchesJoinedTranscript(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "Hello", "world")

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	want := []dispatchedTask{{
		name:    protocol.TaskStudentSpokeOrActed,
		payload: map[string]any{"transcript": "Hello world"},
	}}
	if !reflect.DeepEqual(h.dispatcher.tasks, want) {
		t.Fatalf("tasks = %+v, want %+v", h.dispatcher.tasks, want)
	}
	if mic, _ := h.state.value("mic"); mic {
		t.Fatalf("mic enabled after Stop()")
	}
	for i, a := range h.audio {
		if a.volume != 1 {
			t.Fatalf("audio[%d].volume = %v, want 1", i, a.volume)
		}
	}
	if !h.ctrl.Awaiting() {
		t.Fatalf("Awaiting() = false right after Stop()")
	}

	h.clock.Advance(2100 * time.Millisecond)

	events := h.state.snapshot()
	tail := events[len(events)-2:]
	if !reflect.DeepEqual(tail, []string{"awaiting=false", "pill=true"}) {
		t.Fatalf("last events = %v, want [awaiting=false pill=true]", tail)
	}
	if h.ctrl.Awaiting() {
		t.Fatalf("Awaiting() = true after timeout")
	}
}

func TestStopWithEmptyBufferDispatchesStoppedListening(t *testing.T) {
	h := newHarness(t)
	h.talk(t)

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	want := []dispatchedTask{{name: protocol.TaskStudentStoppedListening, payload: map[string]any{}}}
	if !reflect.DeepEqual(h.dispatcher.tasks, want) {
		t.Fatalf("tasks = %+v, want %+v", h.dispatcher.tasks, want)
	}
}

func TestStopWithBlankFragmentsStillCountsAsSpeech(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "", " ")

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(h.dispatcher.tasks) != 1 {
		t.Fatalf("dispatch count = %d, want 1", len(h.dispatcher.tasks))
	}
	got := h.dispatcher.tasks[0]
	if got.name != protocol.TaskStudentSpokeOrActed {
		t.Fatalf("task name = %q, want %q", got.name, protocol.TaskStudentSpokeOrActed)
	}
	if got.payload["transcript"] != "  " {
		t.Fatalf("transcript = %q, want two spaces", got.payload["transcript"])
	}
}

func TestTranscriptJoinPreservesOrder(t *testing.T) {
	cases := [][]string{
		{"one"},
		{"a", "b", "c"},
		{"What is", "the derivative", "of x squared?"},
	}
	for _, fragments := range cases {
		name, payload := turnTask(fragments)
		if name != protocol.TaskStudentSpokeOrActed {
			t.Fatalf("turnTask(%q) name = %q", fragments, name)
		}
		want := fragments[0]
		for _, f := range fragments[1:] {
			want += " " + f
		}
		if payload["transcript"] != want {
			t.Fatalf("turnTask(%q) transcript = %q, want %q", fragments, payload["transcript"], want)
		}
	}
}

func TestStartResetsCaptureState(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "stale")
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	h.talk(t)
	if got := len(h.ctrl.Transcript()); got != 0 {
		t.Fatalf("len(Transcript()) = %d, want 0", got)
	}
	if !h.ctrl.Active() {
		t.Fatalf("Active() = false after Start()")
	}
	if mic, ok := h.state.value("mic"); !ok || !mic {
		t.Fatalf("mic state = %v, want true", mic)
	}
	if active, ok := h.state.value("ptt"); !ok || !active {
		t.Fatalf("ptt state = %v, want true", active)
	}
	if awaiting, _ := h.state.value("awaiting"); awaiting {
		t.Fatalf("awaiting state = true after Start()")
	}
	for i, a := range h.audio {
		if a.volume != 0 {
			t.Fatalf("audio[%d].volume = %v, want 0 while talking", i, a.volume)
		}
	}
	if h.ctrl.StartedAt().IsZero() {
		t.Fatalf("StartedAt() is zero during capture")
	}
}

func TestStartCancelsPendingAwaitTimeout(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "first")
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.clock.pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.pending())
	}

	h.clock.Advance(1 * time.Second)
	h.talk(t)
	if h.clock.pending() != 0 {
		t.Fatalf("pending timers after Start() = %d, want 0", h.clock.pending())
	}

	h.clock.Advance(2100 * time.Millisecond)
	if pill, ok := h.state.value("pill"); ok && pill {
		t.Fatalf("waiting pill shown after the window was cancelled")
	}
}

func TestRepeatedStopsKeepSingleTimer(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.talk(t, "turn")
		if err := h.ctrl.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if got := h.clock.pending(); got != 1 {
			t.Fatalf("cycle %d pending timers = %d, want 1", i, got)
		}
	}
}

func TestStopOrdersMicDisableBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "hi")
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	want := []string{"mic=true", "mic=false", "dispatch=" + protocol.TaskStudentSpokeOrActed}
	if !reflect.DeepEqual(h.journal, want) {
		t.Fatalf("journal = %v, want %v", h.journal, want)
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(h.dispatcher.tasks) != 0 || len(h.room.calls) != 0 {
		t.Fatalf("idle Stop() touched transport: tasks=%d mic calls=%d", len(h.dispatcher.tasks), len(h.room.calls))
	}

	h.talk(t, "once")
	_ = h.ctrl.Stop(context.Background())
	_ = h.ctrl.Stop(context.Background())
	if len(h.dispatcher.tasks) != 1 {
		t.Fatalf("dispatch count = %d, want 1", len(h.dispatcher.tasks))
	}
}

func TestStartPropagatesMicrophoneError(t *testing.T) {
	h := newHarness(t)
	denied := errors.New("permission denied")
	h.room.failOn = map[bool]error{true: denied}

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, denied) {
		t.Fatalf("Start() error = %v, want %v", err, denied)
	}
	if h.ctrl.Active() {
		t.Fatalf("Active() = true after failed Start()")
	}
	for i, a := range h.audio {
		if a.volume != 1 {
			t.Fatalf("audio[%d].volume = %v, want untouched", i, a.volume)
		}
	}
}

func TestStopMicrophoneErrorSkipsDispatch(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "hello")
	broken := errors.New("device gone")
	h.room.failOn = map[bool]error{false: broken}

	err := h.ctrl.Stop(context.Background())
	if !errors.Is(err, broken) {
		t.Fatalf("Stop() error = %v, want %v", err, broken)
	}
	if len(h.dispatcher.tasks) != 0 {
		t.Fatalf("dispatch count = %d, want 0", len(h.dispatcher.tasks))
	}
	if h.ctrl.Active() {
		t.Fatalf("Active() = true after Stop()")
	}
	if h.audio[0].volume != 1 {
		t.Fatalf("volume = %v, want restored", h.audio[0].volume)
	}
}

func TestStopDispatchErrorClearsAwaiting(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("backend down")
	h.talk(t, "hello")

	err := h.ctrl.Stop(context.Background())
	if !errors.Is(err, h.dispatcher.err) {
		t.Fatalf("Stop() error = %v, want %v", err, h.dispatcher.err)
	}
	if h.ctrl.Awaiting() {
		t.Fatalf("Awaiting() = true after dispatch failure")
	}
	if h.clock.pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", h.clock.pending())
	}
	if awaiting, _ := h.state.value("awaiting"); awaiting {
		t.Fatalf("awaiting state = true after dispatch failure")
	}
}

func TestResponseArrivedClosesWindow(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "question")
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	h.ctrl.ResponseArrived()
	h.clock.Advance(5 * time.Second)

	if pill, _ := h.state.value("pill"); pill {
		t.Fatalf("waiting pill shown after response arrived")
	}
	if h.ctrl.Awaiting() {
		t.Fatalf("Awaiting() = true after ResponseArrived()")
	}
}

func TestResponseDuringDispatchSkipsAwaitWindow(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.onStart = h.ctrl.ResponseArrived
	h.talk(t, "quick question")

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.ctrl.Awaiting() {
		t.Fatalf("Awaiting() = true after reply arrived during dispatch")
	}
	if h.clock.pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", h.clock.pending())
	}
	h.clock.Advance(2100 * time.Millisecond)
	if pill, _ := h.state.value("pill"); pill {
		t.Fatalf("waiting pill shown after reply already arrived")
	}
	if awaiting, _ := h.state.value("awaiting"); awaiting {
		t.Fatalf("awaiting state = true after reply already arrived")
	}
}

func TestStartDuringDispatchKeepsNewCaptureClean(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "first turn")
	h.dispatcher.onStart = func() {
		h.dispatcher.onStart = nil
		if err := h.ctrl.Start(context.Background()); err != nil {
			t.Errorf("Start() error = %v", err)
		}
	}

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !h.ctrl.Active() {
		t.Fatalf("Active() = false, want the second capture running")
	}
	if h.ctrl.Awaiting() {
		t.Fatalf("Awaiting() = true during a new capture")
	}
	if h.clock.pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", h.clock.pending())
	}
	h.clock.Advance(2100 * time.Millisecond)
	if pill, _ := h.state.value("pill"); pill {
		t.Fatalf("waiting pill shown during a new capture")
	}

	// The second turn still gets its own window.
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !h.ctrl.Awaiting() {
		t.Fatalf("Awaiting() = false after second Stop()")
	}
	if h.clock.pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.pending())
	}
}

func TestStaleReplyDoesNotSuppressNextWindow(t *testing.T) {
	h := newHarness(t)
	h.talk(t, "first")
	h.ctrl.ResponseArrived()
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !h.ctrl.Awaiting() {
		t.Fatalf("Awaiting() = false, want a window for the dispatched turn")
	}
}

func TestAppendTranscriptIgnoredWhenIdle(t *testing.T) {
	h := newHarness(t)
	h.ctrl.AppendTranscript("late fragment")
	h.talk(t)
	if got := h.ctrl.Transcript(); len(got) != 0 {
		t.Fatalf("Transcript() = %v, want empty", got)
	}
}

func TestStartWithoutRoom(t *testing.T) {
	c := NewController(Config{})
	if err := c.Start(context.Background()); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("Start() error = %v, want ErrNoRoom", err)
	}
}
