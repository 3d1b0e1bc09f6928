package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ent0n29/lessonlive/internal/cleanup"
	"github.com/ent0n29/lessonlive/internal/client"
	"github.com/ent0n29/lessonlive/internal/config"
	"github.com/ent0n29/lessonlive/internal/protocol"
	"github.com/ent0n29/lessonlive/internal/ptt"
	"github.com/ent0n29/lessonlive/internal/room"
)

type options struct {
	baseURL         string
	userID          string
	room            string
	sessionID       string
	awaitTimeout    time.Duration
	statusTimeout   time.Duration
	pollAttempts    int
	pollInterval    time.Duration
	cleanupOnUnload bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "pttclient: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pttclient: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	cfg, err := config.Load()
	if err != nil {
		return options{}, err
	}

	var opts options
	flagSet := pflag.NewFlagSet("pttclient", pflag.ContinueOnError)
	flagSet.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "lesson service base URL")
	flagSet.StringVar(&opts.userID, "user-id", "student", "user_id for the new session")
	flagSet.StringVar(&opts.room, "room", "", "lesson room name (required)")
	flagSet.StringVar(&opts.sessionID, "session-id", "", "join an existing session instead of creating one")
	flagSet.DurationVar(&opts.awaitTimeout, "await-timeout", cfg.AwaitResponseTimeout, "how long to wait for the tutor before showing the waiting pill")
	flagSet.DurationVar(&opts.statusTimeout, "status-timeout", cfg.StatusLookupTimeout, "bound on the room status lookup during cleanup")
	flagSet.IntVar(&opts.pollAttempts, "poll-attempts", cfg.ResolvePollAttempts, "session id polls before cleanup gives up")
	flagSet.DurationVar(&opts.pollInterval, "poll-interval", cfg.ResolvePollInterval, "interval between session id polls")
	flagSet.BoolVar(&opts.cleanupOnUnload, "cleanup-on-exit", true, "release the session when the process is interrupted")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}

	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	opts.room = strings.TrimSpace(opts.room)
	opts.sessionID = strings.TrimSpace(opts.sessionID)
	if opts.baseURL == "" {
		return options{}, errors.New("--base-url is required")
	}
	if opts.room == "" && opts.sessionID == "" {
		return options{}, errors.New("--room or --session-id is required")
	}
	if opts.awaitTimeout <= 0 {
		return options{}, errors.New("--await-timeout must be positive")
	}
	if opts.pollAttempts <= 0 {
		return options{}, errors.New("--poll-attempts must be positive")
	}
	return opts, nil
}

func run(opts options, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := client.New(opts.baseURL, nil)
	ref := &cleanup.SessionRef{}
	ref.Set(opts.sessionID)
	if ref.Get() == "" {
		created, err := api.CreateSession(ctx, opts.userID, opts.room)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		ref.Set(created.SessionID)
	}
	fmt.Fprintf(out, "session %s (room %q)\n", ref.Get(), opts.room)

	beacon := cleanup.NewHTTPBeacon(nil)
	statusURL := ""
	if opts.room != "" {
		statusURL = api.StatusURL(opts.room)
	}
	coordinator := cleanup.NewCoordinator(cleanup.Config{
		BaseURL:         opts.baseURL,
		StatusURL:       statusURL,
		Ref:             ref,
		Beacon:          beacon,
		StatusTimeout:   opts.statusTimeout,
		PollAttempts:    opts.pollAttempts,
		PollInterval:    opts.pollInterval,
		CleanupOnUnload: opts.cleanupOnUnload,
	})
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer flushCancel()
		beacon.Flush(flushCtx)
	}()
	unloaded := coordinator.WatchSignals(ctx)

	conn, err := room.Dial(ctx, opts.baseURL, ref.Get())
	if err != nil {
		coordinator.SendDelete(context.Background(), false)
		return err
	}
	defer conn.Close()

	tutor := room.NewPlayback("tutor")
	controller := ptt.NewController(ptt.Config{
		Room:          conn,
		Dispatcher:    api.Tasks(ref.Get),
		AudioElements: func() []ptt.AudioElement { return []ptt.AudioElement{tutor} },
		AwaitTimeout:  opts.awaitTimeout,
		State: ptt.State{
			SetMicEnabled:       func(v bool) { fmt.Fprintf(out, "[mic %s]\n", onOff(v)) },
			SetPushToTalkActive: func(v bool) { fmt.Fprintf(out, "[push-to-talk %s]\n", onOff(v)) },
			SetShowWaitingPill: func(v bool) {
				if v {
					fmt.Fprintln(out, "[waiting for your tutor...]")
				}
			},
		},
	})
	conn.OnTranscript(func(m protocol.STTCommitted) {
		controller.AppendTranscript(m.Text)
		fmt.Fprintf(out, "you: %s\n", m.Text)
	})
	conn.OnAgentResponse(func(m protocol.AgentResponse) {
		controller.ResponseArrived()
		if tutor.Muted() {
			fmt.Fprintf(out, "tutor (muted): %s\n", m.Text)
			return
		}
		fmt.Fprintf(out, "tutor: %s\n", m.Text)
	})
	conn.OnSystemEvent(func(m protocol.SystemEvent) {
		switch m.Code {
		case protocol.CodeSessionEnded, protocol.CodeSessionEnding, protocol.CodeSessionResumed:
			fmt.Fprintf(out, "[%s]\n", m.Code)
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "commands: talk, release, say <text>, end, quit")
	for {
		select {
		case <-unloaded:
			fmt.Fprintln(out, "interrupted; session released")
			return nil
		case <-conn.Done():
			if coordinator.Flag().IsUnloading() {
				return nil
			}
			return conn.Err()
		case line, ok := <-lines:
			if !ok {
				<-coordinator.HandleUnload()
				return nil
			}
			done, err := handleCommand(ctx, line, controller, conn, coordinator, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

type speaker interface {
	Speak(text string) error
}

// handleCommand runs one stdin command and reports whether the client should exit.
func handleCommand(ctx context.Context, line string, controller *ptt.Controller, conn speaker, coordinator *cleanup.Coordinator, out io.Writer) (bool, error) {
	cmd, arg := parseCommand(line)
	switch cmd {
	case "":
		return false, nil
	case "talk":
		return false, controller.Start(ctx)
	case "release":
		return false, controller.Stop(ctx)
	case "say":
		if arg == "" {
			return false, errors.New("say needs text")
		}
		return false, conn.Speak(arg)
	case "end":
		if controller.Active() {
			if err := controller.Stop(ctx); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		fmt.Fprintf(out, "ending session (%s)\n", coordinator.EndSession(ctx))
		return true, nil
	case "quit":
		<-coordinator.HandleUnload()
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
}

func parseCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
