package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultStatusTimeout = 1500 * time.Millisecond
	defaultPollAttempts  = 10
	defaultPollInterval  = 200 * time.Millisecond
	defaultUnloadBudget  = 5 * time.Second
)

// Delivery reports how a delete attempt left the client.
type Delivery string

const (
	DeliveryNone    Delivery = "none"
	DeliveryFetch   Delivery = "fetch"
	DeliveryBeacon  Delivery = "beacon"
	DeliveryDropped Delivery = "dropped"
)

// Beacon is a best-effort, non-blocking send used when a regular request
// cannot complete. Send reports whether the payload was queued.
type Beacon interface {
	Send(url string) bool
}

type Config struct {
	BaseURL string
	// StatusURL is queried when the session id is not known locally.
	StatusURL     string
	Ref           *SessionRef
	Flag          *UnloadFlag
	Beacon        Beacon
	HTTPClient    *http.Client
	StatusTimeout time.Duration
	PollAttempts  int
	PollInterval  time.Duration
	UnloadBudget  time.Duration
	// CleanupOnUnload enables the signal binding in WatchSignals.
	CleanupOnUnload bool
}

// Coordinator asks the backend to release a session's real-time resources
// when the client goes away.
type Coordinator struct {
	baseURL       string
	statusURL     string
	ref           *SessionRef
	flag          *UnloadFlag
	beacon        Beacon
	client        *http.Client
	statusTimeout time.Duration
	pollAttempts  int
	pollInterval  time.Duration
	unloadBudget  time.Duration
	onUnload      bool

	unloadOnce sync.Once
	unloadDone chan struct{}
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Ref == nil {
		cfg.Ref = &SessionRef{}
	}
	if cfg.Flag == nil {
		cfg.Flag = &UnloadFlag{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Beacon == nil {
		cfg.Beacon = NewHTTPBeacon(nil)
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = defaultStatusTimeout
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.UnloadBudget <= 0 {
		cfg.UnloadBudget = defaultUnloadBudget
	}
	return &Coordinator{
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		statusURL:     strings.TrimSpace(cfg.StatusURL),
		ref:           cfg.Ref,
		flag:          cfg.Flag,
		beacon:        cfg.Beacon,
		client:        cfg.HTTPClient,
		statusTimeout: cfg.StatusTimeout,
		pollAttempts:  cfg.PollAttempts,
		pollInterval:  cfg.PollInterval,
		unloadBudget:  cfg.UnloadBudget,
		onUnload:      cfg.CleanupOnUnload,
		unloadDone:    make(chan struct{}),
	}
}

func (c *Coordinator) Ref() *SessionRef { return c.ref }

func (c *Coordinator) Flag() *UnloadFlag { return c.flag }

// ResolveSessionID returns the known session id, looking it up through the
// status URL and then waiting briefly for another part of the client to set it.
func (c *Coordinator) ResolveSessionID(ctx context.Context) (string, bool) {
	if id := c.ref.Get(); id != "" {
		return id, true
	}

	if c.statusURL != "" {
		id, err := c.lookupStatus(ctx)
		if err != nil {
			log.Printf("cleanup: status lookup failed: %v", err)
		} else if id != "" {
			c.ref.Set(id)
			return id, true
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for i := 0; i < c.pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
		if id := c.ref.Get(); id != "" {
			return id, true
		}
	}
	return "", false
}

func (c *Coordinator) lookupStatus(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("status lookup http %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return extractSessionID(obj), nil
}

func extractSessionID(obj map[string]any) string {
	for _, k := range []string{"session_id", "sessionId", "id"} {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// DeleteURL builds the release URL for a session. The method override lets
// the same URL work for beacon sends, which can only POST.
func (c *Coordinator) DeleteURL(sessionID string, force bool) string {
	u := c.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "?_method=DELETE"
	if force {
		u += "&force=true"
	}
	return u
}

// SendDelete asks the backend to release the session. Without force the
// backend keeps the session for a grace period so a refreshed client can
// reconnect. Failures never propagate; a transport error hands the same URL
// to the beacon.
func (c *Coordinator) SendDelete(ctx context.Context, force bool) Delivery {
	id, ok := c.ResolveSessionID(ctx)
	if !ok {
		return DeliveryNone
	}
	target := c.DeleteURL(id, force)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err == nil {
		var res *http.Response
		res, err = c.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
			res.Body.Close()
			if res.StatusCode >= 300 && res.StatusCode != http.StatusNotFound {
				log.Printf("cleanup: delete session %s returned http %d", id, res.StatusCode)
			}
			return DeliveryFetch
		}
	}

	log.Printf("cleanup: delete session %s failed: %v; falling back to beacon", id, err)
	if c.beacon.Send(target) {
		return DeliveryBeacon
	}
	log.Printf("cleanup: beacon for session %s was not queued", id)
	return DeliveryDropped
}

// EndSession is the explicit "end session" action: resources are torn down
// immediately instead of after the grace period.
func (c *Coordinator) EndSession(ctx context.Context) Delivery {
	return c.SendDelete(ctx, true)
}

// HandleUnload reacts to the client going away. Only the first call does any
// work; the returned channel closes when its delete attempt has finished.
func (c *Coordinator) HandleUnload() <-chan struct{} {
	c.unloadOnce.Do(func() {
		c.flag.Set(true)
		go func() {
			defer close(c.unloadDone)
			ctx, cancel := context.WithTimeout(context.Background(), c.unloadBudget)
			defer cancel()
			c.SendDelete(ctx, false)
		}()
	})
	return c.unloadDone
}

// WatchSignals binds unload cleanup to process signals (SIGINT, SIGTERM and
// SIGHUP by default). It is a no-op unless CleanupOnUnload is set. The
// returned channel closes once the unload delete attempt has finished.
func (c *Coordinator) WatchSignals(ctx context.Context, sigs ...os.Signal) <-chan struct{} {
	if !c.onUnload {
		return make(chan struct{})
	}
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	out := c.watch(ctx, ch)
	go func() {
		select {
		case <-ctx.Done():
		case <-out:
		}
		signal.Stop(ch)
	}()
	return out
}

func (c *Coordinator) watch(ctx context.Context, events <-chan os.Signal) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			return
		case sig := <-events:
			log.Printf("cleanup: %v received, releasing session", sig)
		}
		<-c.HandleUnload()
		close(out)
	}()
	return out
}
