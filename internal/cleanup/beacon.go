package cleanup

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const beaconTimeout = 3 * time.Second

// HTTPBeacon posts to a URL in the background and never blocks the caller.
type HTTPBeacon struct {
	client *http.Client
	wg     sync.WaitGroup
}

func NewHTTPBeacon(client *http.Client) *HTTPBeacon {
	if client == nil {
		client = &http.Client{Timeout: beaconTimeout}
	}
	return &HTTPBeacon{client: client}
}

func (b *HTTPBeacon) Send(target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// Detached from any caller context: the sender may already be gone.
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
		if err != nil {
			log.Printf("cleanup: beacon request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
		res, err := b.client.Do(req)
		if err != nil {
			log.Printf("cleanup: beacon send: %v", err)
			return
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		res.Body.Close()
	}()
	return true
}

// Flush waits for queued sends, bounded by ctx.
func (b *HTTPBeacon) Flush(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
