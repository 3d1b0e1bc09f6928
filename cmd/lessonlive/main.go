package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/lessonlive/internal/agent"
	"github.com/ent0n29/lessonlive/internal/config"
	"github.com/ent0n29/lessonlive/internal/httpapi"
	"github.com/ent0n29/lessonlive/internal/observability"
	"github.com/ent0n29/lessonlive/internal/protocol"
	"github.com/ent0n29/lessonlive/internal/session"
	"github.com/ent0n29/lessonlive/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	taskStore, storeMode, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	defer taskStore.Close()
	log.Printf("task store: %s", storeMode)

	adapter, err := agent.NewAdapter(agent.Config{
		Mode:    cfg.AgentAdapterMode,
		HTTPURL: cfg.AgentHTTPURL,
	})
	if err != nil {
		log.Fatalf("agent adapter init failed: %v", err)
	}

	hub := session.NewHub()
	sessions := session.NewManager(cfg.SessionInactivityTimeout, cfg.SessionGracePeriod)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		hub.Publish(s.ID, protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: s.ID,
			Code:      protocol.CodeSessionEnded,
			Detail:    "expired",
		})
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:  sessions,
		Hub:       hub,
		Store:     taskStore,
		StoreMode: storeMode,
		Agent:     adapter,
		Metrics:   metrics,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := api.Drain(shutdownCtx); err != nil {
		log.Printf("agent calls still running at shutdown: %v", err)
	}

	log.Printf("shutdown complete")
}
