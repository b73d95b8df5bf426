package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weaverlabs/ces/internal/config"
	"github.com/weaverlabs/ces/internal/engine"
	"github.com/weaverlabs/ces/internal/interp"
	"github.com/weaverlabs/ces/internal/sessions"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		log.Fatalf("workspace root: %v", err)
	}

	manager := sessions.NewManager(sessions.Options{
		WorkspaceRoot: cfg.WorkspaceRoot,
		Interpreter: interp.Options{
			Command:        cfg.Interpreter,
			StartupTimeout: cfg.StartupTimeout,
			KillGrace:      cfg.KillGrace,
		},
		Engine: engine.Options{
			ExecTimeout:    cfg.ExecTimeout,
			InterruptGrace: cfg.KillGrace,
		},
		IdleTimeout:  cfg.IdleTimeout,
		SweepPeriod:  cfg.SweepPeriod,
		HubBufferCap: cfg.HubBufferCap,
		HubQueueCap:  cfg.HubQueueCap,
	})

	server := NewServer(cfg, manager)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Handler(),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("ces-server %s listening on %s", version, cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := <-shutdown
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	manager.Shutdown(ctx)

	log.Println("server stopped")
}
