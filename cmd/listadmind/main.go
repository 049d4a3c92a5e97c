package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/listd/internal/api"
	"github.com/ignite/listd/internal/config"
	"github.com/ignite/listd/internal/list"
	"github.com/ignite/listd/internal/notice"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	for _, dir := range []string{cfg.Lists.Dir, cfg.Locking.Dir, cfg.Spool.Dir} {
		if err := os.MkdirAll(dir, 0770); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	registry := list.NewRegistry(cfg.Lists.Dir, cfg.Locking.Dir, cfg.Lists.SiteName, cfg.Locking.Lifetime())
	notices := notice.New(cfg.Notices.TemplatesDir)

	handlers := api.NewHandlers(registry, notices, cfg)
	router := api.SetupRoutes(handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting moderator API on %s (lists in %s)", addr, cfg.Lists.Dir)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
