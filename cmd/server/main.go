package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitea.jw6.us/james/calsync/internal/api"
	"gitea.jw6.us/james/calsync/internal/config"
	httpserver "gitea.jw6.us/james/calsync/internal/http"
	"gitea.jw6.us/james/calsync/internal/publish"
	"gitea.jw6.us/james/calsync/internal/store"
	syncengine "gitea.jw6.us/james/calsync/internal/sync"
)

func main() {
	log.Println("Starting calsync server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	log.Printf("database initialized at %s", cfg.DBPath())

	stor := store.New(db)
	publisher := publish.New()

	engine := syncengine.New(stor, publisher, cfg.SyncHTTPTimeout)
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("failed to start sync engine: %v", err)
	}

	handler := api.NewHandler(stor, engine, publisher)
	r := httpserver.NewRouter(cfg, handler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	engine.Stop()
	log.Printf("shutdown complete")
}
