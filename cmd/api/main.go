package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"loom/engine/internal/app"
	"loom/engine/internal/authpw"
	"loom/engine/internal/config"
	"loom/engine/internal/datalake"
	"loom/engine/internal/email"
	"loom/engine/internal/gitrepo"
	"loom/engine/internal/search"
	"loom/engine/internal/session"
	"loom/engine/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
		log.Fatalf("failed to create snapshots dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.SnapshotsDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	defer searchService.Close()

	opts := app.Options{
		Store:  dataStore,
		Git:    gitService,
		Search: searchService,
		Passwd: authpw.NewService(dataStore),
		Logger: logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, using postgres for sessions: %v", err)
		} else {
			defer redisStore.Close()
			opts.Refresh = redisStore
			opts.Windows = redisStore
		}
	}

	if cfg.SMTPHost != "" {
		opts.Mailer = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	service := app.New(cfg, opts)

	if strings.TrimSpace(cfg.LakeEndpoint) != "" {
		lake, err := datalake.New(ctx, datalake.Options{
			Endpoint:  cfg.LakeEndpoint,
			AccessKey: cfg.LakeAccessKey,
			SecretKey: cfg.LakeSecretKey,
			Bucket:    cfg.LakeBucket,
			UseSSL:    cfg.LakeUseSSL,
			Logger:    logger,
		})
		if err != nil {
			log.Printf("WARNING: object storage unavailable, uploads disabled: %v", err)
		} else {
			service.SetLake(lake)
		}
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	// Backfill the search index once the health probe has had a chance to run.
	go func() {
		time.Sleep(5 * time.Second)
		searchService.ReindexAllFromPG(ctx)
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Loom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
