// Command engine is a headless document session client. It authenticates
// against a running API server, opens a document with the full engine stack
// (namespace, autosave, sync) and keeps it active until interrupted. Useful
// for smoke-testing a deployment and for soak-testing the sync path.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"loom/engine/internal/config"
	"loom/engine/internal/engine/registry"
	"loom/engine/internal/engine/remote"
	"loom/engine/internal/engine/syncer"
	"loom/engine/internal/engine/templatexec"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8791", "API server base URL")
		userName  = flag.String("user", "Avery", "display name to log in as")
		docID     = flag.String("doc", "", "document id to open (default: first listed)")
	)
	flag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := login(ctx, *serverURL, *userName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	client := remote.NewClient(*serverURL, token)
	sync := syncer.NewSync(client, cfg.SyncInterval, logger)
	reg := registry.New(registry.Options{
		Remote:           client,
		Executor:         templatexec.New(nil),
		Sync:             sync,
		AutosaveInterval: cfg.AutosaveInterval,
		Logger:           logger,
	})
	if err := sync.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start sync: %v\n", err)
		os.Exit(1)
	}

	target := *docID
	if target == "" {
		summaries, err := reg.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list documents: %v\n", err)
			os.Exit(1)
		}
		if len(summaries) == 0 {
			fmt.Fprintln(os.Stderr, "no documents visible to this user")
			os.Exit(1)
		}
		target = summaries[0].ID
	}

	session, err := reg.Open(ctx, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", target, err)
		os.Exit(1)
	}
	if err := reg.Activate(ctx, target); err != nil {
		fmt.Fprintf(os.Stderr, "activate %s: %v\n", target, err)
		os.Exit(1)
	}

	d := session.Document()
	logger.Info("session active", "documentId", d.ID, "title", d.Title, "comments", len(d.Comments))

	<-ctx.Done()

	// Stop pulling before the close flush so a late merge cannot race it.
	sync.Stop()
	shutdownCtx := context.Background()
	if err := reg.Close(shutdownCtx, target); err != nil {
		logger.Warn("close failed", "documentId", target, "error", err)
	}
}

func login(ctx context.Context, serverURL, name string) (string, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/session/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login returned %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("login response missing access token")
	}
	return payload.AccessToken, nil
}
