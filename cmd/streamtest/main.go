// streamtest opens a streaming session, subscribes to symbols and prints
// updates to the console next to a REST fetch of the same symbols.
// Usage: go run ./cmd/streamtest --config configs/quotecache.yaml --symbols FTSE,GOOGL
//
// Required environment variables (referenced by the example config):
//
//	API_USERNAME - Upstream account username
//	API_PASSWORD - Upstream account password
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/quotecache/internal/api"
	"github.com/rickgao/quotecache/internal/auth"
	"github.com/rickgao/quotecache/internal/config"
	"github.com/rickgao/quotecache/internal/connection"
	"github.com/rickgao/quotecache/internal/registry"
)

func main() {
	configPath := flag.String("config", "configs/quotecache.yaml", "path to config file")
	symbolList := flag.String("symbols", "FTSE", "comma-separated symbols to subscribe")
	verbose := flag.Bool("verbose", false, "print full update JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	creds, err := auth.LoadCredentials(cfg.Upstream.Username, cfg.Upstream.Password, cfg.Upstream.PasswordFile)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		logger.Info("set API_USERNAME and API_PASSWORD")
		os.Exit(1)
	}
	logger.Info("using credentials", "user", creds.String())

	var symbols []string
	for _, s := range strings.Split(*symbolList, ",") {
		if s = registry.Normalize(s); s != "" {
			symbols = append(symbols, s)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// REST baseline
	apiClient := api.NewClient(cfg.Upstream.RestURL, creds, api.WithLogger(logger))
	for _, s := range symbols {
		price, err := apiClient.Fetch(ctx, s)
		if err != nil {
			logger.Warn("fetch failed", "symbol", s, "error", err)
			continue
		}
		fmt.Printf("[FETCH] %-10s %v\n", s, price)
	}

	session := connection.NewSession(connection.SessionConfig{
		URL:               cfg.Upstream.WSURL,
		Username:          creds.Username,
		Token:             creds.Token(),
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
	}, clockwork.NewRealClock(), logger)

	session.AddListener(func(ev connection.Event) {
		fmt.Printf("[SESSION] %-16s session=%s err=%v\n", ev.Type, ev.SessionID, ev.Err)
		if ev.Type != connection.EventReady {
			return
		}
		// Subscribe from a goroutine; listeners must not block on acks.
		go func() {
			for _, s := range symbols {
				err := session.Subscribe(ctx, s)
				switch {
				case errors.Is(err, connection.ErrQueued):
					logger.Info("subscribe queued until ready", "symbol", s)
				case err != nil:
					logger.Warn("subscribe failed", "symbol", s, "error", err)
				}
			}
		}()
	})

	logger.Info("starting session", "url", cfg.Upstream.WSURL, "symbols", symbols)
	if err := session.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	go printUpdates(ctx, session.Updates(), *verbose)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info := session.Info()
				logger.Info("stats",
					"status", info.Status,
					"session_id", info.SessionID,
					"reconnects", info.Reconnects,
					"queued", info.Queued,
					"last_heartbeat_ack", info.LastHeartbeatAckAt,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := session.UnsubscribeAll(symbols); err != nil {
		logger.Debug("unsubscribe skipped", "error", err)
	}
	session.Close(shutdownCtx)

	logger.Info("shutdown complete")
}

func printUpdates(ctx context.Context, updates <-chan connection.Update, verbose bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if verbose {
				data, _ := json.MarshalIndent(u, "", "  ")
				fmt.Printf("[UPDATE] %s\n", data)
				continue
			}
			fmt.Printf("[UPDATE] %-10s %v (ts=%s, lag=%s)\n",
				u.Symbol, u.Price, u.Timestamp.Format(time.RFC3339Nano), u.ReceivedAt.Sub(u.Timestamp))
		}
	}
}
