package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/quotecache/internal/api"
	"github.com/rickgao/quotecache/internal/auth"
	"github.com/rickgao/quotecache/internal/config"
	"github.com/rickgao/quotecache/internal/connection"
	"github.com/rickgao/quotecache/internal/database"
	"github.com/rickgao/quotecache/internal/metrics"
	"github.com/rickgao/quotecache/internal/query"
	"github.com/rickgao/quotecache/internal/registry"
	"github.com/rickgao/quotecache/internal/router"
	"github.com/rickgao/quotecache/internal/server"
	"github.com/rickgao/quotecache/internal/version"
	"github.com/rickgao/quotecache/internal/warmer"
	"github.com/rickgao/quotecache/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/quotecache.yaml", "path to config file")
	flag.Parse()

	// .env is optional; values feed ${VAR} references in the config file.
	_ = godotenv.Load()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting quotecache",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"streaming", cfg.Subscriptions.StreamingEnabled(),
	)

	creds, err := auth.LoadCredentials(cfg.Upstream.Username, cfg.Upstream.Password, cfg.Upstream.PasswordFile)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Long-lived components stop through their shutdown hooks, not the
	// signal. The session must still be Ready when UnsubscribeAll runs.
	runCtx := context.WithoutCancel(ctx)

	clock := clockwork.NewRealClock()
	recorder := metrics.NewRecorder(logger)
	reg := registry.New(clock)

	apiClient := api.NewClient(
		cfg.Upstream.RestURL,
		creds,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Upstream.Timeout),
		api.WithRetries(cfg.Upstream.MaxRetries, time.Second),
	)

	app := &app{logger: logger, shutdownTimeout: cfg.Server.ShutdownTimeout}

	queryCfg := query.Config{
		TTL:       cfg.Subscriptions.TTL,
		Streaming: cfg.Subscriptions.StreamingEnabled(),
	}

	var (
		session *connection.Session
		// Typed nils must not reach server.Deps as non-nil interfaces.
		sessionInfo server.SessionInfo
		pushStats   server.PushStats
		subscriber  query.Subscriber = noSubscriber{}
	)

	if queryCfg.Streaming {
		session = connection.NewSession(connection.SessionConfig{
			URL:                 cfg.Upstream.WSURL,
			Username:            creds.Username,
			Token:               creds.Token(),
			HandshakeTimeout:    cfg.Session.HandshakeTimeout,
			HeartbeatInterval:   cfg.Session.HeartbeatInterval,
			MaxMissedHeartbeats: cfg.Session.MaxMissedHeartbeats,
			AckTimeout:          cfg.Session.AckTimeout,
			WriteTimeout:        cfg.Session.WriteTimeout,
			ReconnectBaseDelay:  cfg.Session.ReconnectBaseDelay,
			ReconnectMaxDelay:   cfg.Session.ReconnectMaxDelay,
			UpdateBufferSize:    cfg.Session.UpdateBufferSize,
			QueueSize:           cfg.Session.QueueSize,
		}, clock, logger)
		sessionInfo = session
		subscriber = session

		routerCfg := router.DefaultRouterConfig()
		routerCfg.Archive = cfg.Archive.Enabled
		if cfg.Archive.BufferSize > 0 {
			routerCfg.ArchiveBufferSize = cfg.Archive.BufferSize
		}
		pushRouter := router.NewRouter(routerCfg, session.Updates(), reg, recorder, logger)
		pushStats = pushRouter

		if cfg.Archive.Enabled {
			pool, err := connectArchive(ctx, cfg.Archive.Database, logger)
			if err != nil {
				logger.Error("failed to connect archive database", "error", err)
				os.Exit(1)
			}
			app.onStop(func(context.Context) error {
				pool.Close()
				return nil
			})

			quoteWriter := writer.NewQuoteWriter(writer.WriterConfig{
				BatchSize:     cfg.Archive.BatchSize,
				FlushInterval: cfg.Archive.FlushInterval,
			}, pushRouter.Archive(), pool, logger)
			if err := quoteWriter.Start(runCtx); err != nil {
				logger.Error("failed to start quote writer", "error", err)
				os.Exit(1)
			}
			app.onStop(quoteWriter.Stop)
		}

		if err := pushRouter.Start(runCtx); err != nil {
			logger.Error("failed to start push router", "error", err)
			os.Exit(1)
		}
		app.onStop(pushRouter.Stop)

		w := warmer.New(warmer.Config{
			TTL:           cfg.Subscriptions.TTL,
			RefreshMargin: cfg.Subscriptions.RefreshMargin,
			IdleThreshold: cfg.Subscriptions.IdleThreshold,
			Interval:      cfg.Subscriptions.WarmInterval,
			Concurrency:   cfg.Subscriptions.Concurrency,
		}, reg, session, recorder, clock, logger)
		session.AddListener(w.HandleSessionEvent)
		session.AddListener(func(ev connection.Event) {
			logSessionEvent(logger, ev)
		})

		if err := session.Start(runCtx); err != nil {
			logger.Error("failed to start session", "error", err)
			os.Exit(1)
		}
		app.onStop(session.Close)
		app.onStop(func(context.Context) error {
			// Best effort: unacked frames are not waited for.
			return session.UnsubscribeAll(reg.Symbols())
		})

		if err := w.Start(runCtx); err != nil {
			logger.Error("failed to start warmer", "error", err)
			os.Exit(1)
		}
		// Registered before the query router so it stops after it.
		app.onStop(w.Stop)
	}

	queryRouter := query.New(queryCfg, reg, apiClient, subscriber, recorder, clock, logger)
	app.onStop(queryRouter.Close)

	srv := server.New(server.Config{
		Port:         cfg.Server.Port,
		MaxAge:       cfg.Server.MaxAge,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, server.Deps{
		Query:    queryRouter,
		Registry: reg,
		Session:  sessionInfo,
		Counters: recorder,
		Push:     pushStats,
	}, logger)
	app.onStop(srv.Shutdown)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	logger.Info("quotecache running", "port", cfg.Server.Port)

	<-ctx.Done()

	logger.Info("shutting down...")
	app.stop()
	logger.Info("quotecache stopped")
}

// app runs shutdown hooks in reverse registration order.
type app struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration
	hooks           []func(context.Context) error
}

func (a *app) onStop(fn func(context.Context) error) {
	a.hooks = append(a.hooks, fn)
}

func (a *app) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	for i := len(a.hooks) - 1; i >= 0; i-- {
		if err := a.hooks[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

// noSubscriber is used when streaming is disabled; the query router never
// calls it in that mode.
type noSubscriber struct{}

func (noSubscriber) Subscribe(context.Context, string) error {
	return connection.ErrClosed
}

func connectArchive(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	logger.Info("connecting to archive database",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Name,
	)

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("archive database connected")
	return pool, nil
}

func logSessionEvent(logger *slog.Logger, ev connection.Event) {
	switch ev.Type {
	case connection.EventReady:
		logger.Info("session ready", "session_id", ev.SessionID)
	case connection.EventDegraded:
		logger.Warn("session degraded", "session_id", ev.SessionID, "error", ev.Err)
	case connection.EventConnectionLost:
		logger.Warn("session connection lost", "session_id", ev.SessionID, "error", ev.Err)
	case connection.EventHandshakeFailed:
		logger.Warn("session handshake failed", "error", ev.Err)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
