// Command raceday is the entrypoint for the race notification bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Restores the provider rate-limit window persisted by a previous run.
//   - Starts the Discord bot and the polling scheduler.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pitwall/raceday/config"
	"github.com/pitwall/raceday/db"
	"github.com/pitwall/raceday/discord"
	"github.com/pitwall/raceday/iracing"
	"github.com/pitwall/raceday/race"
	"github.com/pitwall/raceday/scheduler"
	"github.com/pitwall/raceday/server"
	"github.com/pitwall/raceday/telemetry"
)

// kv keys mirroring the rate-limit window across restarts.
const (
	kvBlockedUntil = "ratelimit_blocked_until"
	kvResetAt      = "ratelimit_reset_at"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateDiscordReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateProviderReady(); err != nil {
		slog.Warn("provider credentials incomplete, API calls will be skipped", slog.Any("err", err))
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("raceday", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx, database); err != nil {
		cancelMigrate()
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	cancelMigrate()
	store := db.NewStore(database)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rate-limit tracker, restored from kv and mirrored back on every episode.
	tracker := iracing.NewTracker()
	restoreTracker(ctx, store, tracker)
	tracker.OnLimit = func(blockedUntil, resetAt time.Time) {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SetKV(bg, kvBlockedUntil, blockedUntil.UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("rate limit state write failed", slog.Any("err", err))
		}
		if err := store.SetKV(bg, kvResetAt, resetAt.UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("rate limit state write failed", slog.Any("err", err))
		}
		telemetry.UpdateRateLimitGauge(true)
	}

	// Provider session and domain wiring.
	session := iracing.NewSession(iracing.SessionOptions{
		TokenURL:   cfg.IRTokenURL,
		APIBaseURL: cfg.IRAPIBaseURL,
		Creds: iracing.Credentials{
			ClientID:     cfg.IRClientID,
			ClientSecret: cfg.IRClientSecret,
			Username:     cfg.IRUsername,
			Password:     cfg.IRPassword,
		},
		Store:      store,
		Tracker:    tracker,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
	})
	cars := iracing.NewCarCache(session)
	detector := &race.Detector{API: session, Store: store, AnnounceFirst: cfg.AnnounceFirstRace}
	pipeline := &race.Pipeline{API: session, Cars: cars, Store: store}

	bot, err := discord.New(cfg.DiscordToken, cfg.CommandPrefix, session, tracker, store, pipeline)
	if err != nil {
		slog.Error("discord setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := bot.Start(); err != nil {
		slog.Error("discord connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := bot.Stop(); err != nil {
			slog.Error("discord close failed", slog.Any("err", err))
		}
	}()

	sched := &scheduler.Scheduler{
		Interval: cfg.PollInterval,
		Workers:  cfg.WorkerPoolSize,
		Tracker:  tracker,
		Subs:     store,
		Detector: detector,
		Pipeline: pipeline,
		Poster:   bot,
	}
	go sched.Run(ctx)

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, addr, server.NewMux(database, tracker, sched)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// restoreTracker seeds the tracker from the persisted window so a restart
// inside a rate-limit episode does not immediately probe the provider.
func restoreTracker(ctx context.Context, store *db.Store, tracker *iracing.Tracker) {
	blockedRaw, err := store.GetKV(ctx, kvBlockedUntil)
	if err != nil || blockedRaw == "" {
		return
	}
	resetRaw, err := store.GetKV(ctx, kvResetAt)
	if err != nil {
		return
	}
	blockedUntil, err := time.Parse(time.RFC3339, blockedRaw)
	if err != nil {
		return
	}
	resetAt, err := time.Parse(time.RFC3339, resetRaw)
	if err != nil {
		resetAt = blockedUntil
	}
	if time.Now().Before(blockedUntil) {
		tracker.Restore(blockedUntil, resetAt)
		telemetry.UpdateRateLimitGauge(true)
		slog.Info("restored rate limit window from previous run",
			slog.Time("blocked_until", blockedUntil))
	}
}
