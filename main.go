// Command renderbot is the entrypoint for the osu! replay render bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Wires the render pipeline: asset resolver, rate gate, worker pool,
//     delivery notifier, and the Twitch chat bot that feeds it.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status,
//     /metrics, and the YouTube OAuth bootstrap.
//
// Shutdown is graceful on SIGINT/SIGTERM: in-flight renders are cancelled and
// their requesters notified before exit.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mawnt/renderbot/assets"
	"github.com/mawnt/renderbot/chat"
	"github.com/mawnt/renderbot/config"
	"github.com/mawnt/renderbot/osuapi"
	"github.com/mawnt/renderbot/ratelimit"
	"github.com/mawnt/renderbot/render"
	"github.com/mawnt/renderbot/server"
	"github.com/mawnt/renderbot/store"
	"github.com/mawnt/renderbot/telemetry"
	"github.com/mawnt/renderbot/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience; production uses real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("renderbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	if err := cfg.ValidateOsuReady(); err != nil {
		slog.Warn("osu! API credentials missing; beatmap resolution will fail", slog.Any("err", err))
	}

	// DB
	database, err := store.Connect(cfg.DBDsn)
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
	if err := store.Migrate(migrateCtx, database); err != nil {
		cancelMigrate()
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	cancelMigrate()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rate budgets: osu! API requests per second, renders per minute.
	gate := ratelimit.NewGate()
	gate.SetBudget(ratelimit.ResourceOsuAPI, ratelimit.Budget{PerSecond: cfg.OsuAPIPerSecond, Burst: int(cfg.OsuAPIPerSecond) + 1})
	gate.SetBudget(ratelimit.ResourceRenderer, ratelimit.Budget{PerSecond: cfg.RendersPerMinute / 60, Burst: cfg.RenderWorkers})

	osuClient := &osuapi.Client{
		TokenSource: &osuapi.TokenSource{ClientID: cfg.OsuClientID, ClientSecret: cfg.OsuClientSecret},
	}
	resolver := &assets.Resolver{
		Client:          osuClient,
		Cache:           assets.NewBeatmapCache(cfg.BeatmapCacheSize, cfg.BeatmapCacheTTL),
		Gate:            gate,
		MapsDir:         cfg.DataDir + "/maps",
		SkinsDir:        cfg.SkinsDir,
		MaxReplayBytes:  cfg.MaxReplayBytes,
		MaxArchiveBytes: cfg.MaxArchiveBytes,
	}

	// Uploads are optional: without YouTube credentials finished renders land
	// in DATA_DIR/renders and the chat message carries the local path.
	var uploader render.Uploader
	yt := youtubeapi.New(cfg, &store.TokenStoreAdapter{DB: database})
	if yt.Configured() {
		uploader = yt
	} else {
		slog.Info("youtube upload disabled (YT_CLIENT_ID/YT_CLIENT_SECRET not set)")
	}

	renderer := &render.DanserRenderer{Bin: cfg.DanserPath, KillGrace: cfg.RenderKillGrace}
	dispatcher := render.NewDispatcher(renderer, gate, cfg.RenderWorkers, cfg.RenderQueueMax, cfg.RenderTimeout)
	notifier := &render.Notifier{
		Uploader:    uploader,
		RendersDir:  cfg.DataDir + "/renders",
		MaxAttempts: cfg.DeliveryMaxAttempts,
	}
	svc := render.NewService(render.Options{
		QueueMax:           cfg.RenderQueueMax,
		ResolveMaxAttempts: 3,
	}, render.NewRegistry(), dispatcher, resolver, notifier, &store.Recorder{DB: database}, cfg.DataDir)
	svc.Start(ctx)

	// Chat bot
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("twitch credentials missing; chat surface disabled", slog.Any("err", err))
	} else {
		bot := chat.NewBot(cfg, svc, database, resolver)
		notifier.Sender = bot
		go func() {
			if err := bot.Run(ctx); err != nil {
				slog.Error("twitch chat exited with error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/oauth)
	handlers := server.NewHandlers(database, svc, yt)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	svc.Shutdown(15 * time.Second)
}

func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
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
}
