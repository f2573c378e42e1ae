// Command stream-relay is the entrypoint for the live stream relay bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres for capture history and runs migrations.
//   - Sweeps artifacts left in the data directory by a previous run.
//   - Long-polls Telegram and hands each message to the capture dispatcher.
//   - Exposes an HTTP server with /healthz, /readyz, a redacted /jobs summary, /metrics and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM: in-flight captures are stopped and
// their temporary files removed before the process exits.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-relay/capture"
	"github.com/onnwee/stream-relay/config"
	"github.com/onnwee/stream-relay/crypto"
	"github.com/onnwee/stream-relay/db"
	"github.com/onnwee/stream-relay/dispatch"
	"github.com/onnwee/stream-relay/server"
	"github.com/onnwee/stream-relay/telegram"
	"github.com/onnwee/stream-relay/telemetry"
)

const shutdownGrace = 30 * time.Second

var errShutdown = errors.New("relay shutting down")

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.Any("err", err))
		os.Exit(1)
	}
	if len(cfg.SudoUsers) == 0 {
		slog.Warn("SUDO_USERS is empty; every capture request will be refused")
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("stream-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		slog.Error("create data dir", slog.String("dir", cfg.DataDir), slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.SweepOnStart {
		report, err := dispatch.Sweep(cfg.DataDir, dispatch.SweepPolicy{QuarantineMaxAge: cfg.QuarantineMaxAge}, slog.Default())
		if err != nil {
			slog.Warn("startup sweep failed", slog.Any("err", err))
		} else if report.Removed > 0 {
			slog.Info("startup sweep", slog.Int("removed", report.Removed), slog.Int64("bytes", report.Bytes), slog.Int("quarantined_kept", report.Quarantined))
		}
	}

	database, store := openHistory(ctx, cfg.DBDsn, cfg.HistoryEncryptionKey)
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	bot, err := telegram.New(cfg.BotToken, cfg.APIEndpoint, slog.Default())
	if err != nil {
		slog.Error("telegram login failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("telegram bot authorized", slog.String("username", bot.Username()))

	opts := dispatch.Options{
		AuthorizedSenders:  cfg.SudoUsers,
		DataDir:            cfg.DataDir,
		Caption:            cfg.Caption,
		MaxCaptureDuration: cfg.MaxCaptureDuration,
		MaxConcurrent:      cfg.MaxConcurrentCaptures,
		AllowPrivate:       cfg.AllowPrivateCapture,
		DumpChatID:         cfg.DumpChannelID,
		OperatorChatID:     cfg.OperatorChatID,
		SplitMaxBytes:      cfg.SplitSizeBytes,
		FallbackSegment:    cfg.SplitFallbackSegment,
		Logger:             slog.Default(),
	}
	if store != nil {
		opts.Store = store
		opts.Exporter = store
	}
	builder := capture.NewBuilder(cfg.FFmpegBin, cfg.FFprobeBin, cfg.CaptureFormat)
	d := dispatch.New(bot, builder, &capture.ExecRunner{Logger: slog.Default()}, opts)

	deps := server.Deps{
		Jobs:              d,
		DB:                database,
		FFmpegBin:         cfg.FFmpegBin,
		DataDir:           cfg.DataDir,
		AdminToken:        cfg.AdminToken,
		AdminUsername:     cfg.AdminUsername,
		AdminPassword:     cfg.AdminPassword,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}
	if store != nil {
		deps.History = store
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if err := bot.Run(ctx, d.Dispatch); err != nil {
		slog.Error("telegram polling failed", slog.Any("err", err))
		stop()
	}

	slog.Info("shutting down")
	if n := d.CancelAll(errShutdown); n > 0 {
		slog.Info("stopping in-flight captures", slog.Int("count", n))
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := d.Wait(waitCtx); err != nil {
		slog.Warn("captures still running at exit", slog.Any("err", err))
	}
}

// openHistory connects to Postgres when dsn is set. Failure disables history
// rather than stopping the bot.
func openHistory(ctx context.Context, dsn, key string) (*sql.DB, *db.Store) {
	if dsn == "" {
		slog.Info("capture history disabled (DB_DSN not set)")
		return nil, nil
	}
	var sealer *crypto.Sealer
	if key != "" {
		s, err := crypto.NewSealer(key)
		if err != nil {
			slog.Error("invalid HISTORY_ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		sealer = s
	} else {
		slog.Warn("HISTORY_ENCRYPTION_KEY not set; source URLs are stored in plaintext")
	}
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to open db; capture history disabled", slog.Any("err", err))
		return nil, nil
	}

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db; capture history disabled", slog.Any("err", err))
			_ = database.Close()
			return nil, nil
		}
	}
	if version, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("could not read schema version", slog.Any("err", err), slog.String("component", "db_migrate"))
	} else {
		slog.Info("database schema", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty), slog.String("component", "db_migrate"))
	}
	return database, db.NewStore(database, sealer)
}
