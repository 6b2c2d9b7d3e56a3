// Command stream-sentry monitors live Twitch channels end to end. It:
//   - Loads configuration and initializes structured logging.
//   - Shards IRC chat sessions over the active channel set with rate-limited
//     sending and automatic reconnects.
//   - Captures stream audio per channel and transcribes it in fixed chunks.
//   - Polls Helix for liveness and metadata and prunes offline channels.
//   - Bridges all of it to websocket subscribers and writes CSV session logs.
//   - Exposes a minimal HTTP server with /healthz, /status, /metrics and /ws.
//
// Shutdown is graceful on SIGINT/SIGTERM, or after the last subscriber
// detaches and the grace period expires.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-sentry/bridge"
	"github.com/onnwee/stream-sentry/capture"
	"github.com/onnwee/stream-sentry/config"
	"github.com/onnwee/stream-sentry/datalog"
	"github.com/onnwee/stream-sentry/irc"
	"github.com/onnwee/stream-sentry/monitor"
	"github.com/onnwee/stream-sentry/pipeline"
	"github.com/onnwee/stream-sentry/server"
	"github.com/onnwee/stream-sentry/telemetry"
	"github.com/onnwee/stream-sentry/transcribe"
	"github.com/onnwee/stream-sentry/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
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

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("stream-sentry", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Session data directory, one per process run.
	sessionDir := filepath.Join(cfg.DataDir, time.Now().Format("20060102_150405"))
	dlog, err := datalog.New(sessionDir)
	if err != nil {
		slog.Error("failed to create session data dir", slog.Any("err", err))
		os.Exit(1)
	}
	defer dlog.Close()
	slog.Info("session data dir created", slog.String("dir", sessionDir))

	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat credentials incomplete, IRC sessions will fail to authenticate", slog.Any("err", err))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := pipeline.NewRuntime(cfg.EventQueueCap, cfg.AudioQueueCap, cfg.SendQueueCap, cfg.AudioQueueThreshold)

	ircCfg := irc.Config{
		Addr:       cfg.IRCAddr,
		Nick:       cfg.TwitchBotUsername,
		Token:      cfg.TwitchOAuthToken,
		MsgLimit:   cfg.MsgLimit,
		MsgWindow:  cfg.MsgWindow,
		MinDelay:   cfg.MinMsgDelay,
		BackoffMin: cfg.ReconnectBackoff,
		BackoffCap: cfg.ReconnectCap,
	}
	manager := irc.NewManager(ircCfg, cfg.ShardSize, rt, dlog)

	// Helix polling is optional; without client credentials the monitor runs
	// on chat and audio alone.
	var helix monitor.Helix
	if err := cfg.ValidateHelixReady(); err == nil {
		helix = twitchapi.NewClient(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchMainUsername)
	} else {
		slog.Warn("helix polling disabled", slog.Any("err", err))
	}

	startTranscriber := func(tctx context.Context) {
		backend := &transcribe.WhisperCLI{Path: cfg.WhisperPath, ModelPath: os.Getenv("WHISPER_MODEL")}
		transcribe.NewWorker(backend, nil, rt, dlog, cfg.SampleRate).Run(tctx)
	}

	orch := monitor.New(monitor.Config{
		PollInterval: cfg.PollInterval,
		Capture: capture.Config{
			StreamlinkPath: cfg.StreamlinkPath,
			FFmpegPath:     cfg.FFmpegPath,
			SampleRate:     cfg.SampleRate,
			ChunkDuration:  cfg.ChunkDuration,
		},
	}, rt, manager, helix, startTranscriber)
	orch.Start(ctx)

	// Idle shutdown: once the last websocket subscriber detaches, stop the
	// process after the grace period unless someone reattaches.
	br := bridge.New(rt, cfg.ShutdownGrace, stop)
	go br.Run(ctx)

	// Seed channels from the environment; later joins arrive over /ws.
	for _, ch := range strings.Split(os.Getenv("TWITCH_CHANNELS"), ",") {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if err := orch.JoinChannel(ctx, ch); err != nil {
			slog.Warn("initial channel join failed", slog.String("channel", ch), slog.Any("err", err))
		}
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/ws)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		deps := server.Deps{
			Runtime:      rt,
			Bridge:       br,
			Orchestrator: orch,
			Sessions:     manager,
			StartedAt:    time.Now(),
		}
		if err := server.Start(ctx, deps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal or idle shutdown
	<-ctx.Done()
	slog.Info("shutting down")
	manager.StopAll()
}
