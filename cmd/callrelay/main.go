// Command callrelay is the main entry point for the callrelay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/callrelay/internal/app"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
	geminilive "github.com/MrWong99/callrelay/pkg/provider/s2s/gemini"
)

// version is set at build time via -ldflags.
var version = "dev"

// shutdownTimeout bounds graceful shutdown, including finalizing live calls.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	watch := flag.Bool("watch", true, "reload the config and tenant files when they change")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		level   = new(slog.LevelVar)
		cfg     *config.Config
		watcher *config.Watcher
		err     error
		// application is set before the watcher can fire a change that
		// reaches it.
		application *app.App
		appReady    = make(chan struct{})
	)
	if *watch {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			<-appReady
			application.Reload(d, new)
		})
		if err == nil {
			defer watcher.Stop()
			cfg = watcher.Current()
		}
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callrelay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger, closeLog := newLogger(cfg.Server, level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("callrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"watch", *watch,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "callrelay",
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Speech provider ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	speech, err := reg.CreateSpeech(cfg.Speech)
	if err != nil {
		slog.Error("failed to build speech provider", "err", err, "registered", reg.SpeechNames())
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, speech)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	close(appReady)

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in speech provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSpeech("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	tenants := cfg.Tenants.File
	if cfg.Database.PostgresDSN != "" {
		tenants = "postgres"
	}
	sessions := "memory"
	if cfg.Redis.Addr != "" {
		sessions = "redis " + cfg.Redis.Addr + " (memory fallback)"
	}

	fmt.Println("╔════════════════════════════════════════════════╗")
	fmt.Println("║           callrelay: startup summary           ║")
	fmt.Println("╠════════════════════════════════════════════════╣")
	printRow("Speech", cfg.Speech.Name, cfg.Speech.Model)
	printRow("Tenants", tenants, "")
	printRow("Sessions", sessions, "")
	printRow("Media path", cfg.Relay.MediaPath, "")
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚════════════════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	fmt.Printf("║  %-12s: %-32s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned func closes the log file,
// if any.
func newLogger(srv config.ServerConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if lf := srv.LogFile; lf != nil {
		rot := &lumberjack.Logger{
			Filename:   lf.Path,
			MaxSize:    lf.MaxSizeMB,
			MaxBackups: lf.MaxBackups,
			MaxAge:     lf.MaxAgeDays,
			Compress:   lf.Compress,
		}
		w = rot
		closeFn = func() { _ = rot.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if srv.LogFormat == config.LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closeFn
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
