// Command newsreeld runs the Newsreel pipeline: poll the feed roster,
// cluster articles into stories, track breaking status, summarize, and
// broadcast breaking alerts over MQTT.
//
// Usage:
//
//	newsreeld [flags]
//
// Flags:
//
//	--config PATH      config file (default: search ./config.yaml,
//	                   ~/.config/newsreel/config.yaml, /etc/newsreel/config.yaml)
//	--log-level LEVEL  trace, debug, info, warn, or error (overrides config)
//	--log-format FMT   text or json (default: text)
//	--version          print build information and exit
//	-h, --help         print usage and exit
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/newsreel/internal/buildinfo"
	"github.com/nugget/newsreel/internal/cluster"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/connwatch"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/llm"
	"github.com/nugget/newsreel/internal/metrics"
	"github.com/nugget/newsreel/internal/monitor"
	"github.com/nugget/newsreel/internal/notify"
	"github.com/nugget/newsreel/internal/paths"
	"github.com/nugget/newsreel/internal/poller"
	"github.com/nugget/newsreel/internal/status"
	"github.com/nugget/newsreel/internal/store"
	"github.com/nugget/newsreel/internal/summarize"
	"github.com/nugget/newsreel/internal/usage"
)

func main() {
	ctx := context.Background()
	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run is the testable entrypoint. Flags are parsed by hand: the flag
// package keeps parse state in package globals, which would make run
// unsafe to call from parallel tests.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var (
		configPath string
		logLevel   string
		logFormat  = "text"
	)

	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "--config", "-config":
			i++
			if i >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			configPath = args[i]
		case "--log-level":
			i++
			if i >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			logLevel = args[i]
		case "--log-format":
			i++
			if i >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			logFormat = args[i]
		case "--version", "-version":
			fmt.Fprintln(stdout, buildinfo.String())
			return nil
		case "-h", "--help", "-help":
			printUsage(stdout)
			return nil
		default:
			printUsage(stderr)
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if logFormat != "text" && logFormat != "json" {
		return fmt.Errorf("unknown log format %q (want text or json)", logFormat)
	}

	return runServe(ctx, stdout, configPath, logLevel, logFormat)
}

// runServe wires the pipeline together and blocks until SIGINT or
// SIGTERM arrives, then drains the workers in pipeline order.
func runServe(ctx context.Context, stdout io.Writer, configPath, logLevel, logFormat string) error {
	// --- Configuration ---

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// --- Logging ---

	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, logFormat)

	logger.Info("newsreel starting",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"feeds", len(cfg.Poller.Feeds))

	// --- Boot validation ---

	// A daemon missing its API key would poll happily for hours before
	// anyone noticed the summaries never arrived. Reject at boot instead.
	if err := validateBoot(cfg); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// --- Storage ---

	dataDir, err := paths.DataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}

	st, err := store.Open(paths.DataFile(dataDir, "newsreel.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ledger, err := usage.NewStore(paths.DataFile(dataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer ledger.Close()

	// --- Signals ---

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Events and metrics ---

	bus := events.New()

	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.Address, cfg.Metrics.Port)
		go metrics.Serve(ctx, addr, logger)
	}
	if level <= slog.LevelDebug {
		go traceEvents(ctx, bus, logger)
	}

	// --- LLM provider ---

	client := llm.NewAnthropic(cfg.Anthropic, logger)

	watcher := connwatch.New(connwatch.Config{
		Name:  "anthropic",
		Probe: client.Ping,
		OnReady: func() {
			logger.Info("realtime summary path open")
		},
		OnDown: func(err error) {
			logger.Warn("realtime summaries deferred to batch until the provider recovers", "error", err)
		},
		Logger: logger,
	})
	watcher.Start(ctx)
	defer watcher.Stop()

	// --- Pipeline workers ---

	windows := statusWindows(cfg.Status)

	sweeper := store.NewSweeper(st, time.Hour, logger)
	pol := poller.New(st, cfg.Poller, bus, logger)
	engine := cluster.New(st, cfg.Cluster, windows, bus, logger)

	deps := summarize.Deps{
		Store:   st,
		Ledger:  ledger,
		Client:  client,
		Batcher: client,
		Ready:   watcher.IsReady,
		Bus:     bus,
		Logger:  logger,
	}
	summarizer := summarize.New(cfg.Summary, cfg.Anthropic, deps)
	var batch *summarize.BatchWorker
	if cfg.Summary.Batch.Enabled {
		batch = summarize.NewBatch(cfg.Summary, cfg.Anthropic, deps)
	}

	mon := monitor.New(st, cfg.Monitor, windows, bus, logger)

	// --- Notifications ---

	var (
		broadcaster *notify.Broadcaster
		notifier    *notify.Notifier
	)
	if cfg.Notify.Enabled {
		broadcaster = notify.NewBroadcaster(cfg.Notify.MQTT, logger)
		if err := broadcaster.Connect(ctx); err != nil {
			return fmt.Errorf("connect mqtt broker: %w", err)
		}
		notifier = notify.New(st, broadcaster, cfg.Notify.MQTT, bus, logger)
	}

	// --- Start ---

	sweeper.Start(ctx)
	if notifier != nil {
		notifier.Start(ctx)
	}
	mon.Start(ctx)
	summarizer.Start(ctx)
	if batch != nil {
		batch.Start(ctx)
	}
	engine.Start(ctx)
	pol.Start(ctx)

	logger.Info("newsreel running")
	<-ctx.Done()
	logger.Info("shutting down")

	// --- Shutdown ---

	// Drain in pipeline order: stop ingesting first, then let each
	// downstream stage finish its in-flight work before the stage after
	// it stops listening.
	pol.Stop()
	engine.Stop()
	summarizer.Stop()
	if batch != nil {
		batch.Stop()
	}
	mon.Stop()
	if notifier != nil {
		notifier.Stop()
	}
	sweeper.Stop()

	if broadcaster != nil {
		// The signal context is already cancelled; give the retained
		// offline publish its own deadline.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		broadcaster.Close(closeCtx)
		cancel()
	}

	logger.Info("newsreel stopped")
	return nil
}

// loadConfig resolves and loads the config file. An explicit path must
// exist; with none given the default search paths are tried.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// validateBoot rejects configurations that would otherwise fail at
// first use instead of at startup.
func validateBoot(cfg *config.Config) error {
	if cfg.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is empty (summaries cannot run; set it or export ANTHROPIC_API_KEY and reference it as ${ANTHROPIC_API_KEY})")
	}
	if cfg.Notify.Enabled && cfg.Notify.MQTT.BrokerURL == "" {
		return fmt.Errorf("notify.enabled is set but notify.mqtt.broker_url is empty")
	}
	return nil
}

// statusWindows converts the config's minute counts into the durations
// the status evaluator and the breaking-news monitor share. Zero or
// negative values keep the defaults.
func statusWindows(cfg config.StatusConfig) status.Windows {
	w := status.DefaultWindows()
	if cfg.BreakingWindowMin > 0 {
		w.Breaking = time.Duration(cfg.BreakingWindowMin) * time.Minute
	}
	if cfg.RePromoteWindowMin > 0 {
		w.RePromote = time.Duration(cfg.RePromoteWindowMin) * time.Minute
	}
	if cfg.MaintainWindowMin > 0 {
		w.Maintain = time.Duration(cfg.MaintainWindowMin) * time.Minute
	}
	if cfg.IdleTimeoutMin > 0 {
		w.Idle = time.Duration(cfg.IdleTimeoutMin) * time.Minute
	}
	return w
}

// traceEvents mirrors every bus event to the debug log. One
// subscription, no state; the cheapest pipeline trace there is.
func traceEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			logger.Debug("event",
				"source", ev.Source,
				"kind", ev.Kind,
				"data", ev.Data)
		}
	}
}

// newLogger builds the process logger: text for people, JSON for log
// shippers. ReplaceLogLevelNames keeps trace records labeled TRACE.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `newsreeld - breaking news aggregation daemon

Usage:
  newsreeld [flags]

Flags:
  --config PATH      config file (default: search ./config.yaml,
                     ~/.config/newsreel/config.yaml, /etc/newsreel/config.yaml)
  --log-level LEVEL  trace, debug, info, warn, or error (overrides config)
  --log-format FMT   text or json (default: text)
  --version          print build information and exit
  -h, --help         print usage and exit
`)
}
