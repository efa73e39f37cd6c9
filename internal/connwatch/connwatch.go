// Package connwatch tracks whether the LLM provider is reachable.
//
// This sits above httpkit's transport retry, which absorbs sub-second
// dial blips. connwatch answers for the minutes-long failures: provider
// incidents, expired credentials, a partitioned network. The realtime
// summary worker consults IsReady before spending a synchronous call;
// while the provider is down, due stories fall through to the batch
// queue instead of erroring one at a time.
//
// A watcher probes in two phases: exponential backoff at startup, then
// steady polling with ready/down transition hooks.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks reachability. nil means healthy. Must be safe for
// concurrent use.
type ProbeFunc func(ctx context.Context) error

// Backoff is the probe schedule.
type Backoff struct {
	// Initial is the delay after the first failed startup probe; each
	// further failure multiplies it by Multiplier up to Max.
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// StartupAttempts bounds the backoff phase. After this many failed
	// probes the watcher settles into background polling, unready.
	StartupAttempts int

	// PollInterval is the steady-state probe cadence.
	PollInterval time.Duration

	// ProbeTimeout bounds one probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoff returns the standard schedule: 2s, 4s, 8s, up to a 60s
// cap, ten startup attempts, then a probe every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 10,
		PollInterval:    60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = def.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = def.StartupAttempts
	}
	if b.PollInterval <= 0 {
		b.PollInterval = def.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = def.ProbeTimeout
	}
	return b
}

// Config describes the service to watch. Zero-value Backoff fields take
// defaults.
type Config struct {
	// Name appears in log lines.
	Name string

	Probe   ProbeFunc
	Backoff Backoff

	// OnReady fires on the not-ready to ready transition, OnDown on the
	// reverse. Both run on their own goroutine; both are optional.
	OnReady func()
	OnDown  func(error)

	Logger *slog.Logger
}

// Watcher probes one service until stopped. Create with New, then
// Start.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	lastErr error
}

// New creates a watcher. A nil Probe is a programming error and panics.
func New(cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "provider"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	return &Watcher{cfg: cfg, done: make(chan struct{})}
}

// Start launches the probe loop. The first probe runs immediately.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// IsReady reports whether the service answered its most recent probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, nil while healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	// Startup phase. Backing off here keeps a boot during a provider
	// incident from hammering the endpoint.
	delay := w.cfg.Backoff.Initial
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.setReady(err == nil, err)
		if err == nil {
			break
		}
		if attempt >= w.cfg.Backoff.StartupAttempts {
			w.cfg.Logger.Info("startup probes exhausted, polling in background",
				"service", w.cfg.Name,
				"attempts", attempt,
				"error", err)
			break
		}
		w.cfg.Logger.Debug("startup probe failed",
			"service", w.cfg.Name,
			"attempt", attempt,
			"next_delay", delay,
			"error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * w.cfg.Backoff.Multiplier)
		if delay > w.cfg.Backoff.Max {
			delay = w.cfg.Backoff.Max
		}
	}

	// Steady state.
	ticker := time.NewTicker(w.cfg.Backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				// Shutdown, not an outage; no down transition.
				return
			}
			w.setReady(err == nil, err)
		}
	}
}

// setReady records a probe outcome and announces transitions.
func (w *Watcher) setReady(now bool, err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()

	was := w.ready.Swap(now)
	switch {
	case !was && now:
		w.cfg.Logger.Info("service reachable", "service", w.cfg.Name)
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case was && !now:
		w.cfg.Logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

// sleepCtx sleeps for d, returning false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
