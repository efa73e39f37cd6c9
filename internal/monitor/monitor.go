// Package monitor runs the breaking-news compensation sweep. The
// clustering engine changes story status inline, but two situations
// only a clock can catch: a BREAKING story whose sources went quiet,
// and a BREAKING story that somehow never got its push notification.
// The monitor scans for both on a timer and repairs them with
// optimistic writes.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/newsreel/internal/cluster"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/metrics"
	"github.com/nugget/newsreel/internal/status"
	"github.com/nugget/newsreel/internal/store"
)

// maxWriteAttempts bounds optimistic-concurrency retries per story.
const maxWriteAttempts = 5

// Worker is the periodic monitor. Create with New, then Start.
type Worker struct {
	store      *store.Store
	period     time.Duration
	compWindow time.Duration
	idle       time.Duration
	bus        *events.Bus
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the monitor. The idle threshold comes from the same
// status windows the clustering engine evaluates with, so the two
// never disagree about when BREAKING has lapsed.
func New(st *store.Store, cfg config.MonitorConfig, win status.Windows, bus *events.Bus, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	period := time.Duration(cfg.PeriodMin) * time.Minute
	if period <= 0 {
		period = 5 * time.Minute
	}
	comp := time.Duration(cfg.CompensationWindowMin) * time.Minute
	if comp <= 0 {
		comp = time.Hour
	}
	return &Worker{
		store:      st,
		period:     period,
		compWindow: comp,
		idle:       win.Idle,
		bus:        bus,
		logger:     logger.With("component", "monitor"),
		done:       make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)
}

// Stop cancels the monitor and waits for the current sweep to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("breaking-news monitor starting", "period", w.period)

	// Sweep immediately. Compensations must not also wait out a full
	// period after a restart.
	w.sweep(ctx)

	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("breaking-news monitor stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep scans every BREAKING story once. A story cannot need both
// repairs: an idle story is by definition older than the compensation
// window.
func (w *Worker) sweep(ctx context.Context) {
	now := time.Now().UTC()

	docs, err := w.store.Select(ctx, store.Query{
		Collection: store.Stories,
		Status:     string(status.Breaking),
	})
	if err != nil {
		w.logger.Error("breaking story scan failed", "error", err)
		return
	}

	var demoted, recovered int
	for _, doc := range docs {
		if ctx.Err() != nil {
			return
		}
		s, err := cluster.FromDocument(doc)
		if err != nil {
			w.logger.Error("unreadable story document", "cluster_id", doc.ID, "error", err)
			continue
		}
		switch {
		case now.Sub(s.LastUpdated) >= w.idle:
			if w.demote(ctx, s.Category, s.ID, now) {
				demoted++
			}
		case !s.PushNotificationSent && now.Sub(s.FirstSeen) <= w.compWindow:
			if w.recover(ctx, s.Category, s.ID, now) {
				recovered++
			}
		}
	}

	w.logger.Debug("monitor sweep complete",
		"scanned", len(docs),
		"demoted", demoted,
		"recovered", recovered,
	)
	w.publish(events.KindSweepComplete, map[string]any{
		"scanned":   len(docs),
		"demoted":   demoted,
		"recovered": recovered,
	})
}

// demote moves an idle BREAKING story to VERIFIED. The write stamps
// last_updated so the re-promote window measures from the demotion
// rather than from the long-gone final source.
func (w *Worker) demote(ctx context.Context, category, id string, now time.Time) bool {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		doc, err := w.store.Get(ctx, store.Stories, category, id)
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		if err != nil {
			w.logger.Error("story read failed", "cluster_id", id, "error", err)
			return false
		}
		s, err := cluster.FromDocument(doc)
		if err != nil {
			w.logger.Error("unreadable story document", "cluster_id", id, "error", err)
			return false
		}

		idle := now.Sub(s.LastUpdated)
		if s.Status != status.Breaking || idle < w.idle {
			// A fresh source arrived between scan and write.
			return false
		}

		s.Status = status.Verified
		s.LastUpdated = now

		next, err := s.Document()
		if err != nil {
			w.logger.Error("story encode failed", "cluster_id", id, "error", err)
			return false
		}
		if _, err := w.store.Replace(ctx, next, doc.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			w.logger.Error("story demotion failed", "cluster_id", id, "error", err)
			return false
		}

		metrics.StatusTransitions.WithLabelValues(string(status.Breaking), string(status.Verified)).Inc()
		w.logger.Info("idle breaking story demoted",
			"cluster_id", id,
			"category", category,
			"idle_min", int(idle.Minutes()),
		)
		w.publish(events.KindStoryVerified, map[string]any{
			"cluster_id": id,
			"idle_min":   int(idle.Minutes()),
		})
		return true
	}
	w.logger.Warn("story demotion lost to contention", "cluster_id", id)
	return false
}

// recover flips push_notification_sent on a recent BREAKING story that
// missed its broadcast and republishes the notification event. The
// compensation window keeps hour-old news from waking anyone's phone.
func (w *Worker) recover(ctx context.Context, category, id string, now time.Time) bool {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		doc, err := w.store.Get(ctx, store.Stories, category, id)
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		if err != nil {
			w.logger.Error("story read failed", "cluster_id", id, "error", err)
			return false
		}
		s, err := cluster.FromDocument(doc)
		if err != nil {
			w.logger.Error("unreadable story document", "cluster_id", id, "error", err)
			return false
		}

		if s.Status != status.Breaking || s.PushNotificationSent || now.Sub(s.FirstSeen) > w.compWindow {
			return false
		}

		s.PushNotificationSent = true
		s.PushNotificationSentAt = now

		next, err := s.Document()
		if err != nil {
			w.logger.Error("story encode failed", "cluster_id", id, "error", err)
			return false
		}
		if _, err := w.store.Replace(ctx, next, doc.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			w.logger.Error("notification recovery failed", "cluster_id", id, "error", err)
			return false
		}

		w.logger.Info("missed breaking notification recovered",
			"cluster_id", id,
			"category", category,
			"title", s.Title,
		)
		w.publish(events.KindNotificationRecovered, map[string]any{
			"cluster_id": id,
			"category":   category,
			"title":      s.Title,
		})
		return true
	}
	w.logger.Warn("notification recovery lost to contention", "cluster_id", id)
	return false
}

func (w *Worker) publish(kind string, data map[string]any) {
	w.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceMonitor,
		Kind:      kind,
		Data:      data,
	})
}
