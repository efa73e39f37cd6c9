package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SweepExpired removes documents whose TTL has lapsed. Expiry does not
// generate change-log entries; consumers never see TTL deletes.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneChanges removes change-log rows older than the retention window.
// Rows above the lowest consumer checkpoint are always kept so that no
// consumer can lose unprocessed changes, whatever their age.
func (s *Store) PruneChanges(ctx context.Context, olderThan time.Duration) (int, error) {
	minSeq, err := s.minCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	if minSeq < 0 {
		// No consumer has checkpointed yet; keep everything.
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM changes WHERE occurred_at < ? AND seq <= ?`,
		cutoff, minSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("prune changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// pruneLeases drops leases that expired more than a day ago.
func (s *Store) pruneLeases(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE expires_at <= ?`,
		now.UTC().Add(-24*time.Hour).Format(time.RFC3339),
	)
	return err
}

// Sweeper periodically enforces document TTLs and prunes the change log
// and stale leases.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a TTL sweeper. Call Start to begin sweeping.
func NewSweeper(s *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:    s,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (w *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(sweepCtx)
}

// Stop cancels the sweeper and waits for it to exit.
func (w *Sweeper) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := w.store.SweepExpired(ctx, now)
	if err != nil {
		w.logger.Error("ttl sweep failed", "error", err)
	} else if expired > 0 {
		w.logger.Info("expired documents removed", "count", expired)
	}

	pruned, err := w.store.PruneChanges(ctx, 14*24*time.Hour)
	if err != nil {
		w.logger.Error("change log prune failed", "error", err)
	} else if pruned > 0 {
		w.logger.Debug("change log pruned", "count", pruned)
	}

	if err := w.store.pruneLeases(ctx, now); err != nil {
		w.logger.Error("lease prune failed", "error", err)
	}
}
