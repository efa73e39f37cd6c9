package store

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/newsreel/internal/metrics"
)

// Handler processes one change-log entry. Returning an error fails the
// whole batch: the checkpoint does not advance and every entry in the
// batch will be redelivered. Handlers must therefore be idempotent and
// deal with poison input themselves (quarantine and return nil).
type Handler func(ctx context.Context, ch Change) error

// FeedConfig controls a change-feed consumer.
type FeedConfig struct {
	// Consumer names the persisted checkpoint. Each consumer owns its
	// checkpoint exclusively.
	Consumer string

	// Collection limits delivery to one collection's changes.
	Collection string

	// BatchSize is the max changes fetched per poll. Default: 100.
	BatchSize int

	// PollInterval is the idle delay between polls when the log is
	// drained. Default: 2 seconds.
	PollInterval time.Duration

	// MaxParallel bounds how many partitions process concurrently
	// within a batch. Entries for the same partition key are always
	// handled sequentially in sequence order. Default: 4.
	MaxParallel int
}

func (c *FeedConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
}

// Feed is a change-stream subscription pump: it polls the mutation log
// from the consumer's persisted checkpoint, fans a batch out across
// partitions, and advances the checkpoint only after the entire batch
// has been handled. Delivery is at least once, ordered within each
// partition key.
type Feed struct {
	store   *Store
	config  FeedConfig
	handler Handler
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed creates a change-feed pump. Call Start to begin delivery.
func NewFeed(s *Store, cfg FeedConfig, h Handler, logger *slog.Logger) *Feed {
	cfg.applyDefaults()
	return &Feed{
		store:   s,
		config:  cfg,
		handler: h,
		logger:  logger.With("component", "changefeed", "consumer", cfg.Consumer),
		done:    make(chan struct{}),
	}
}

// Start begins pumping changes in the background.
func (f *Feed) Start(ctx context.Context) {
	feedCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.run(feedCtx)
}

// Stop cancels the pump and waits for in-flight work to drain.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	checkpoint, err := f.store.Checkpoint(ctx, f.config.Consumer)
	if err != nil {
		f.logger.Error("failed to load checkpoint", "error", err)
		return
	}
	f.logger.Info("change feed starting", "checkpoint", checkpoint)

	failures := 0
	for {
		if ctx.Err() != nil {
			f.logger.Info("change feed stopped", "checkpoint", checkpoint)
			return
		}

		batch, err := f.store.ChangesSince(ctx, f.config.Collection, checkpoint, f.config.BatchSize)
		if err != nil {
			f.logger.Error("failed to read changes", "error", err)
			if !sleepCtx(ctx, backoffDelay(failures)) {
				return
			}
			failures++
			continue
		}

		if len(batch) == 0 {
			f.reportLag(ctx, checkpoint)
			if !sleepCtx(ctx, f.config.PollInterval) {
				return
			}
			continue
		}

		if err := f.deliver(ctx, batch); err != nil {
			// Batch failed: do not advance, redeliver after a backoff.
			f.logger.Warn("batch failed, will redeliver",
				"from", batch[0].Seq,
				"to", batch[len(batch)-1].Seq,
				"error", err,
			)
			if !sleepCtx(ctx, backoffDelay(failures)) {
				return
			}
			failures++
			continue
		}
		failures = 0

		checkpoint = batch[len(batch)-1].Seq
		if err := f.store.SaveCheckpoint(ctx, f.config.Consumer, checkpoint); err != nil {
			f.logger.Error("failed to save checkpoint", "error", err)
		}
		f.reportLag(ctx, checkpoint)
	}
}

// deliver fans one batch out across partitions: sequential within a
// partition key, parallel (bounded) across partition keys.
func (f *Feed) deliver(ctx context.Context, batch []Change) error {
	partitions := make(map[string][]Change)
	var keys []string
	for _, ch := range batch {
		if _, ok := partitions[ch.PartitionKey]; !ok {
			keys = append(keys, ch.PartitionKey)
		}
		partitions[ch.PartitionKey] = append(partitions[ch.PartitionKey], ch)
	}
	sort.Strings(keys)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.MaxParallel)
	for _, key := range keys {
		entries := partitions[key]
		g.Go(func() error {
			for _, ch := range entries {
				if err := f.handler(gctx, ch); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (f *Feed) reportLag(ctx context.Context, checkpoint int64) {
	latest, err := f.store.LatestSeq(ctx, f.config.Collection)
	if err != nil {
		return
	}
	lag := latest - checkpoint
	if lag < 0 {
		lag = 0
	}
	metrics.ChangeFeedLag.WithLabelValues(f.config.Consumer).Set(float64(lag))
}

// backoffDelay returns a jittered exponential delay for the given
// consecutive failure count, capped at 30 seconds.
func backoffDelay(failures int) time.Duration {
	d := 500 * time.Millisecond
	for i := 0; i < failures && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d/4+1)))
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns true if the
// sleep completed, false if the context was cancelled.
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
