package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/newsreel/internal/cluster"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/llm"
	"github.com/nugget/newsreel/internal/store"
	"github.com/nugget/newsreel/internal/usage"
)

// Consumer is the realtime worker's change-feed checkpoint name.
const Consumer = "summarize"

// leaseTTL bounds how long one worker holds a story's summary lease.
const leaseTTL = 2 * time.Minute

// realtimeTimeout bounds one synchronous completion call.
const realtimeTimeout = 60 * time.Second

// Worker is the realtime summary path. It consumes the stories change
// feed and synthesizes a summary for each cluster that needs one. When
// the provider is unreachable or a call fails, the story is left for
// the batch sweeper instead of wedging the feed.
type Worker struct {
	*writer
	client llm.Client
	ready  func() bool
	owner  string
	feed   *store.Feed
}

// New creates the realtime summary worker over the stories change feed.
// Call Start to begin.
func New(cfg config.SummaryConfig, api config.AnthropicConfig, deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "summarize")

	w := &Worker{
		writer: &writer{
			store:  deps.Store,
			ledger: deps.Ledger,
			api:    api,
			cfg:    cfg,
			bus:    deps.Bus,
			logger: logger,
		},
		client: deps.Client,
		ready:  deps.Ready,
		owner:  "summarize-" + store.NewID(),
	}
	w.feed = store.NewFeed(deps.Store, store.FeedConfig{
		Consumer:   Consumer,
		Collection: store.Stories,
	}, w.handle, logger)
	return w
}

// Start launches the change-feed pump.
func (w *Worker) Start(ctx context.Context) { w.feed.Start(ctx) }

// Stop drains the pump and waits for in-flight work.
func (w *Worker) Stop() { w.feed.Stop() }

// handle processes one story change. Failures the batch path can
// recover later return nil so the checkpoint advances; only store
// errors fail the batch for redelivery.
func (w *Worker) handle(ctx context.Context, ch store.Change) error {
	if ch.Op != store.OpUpsert {
		return nil
	}

	doc, err := w.store.Get(ctx, store.Stories, ch.PartitionKey, ch.DocID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // expired and swept before we got here
	}
	if err != nil {
		return fmt.Errorf("load story %s: %w", ch.DocID, err)
	}
	s, err := cluster.FromDocument(doc)
	if err != nil {
		// Unreadable body; re-reading will never help.
		w.logger.Error("unreadable story document", "story_id", ch.DocID, "error", err)
		return nil
	}

	if !w.needsSummary(s, time.Now().UTC()) {
		return nil
	}

	// Provider down: skip for now, the batch sweeper picks it up.
	if w.ready != nil && !w.ready() {
		w.logger.Debug("provider unreachable, deferring to batch", "story_id", s.ID)
		return nil
	}

	// At most one in-flight summary job per cluster.
	lease := "summary:" + s.ID
	ok, err := w.store.AcquireLease(ctx, lease, w.owner, leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", lease, err)
	}
	if !ok {
		return nil
	}
	defer w.store.ReleaseLease(ctx, lease, w.owner)

	return w.summarize(ctx, s)
}

// summarize runs one realtime generation against a story snapshot.
func (w *Worker) summarize(ctx context.Context, s *cluster.Story) error {
	sources, hasBody, err := w.loadSources(ctx, s)
	if err != nil {
		return err
	}
	if !hasBody {
		return w.fallback(ctx, s, "no source body text", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, realtimeTimeout)
	defer cancel()
	resp, err := w.client.Complete(callCtx, w.request(s, sources))
	if err != nil {
		// The cluster still lacks a current summary, so the batch
		// sweeper will retry it; advancing the checkpoint is safe.
		w.logger.Warn("summary call failed, leaving for batch",
			"story_id", s.ID,
			"error", err,
		)
		return nil
	}

	text := strings.TrimSpace(resp.Text)
	if ind, refused := isRefusal(text); refused || text == "" {
		reason := "empty response"
		if refused {
			reason = "refusal: " + ind
		}
		return w.fallback(ctx, s, reason, nil)
	}

	return w.install(ctx, s, s.VerificationLevel, resp, usage.PathRealtime, "", nil)
}
