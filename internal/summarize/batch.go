package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/newsreel/internal/cluster"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/llm"
	"github.com/nugget/newsreel/internal/store"
	"github.com/nugget/newsreel/internal/usage"
)

// Batch job record statuses.
const (
	jobInFlight = "in_flight"
	jobDone     = "done"
)

// jobTTL keeps finished batch job records around for audit before the
// sweeper reclaims them.
const jobTTL = 7 * 24 * time.Hour

// batchMinAge is how settled a story must be before the batch path
// takes it; anything younger belongs to the realtime path.
const batchMinAge = time.Hour

// batchCallTimeout bounds each provider call. The batch itself may run
// for up to a day; no single status or submission exchange should.
const batchCallTimeout = 60 * time.Second

// batchItem is what a job remembers about one submitted story: the
// partition its result lands in and the source count the prompt was
// built from.
type batchItem struct {
	Category string `json:"category"`
	Sources  int    `json:"sources"`
}

// batchJob is the persisted record of one provider batch. Without it a
// restart would orphan in-flight batches and their results could never
// be applied.
type batchJob struct {
	ID          string               `json:"id"`
	SubmittedAt time.Time            `json:"submitted_at"`
	Requests    int                  `json:"requests"`
	Stories     map[string]batchItem `json:"stories"`
	Status      string               `json:"status"`
	Succeeded   int                  `json:"succeeded,omitempty"`
	Errored     int                  `json:"errored,omitempty"`
}

func (j *batchJob) document() (store.Document, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return store.Document{}, fmt.Errorf("marshal batch job %s: %w", j.ID, err)
	}
	return store.Document{
		Collection:   store.BatchJobs,
		PartitionKey: j.ID,
		ID:           j.ID,
		Body:         body,
		Status:       j.Status,
		RefTime:      j.SubmittedAt,
		ExpiresAt:    j.SubmittedAt.Add(jobTTL),
	}, nil
}

func jobFromDocument(doc store.Document) (*batchJob, error) {
	var j batchJob
	if err := json.Unmarshal(doc.Body, &j); err != nil {
		return nil, fmt.Errorf("unmarshal batch job %s: %w", doc.ID, err)
	}
	return &j, nil
}

// BatchWorker is the half-price summary path. On a slow cadence it
// sweeps for settled stories the realtime path never summarized,
// submits them as one provider batch, and polls in-flight batches until
// their results can be applied. Expired items cost nothing and are
// simply swept up again next cycle.
type BatchWorker struct {
	*writer
	batcher llm.Batcher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBatch creates the batch sweeper. Call Start to begin.
func NewBatch(cfg config.SummaryConfig, api config.AnthropicConfig, deps Deps) *BatchWorker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchWorker{
		writer: &writer{
			store:  deps.Store,
			ledger: deps.Ledger,
			api:    api,
			cfg:    cfg,
			bus:    deps.Bus,
			logger: logger.With("component", "summarize_batch"),
		},
		batcher: deps.Batcher,
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop: an immediate catch-up pass, then
// submission on the configured cadence with in-flight polling in
// between.
func (b *BatchWorker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.run(runCtx)
}

// Stop cancels the sweeper and waits for its goroutine to exit.
func (b *BatchWorker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}

func (b *BatchWorker) run(ctx context.Context) {
	defer close(b.done)

	b.logger.Info("batch summarizer starting",
		"submit_every_min", b.cfg.Batch.SubmitEveryMin,
		"poll_interval_sec", b.cfg.Batch.PollIntervalSec,
	)

	// Catch up on batches a previous run left in flight, then sweep.
	b.poll(ctx)
	b.submit(ctx)

	submit := time.NewTicker(time.Duration(b.cfg.Batch.SubmitEveryMin) * time.Minute)
	defer submit.Stop()
	poll := time.NewTicker(time.Duration(b.cfg.Batch.PollIntervalSec) * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("batch summarizer stopped")
			return
		case <-poll.C:
			b.poll(ctx)
		case <-submit.C:
			b.submit(ctx)
		}
	}
}

// submit sweeps for eligible stories and sends one provider batch.
// Stories with no body text get the fallback inline instead of wasting
// a batch slot.
func (b *BatchWorker) submit(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now().UTC()

	inflight, err := b.inflightStories(ctx)
	if err != nil {
		b.logger.Error("failed to load in-flight jobs", "error", err)
		return
	}

	maxSize := b.cfg.Batch.MaxSize
	if maxSize <= 0 || maxSize > llm.MaxBatchRequests {
		maxSize = llm.MaxBatchRequests
	}

	docs, err := b.store.Select(ctx, store.Query{
		Collection:  store.Stories,
		RefAfter:    now.Add(-time.Duration(b.cfg.Batch.BackfillHours) * time.Hour),
		RefBefore:   now.Add(-batchMinAge),
		NewestFirst: true,
		Limit:       maxSize * 4, // headroom for ineligible rows
	})
	if err != nil {
		b.logger.Error("failed to select stories", "error", err)
		return
	}

	var reqs []llm.BatchRequest
	items := make(map[string]batchItem)
	fallbacks := 0
	for _, doc := range docs {
		if len(reqs) == maxSize {
			break
		}
		s, err := cluster.FromDocument(doc)
		if err != nil {
			continue
		}
		if inflight[s.ID] || !b.needsSummary(s, now) {
			continue
		}
		sources, hasBody, err := b.loadSources(ctx, s)
		if err != nil {
			b.logger.Warn("failed to load sources", "story_id", s.ID, "error", err)
			continue
		}
		if !hasBody {
			if err := b.fallback(ctx, s, "no source body text", nil); err != nil {
				b.logger.Warn("fallback write failed", "story_id", s.ID, "error", err)
				continue
			}
			fallbacks++
			continue
		}
		reqs = append(reqs, llm.BatchRequest{CustomID: s.ID, Request: b.request(s, sources)})
		items[s.ID] = batchItem{Category: s.Category, Sources: s.VerificationLevel}
	}

	if len(reqs) == 0 {
		if fallbacks > 0 {
			b.logger.Info("batch sweep complete", "submitted", 0, "fallbacks", fallbacks)
		}
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, batchCallTimeout)
	created, err := b.batcher.CreateBatch(callCtx, reqs)
	cancel()
	if err != nil {
		// Stories stay unsummarized; the next sweep retries them.
		b.logger.Warn("batch submission failed", "requests", len(reqs), "error", err)
		return
	}

	job := &batchJob{
		ID:          created.ID,
		SubmittedAt: now,
		Requests:    len(reqs),
		Stories:     items,
		Status:      jobInFlight,
	}
	if err := b.saveJob(ctx, job); err != nil {
		// The provider runs the batch regardless; without the record
		// its results can never be applied.
		b.logger.Error("failed to persist batch job", "batch_id", created.ID, "error", err)
		return
	}

	b.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceSummarize,
		Kind:      events.KindBatchSubmitted,
		Data:      map[string]any{"batch_id": created.ID, "requests": len(reqs)},
	})
	b.logger.Info("batch submitted",
		"batch_id", created.ID,
		"requests", len(reqs),
		"fallbacks", fallbacks,
	)
}

// poll checks every in-flight batch and applies results for those that
// ended.
func (b *BatchWorker) poll(ctx context.Context) {
	jobs, err := b.loadJobs(ctx)
	if err != nil {
		b.logger.Error("failed to load in-flight jobs", "error", err)
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		b.pollJob(ctx, job)
	}
}

func (b *BatchWorker) pollJob(ctx context.Context, job *batchJob) {
	statusCtx, cancel := context.WithTimeout(ctx, batchCallTimeout)
	batch, err := b.batcher.GetBatch(statusCtx, job.ID)
	cancel()
	if err != nil {
		b.logger.Warn("batch status check failed", "batch_id", job.ID, "error", err)
		return
	}
	if !batch.Done() {
		b.logger.Debug("batch still processing",
			"batch_id", job.ID,
			"processing", batch.Counts.Processing,
		)
		return
	}

	resultsCtx, cancel := context.WithTimeout(ctx, batchCallTimeout)
	results, err := b.batcher.BatchResults(resultsCtx, job.ID)
	cancel()
	if err != nil {
		b.logger.Warn("batch results fetch failed", "batch_id", job.ID, "error", err)
		return
	}

	succeeded, errored := 0, 0
	for _, res := range results {
		item, ok := job.Stories[res.CustomID]
		if !ok {
			b.logger.Warn("batch result for unknown story", "batch_id", job.ID, "custom_id", res.CustomID)
			continue
		}
		switch res.Kind {
		case llm.ResultSucceeded:
			if err := b.applyResult(ctx, job, item, res); err != nil {
				b.logger.Warn("failed to apply batch result",
					"batch_id", job.ID,
					"story_id", res.CustomID,
					"error", err,
				)
				errored++
				continue
			}
			succeeded++
		case llm.ResultErrored:
			errored++
			b.logger.Warn("batch item errored",
				"batch_id", job.ID,
				"story_id", res.CustomID,
				"error", res.Err,
			)
		default:
			// Expired and canceled items are not charged; the story
			// still lacks a summary and the next sweep resubmits it.
		}
	}

	job.Status = jobDone
	job.Succeeded = succeeded
	job.Errored = errored
	if err := b.saveJob(ctx, job); err != nil {
		b.logger.Error("failed to finalize batch job", "batch_id", job.ID, "error", err)
		return
	}

	b.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceSummarize,
		Kind:      events.KindBatchCompleted,
		Data:      map[string]any{"batch_id": job.ID, "succeeded": succeeded, "errored": errored},
	})
	b.logger.Info("batch completed",
		"batch_id", job.ID,
		"requests", job.Requests,
		"succeeded", succeeded,
		"errored", errored,
	)
}

// applyResult lands one succeeded batch item on its story. A summary
// written after submission wins; the batch result is discarded.
func (b *BatchWorker) applyResult(ctx context.Context, job *batchJob, item batchItem, res llm.BatchResult) error {
	if res.Response == nil {
		return fmt.Errorf("succeeded result for %s has no message", res.CustomID)
	}

	doc, err := b.store.Get(ctx, store.Stories, item.Category, res.CustomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // story expired while the batch ran
	}
	if err != nil {
		return err
	}
	s, err := cluster.FromDocument(doc)
	if err != nil {
		return err
	}

	stale := func(cur *cluster.Story) bool {
		return cur.Summary == nil || !cur.Summary.GeneratedAt.After(job.SubmittedAt)
	}
	if !stale(s) {
		b.logger.Debug("batch result superseded", "batch_id", job.ID, "story_id", s.ID)
		return nil
	}

	text := strings.TrimSpace(res.Response.Text)
	if ind, refused := isRefusal(text); refused || text == "" {
		reason := "empty response"
		if refused {
			reason = "refusal: " + ind
		}
		return b.fallback(ctx, s, reason, stale)
	}
	return b.install(ctx, s, item.Sources, res.Response, usage.PathBatch, job.ID, stale)
}

func (b *BatchWorker) saveJob(ctx context.Context, j *batchJob) error {
	doc, err := j.document()
	if err != nil {
		return err
	}
	_, err = b.store.Upsert(ctx, doc)
	return err
}

// inflightStories returns the ids of stories already submitted in an
// unfinished batch, so a sweep does not pay for them twice.
func (b *BatchWorker) inflightStories(ctx context.Context) (map[string]bool, error) {
	jobs, err := b.loadJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, j := range jobs {
		for id := range j.Stories {
			out[id] = true
		}
	}
	return out, nil
}

// loadJobs returns all in-flight batch job records.
func (b *BatchWorker) loadJobs(ctx context.Context) ([]*batchJob, error) {
	docs, err := b.store.Select(ctx, store.Query{
		Collection: store.BatchJobs,
		Status:     jobInFlight,
	})
	if err != nil {
		return nil, err
	}
	jobs := make([]*batchJob, 0, len(docs))
	for _, doc := range docs {
		j, err := jobFromDocument(doc)
		if err != nil {
			b.logger.Error("unreadable batch job record", "job_id", doc.ID, "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
