// Package poller schedules and executes RSS/Atom feed fetches. Every
// tick it takes the feeds that have waited longest past their cooldown,
// fetches them through a bounded worker pool, normalizes the entries,
// and writes the survivors of the dedup barrier to the article store.
// Per-feed failures feed a backoff circuit; they never halt the cycle.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/newsreel/internal/article"
	"github.com/nugget/newsreel/internal/buildinfo"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/httpkit"
	"github.com/nugget/newsreel/internal/metrics"
	"github.com/nugget/newsreel/internal/store"
)

const (
	// maxCooldown caps the failure circuit; even a dead feed gets one
	// attempt per hour.
	maxCooldown = time.Hour

	// dedupWindow is how far back the exact-hash barrier looks.
	dedupWindow = 7 * 24 * time.Hour

	// nearDupWindow and nearDupScan bound the SimHash syndication scan
	// to recent same-category articles.
	nearDupWindow = 48 * time.Hour
	nearDupScan   = 500
)

// Poller is the feed polling worker. Create with New, then Start.
type Poller struct {
	store  *store.Store
	cfg    config.PollerConfig
	bus    *events.Bus
	logger *slog.Logger
	http   *http.Client

	mu     sync.Mutex
	states map[string]*feedState

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a feed poller over the configured roster.
func New(st *store.Store, cfg config.PollerConfig, bus *events.Bus, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:  st,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "poller"),
		http: httpkit.NewClient(
			httpkit.WithTimeout(time.Duration(cfg.RequestTimeoutSec)*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			// Feed hosts flap; one quick retry papers over the routing
			// blips without masking real outages from the circuit.
			httpkit.WithRetry(1, 2*time.Second),
			httpkit.WithLogger(logger.With("component", "poller")),
		),
		states: make(map[string]*feedState),
		done:   make(chan struct{}),
	}
}

// Start launches the poll loop. The first tick runs immediately.
func (p *Poller) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(workerCtx)
}

// Stop cancels the worker and waits for in-flight fetches to drain.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	if err := p.loadStates(ctx); err != nil {
		p.logger.Error("failed to load feed state ledger", "error", err)
	}

	p.logger.Info("feed poller starting",
		"feeds", len(p.cfg.Feeds),
		"tick_period_sec", p.cfg.TickPeriodSec,
		"feeds_per_tick", p.cfg.FeedsPerTick,
	)

	ticker := time.NewTicker(time.Duration(p.cfg.TickPeriodSec) * time.Second)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("feed poller stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick polls the due feeds concurrently. Worker errors are handled
// inside pollFeed; the group only bounds parallelism.
func (p *Poller) tick(ctx context.Context) {
	due := p.dueFeeds(time.Now().UTC())
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)
	for _, f := range due {
		g.Go(func() error {
			p.pollFeed(gctx, f)
			return nil
		})
	}
	g.Wait()
}

// dueFeeds selects up to FeedsPerTick feeds whose cooldown has elapsed,
// oldest poll first so no feed starves. Selected feeds have their
// last_poll_at claimed immediately, which keeps a slow fetch from being
// scheduled twice.
func (p *Poller) dueFeeds(now time.Time) []config.Feed {
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []config.Feed
	for _, f := range p.cfg.Feeds {
		st := p.states[f.ID]
		if st == nil {
			st = &feedState{FeedID: f.ID, URL: f.URL}
			p.states[f.ID] = st
		}
		if !st.LastPollAt.IsZero() && now.Sub(st.LastPollAt) < p.cooldown(f, st.ConsecutiveFailures) {
			continue
		}
		due = append(due, f)
	}

	sort.Slice(due, func(i, j int) bool {
		return p.states[due[i].ID].LastPollAt.Before(p.states[due[j].ID].LastPollAt)
	})
	if len(due) > p.cfg.FeedsPerTick {
		due = due[:p.cfg.FeedsPerTick]
	}

	for _, f := range due {
		st := p.states[f.ID]
		st.LastPollAt = now
		st.URL = f.URL
	}
	return due
}

// cooldown returns the effective poll gap for a feed: the tier base
// times the failure circuit multiplier (2, 4, 8, ... once the failure
// threshold is reached), capped at maxCooldown.
func (p *Poller) cooldown(f config.Feed, failures int) time.Duration {
	base := time.Duration(p.cfg.CooldownSec) * time.Second
	if f.Tier == 1 {
		base = time.Duration(p.cfg.Tier1CooldownSec) * time.Second
	}
	if failures < p.cfg.FailureThreshold {
		return base
	}

	d := base
	for i := p.cfg.FailureThreshold; i <= failures; i++ {
		d *= 2
		if d >= maxCooldown {
			return maxCooldown
		}
	}
	return d
}

// pollFeed fetches one feed and ingests its entries. All failure
// handling is local to the feed.
func (p *Poller) pollFeed(ctx context.Context, f config.Feed) {
	snap := p.snapshot(f.ID)

	res, err := fetchFeed(ctx, p.http, f.URL, &snap)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not the feed's fault; leave the circuit alone.
			return
		}
		status := 0
		if res != nil {
			status = res.status
		}
		after := p.update(f.ID, func(st *feedState) {
			st.ConsecutiveFailures++
			st.LastError = err.Error()
			st.LastStatus = status
		})
		p.persist(ctx, after)
		metrics.PollsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
		p.logger.Warn("feed poll failed",
			"feed_id", f.ID,
			"url", f.URL,
			"consecutive_failures", after.ConsecutiveFailures,
			"error", err,
		)
		p.publish(events.KindFeedFailed, map[string]any{
			"feed_id":              f.ID,
			"consecutive_failures": after.ConsecutiveFailures,
			"error":                err.Error(),
		})
		return
	}

	if res.status == http.StatusNotModified {
		after := p.update(f.ID, func(st *feedState) {
			st.ConsecutiveFailures = 0
			st.LastError = ""
			st.LastStatus = res.status
		})
		p.persist(ctx, after)
		metrics.PollsTotal.WithLabelValues("304").Inc()
		p.logger.Debug("feed unchanged", "feed_id", f.ID)
		p.publish(events.KindFeedPolled, map[string]any{
			"feed_id":      f.ID,
			"http_status":  res.status,
			"entries":      0,
			"new_articles": 0,
		})
		return
	}

	fetchedAt := time.Now().UTC()
	horizon := time.Duration(p.cfg.EntryHorizonHours) * time.Hour
	stored := 0

	for _, item := range res.feed.Items {
		if ctx.Err() != nil {
			break
		}

		a, reason := buildArticle(f, item, fetchedAt, horizon)
		if reason == "" {
			reason, err = p.ingest(ctx, a)
			if err != nil {
				p.logger.Warn("article ingest failed",
					"feed_id", f.ID,
					"url", item.Link,
					"error", err,
				)
				continue
			}
		}

		if reason != "" {
			metrics.ArticlesDropped.WithLabelValues(reason).Inc()
			p.logger.Debug("entry dropped", "feed_id", f.ID, "reason", reason, "url", item.Link)
			p.publish(events.KindArticleDropped, map[string]any{
				"feed_id": f.ID,
				"reason":  reason,
			})
			continue
		}

		stored++
		metrics.ArticlesStored.Inc()
		p.logger.Debug("article stored",
			"article_id", a.ID,
			"feed_id", f.ID,
			"category", a.Category,
			"title", a.Title,
		)
		p.publish(events.KindArticleStored, map[string]any{
			"article_id": a.ID,
			"feed_id":    f.ID,
			"category":   a.Category,
		})
	}

	after := p.update(f.ID, func(st *feedState) {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.LastStatus = res.status
		st.ETag = res.etag
		st.LastModified = res.lastModified
		st.LastSuccessAt = fetchedAt
		st.LastEntryCount = len(res.feed.Items)
	})
	p.persist(ctx, after)
	metrics.PollsTotal.WithLabelValues(strconv.Itoa(res.status)).Inc()
	p.logger.Info("feed polled",
		"feed_id", f.ID,
		"entries", len(res.feed.Items),
		"new_articles", stored,
	)
	p.publish(events.KindFeedPolled, map[string]any{
		"feed_id":      f.ID,
		"http_status":  res.status,
		"entries":      len(res.feed.Items),
		"new_articles": stored,
	})
}

// ingest runs the dedup barrier and stores the article. Returns the
// drop reason, or "" when the article was written.
func (p *Poller) ingest(ctx context.Context, a *article.Article) (string, error) {
	dup, err := p.store.Exists(ctx, store.Query{
		Collection: store.Articles,
		Hash:       a.ExactHash,
		RefAfter:   a.FetchedAt.Add(-dedupWindow),
	})
	if err != nil {
		return "", fmt.Errorf("exact-hash lookup: %w", err)
	}
	if dup {
		return dropDuplicate, nil
	}

	syndicated, err := p.nearDuplicate(ctx, a)
	if err != nil {
		return "", fmt.Errorf("near-duplicate scan: %w", err)
	}
	if syndicated {
		return dropSyndicated, nil
	}

	doc, err := a.Document()
	if err != nil {
		return "", err
	}
	if _, err := p.store.Upsert(ctx, doc); err != nil {
		return "", fmt.Errorf("store article: %w", err)
	}
	return "", nil
}

// nearDuplicate reports whether a recently stored article sits within
// SimHash Hamming distance of this one: the same wire copy under a
// different headline or outlet.
func (p *Poller) nearDuplicate(ctx context.Context, a *article.Article) (bool, error) {
	docs, err := p.store.Select(ctx, store.Query{
		Collection:  store.Articles,
		Category:    a.Category,
		RefAfter:    a.FetchedAt.Add(-nearDupWindow),
		NewestFirst: true,
		Limit:       nearDupScan,
	})
	if err != nil {
		return false, err
	}

	for _, doc := range docs {
		var probe struct {
			SimHash uint64 `json:"simhash"`
		}
		if err := json.Unmarshal(doc.Body, &probe); err != nil {
			continue
		}
		if article.HammingDistance(a.SimHash, probe.SimHash) <= article.NearDuplicateDistance {
			return true, nil
		}
	}
	return false, nil
}

// loadStates restores the persisted ledger for feeds still in the
// roster. Rows for removed feeds age out via their TTL.
func (p *Poller) loadStates(ctx context.Context) error {
	docs, err := p.store.Select(ctx, store.Query{Collection: store.FeedState})
	if err != nil {
		return err
	}

	roster := make(map[string]bool, len(p.cfg.Feeds))
	for _, f := range p.cfg.Feeds {
		roster[f.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, doc := range docs {
		st, err := stateFromDocument(doc)
		if err != nil {
			p.logger.Warn("skipping corrupt feed state", "id", doc.ID, "error", err)
			continue
		}
		if !roster[st.FeedID] {
			continue
		}
		p.states[st.FeedID] = st
	}
	p.logger.Debug("feed state ledger loaded", "entries", len(p.states))
	return nil
}

// snapshot returns a copy of a feed's state for lock-free use during
// the fetch.
func (p *Poller) snapshot(id string) feedState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.states[id]; st != nil {
		return *st
	}
	return feedState{FeedID: id}
}

// update mutates a feed's state under the lock and returns a copy.
func (p *Poller) update(id string, fn func(*feedState)) feedState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		st = &feedState{FeedID: id}
		p.states[id] = st
	}
	fn(st)
	return *st
}

func (p *Poller) persist(ctx context.Context, st feedState) {
	doc, err := st.document()
	if err == nil {
		_, err = p.store.Upsert(ctx, doc)
	}
	if err != nil {
		p.logger.Warn("failed to persist feed state", "feed_id", st.FeedID, "error", err)
	}
}

func (p *Poller) publish(kind string, data map[string]any) {
	p.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourcePoller,
		Kind:      kind,
		Data:      data,
	})
}
