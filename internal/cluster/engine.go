// Package cluster implements the clustering engine. It consumes the
// articles change feed and links each new article into a story cluster,
// creating one when nothing matches, then runs the status machine and
// the breaking-news notification edge inside the same document write.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/newsreel/internal/article"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/metrics"
	"github.com/nugget/newsreel/internal/status"
	"github.com/nugget/newsreel/internal/store"
)

// Consumer is the engine's change-feed checkpoint name.
const Consumer = "clustering"

// maxWriteAttempts bounds optimistic-concurrency retries per article.
const maxWriteAttempts = 5

// candidate pairs a decoded story with its document; the document
// carries the version the optimistic write must present.
type candidate struct {
	story *Story
	doc   store.Document
}

// Engine is the clustering change-feed consumer. Create with New, then
// Start.
type Engine struct {
	store   *store.Store
	cfg     config.ClusterConfig
	windows status.Windows
	bus     *events.Bus
	logger  *slog.Logger
	feed    *store.Feed
}

// New creates the clustering engine over the articles change feed.
func New(st *store.Store, cfg config.ClusterConfig, win status.Windows, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:   st,
		cfg:     cfg,
		windows: win,
		bus:     bus,
		logger:  logger.With("component", "cluster"),
	}
	e.feed = store.NewFeed(st, store.FeedConfig{
		Consumer:   Consumer,
		Collection: store.Articles,
	}, e.handle, e.logger)
	return e
}

// Start launches the change-feed pump.
func (e *Engine) Start(ctx context.Context) { e.feed.Start(ctx) }

// Stop drains the pump and waits for in-flight batches.
func (e *Engine) Stop() { e.feed.Stop() }

// handle processes one article change. Returning an error leaves the
// checkpoint behind the change so the batch is redelivered; returning
// nil advances past it.
func (e *Engine) handle(ctx context.Context, ch store.Change) error {
	if ch.Op != store.OpUpsert {
		return nil
	}

	doc, err := e.store.Get(ctx, store.Articles, ch.PartitionKey, ch.DocID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // expired and swept before we got here
	}
	if err != nil {
		return fmt.Errorf("load article %s: %w", ch.DocID, err)
	}

	a, err := article.FromDocument(doc)
	if err != nil {
		// Unreadable body; re-reading will never help.
		e.logger.Error("unreadable article document", "article_id", ch.DocID, "error", err)
		return nil
	}
	if a.Processed || a.Quarantined {
		return nil
	}

	if err := e.process(ctx, a); err != nil {
		return err
	}

	if !a.Quarantined {
		a.Processed = true
		adoc, err := a.Document()
		if err != nil {
			return err
		}
		if _, err := e.store.Upsert(ctx, adoc); err != nil {
			return fmt.Errorf("mark article processed: %w", err)
		}
	}
	return nil
}

// process clusters one article, retrying the optimistic write with a
// fresh read on version conflicts. An article that keeps losing the
// race is quarantined so it cannot wedge the feed.
func (e *Engine) process(ctx context.Context, a *article.Article) error {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err := e.processOnce(ctx, a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
		e.logger.Debug("story write conflict, re-evaluating",
			"article_id", a.ID,
			"attempt", attempt,
		)
	}

	return e.quarantine(ctx, a, fmt.Sprintf("write contention after %d attempts: %v", maxWriteAttempts, lastErr))
}

func (e *Engine) processOnce(ctx context.Context, a *article.Article) error {
	now := time.Now().UTC()

	cands, err := e.candidates(ctx, a, now)
	if err != nil {
		return err
	}

	// Redelivery after a crash between the story write and the
	// processed mark: the article is already linked somewhere.
	for _, c := range cands {
		if c.story.HasArticle(a.ID) {
			return nil
		}
	}

	matches := matchCandidates(e.cfg, a, cands)

	// Duplicate-source arbitration: within a story, one article per
	// outlet. A fresher article from the same outlet replaces the old
	// entry; a staler one falls through to the next-choice candidate.
	for _, m := range matches {
		idx := m.cand.story.SourceIndex(a.SourceID)
		if idx >= 0 && !a.PublishedAt.After(m.cand.story.Sources[idx].PublishedAt) {
			continue
		}
		return e.attach(ctx, m, a, idx, now)
	}

	return e.create(ctx, a, now)
}

// candidates loads stories in the article's category that are still
// live and whose seen-window overlaps the article's publish time.
func (e *Engine) candidates(ctx context.Context, a *article.Article, now time.Time) ([]candidate, error) {
	docs, err := e.store.Select(ctx, store.Query{
		Collection:   store.Stories,
		PartitionKey: a.Category,
		RefAfter:     now.Add(-time.Duration(e.cfg.LookbackDays) * 24 * time.Hour),
		NewestFirst:  true,
		Limit:        e.cfg.MaxCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("candidate query: %w", err)
	}

	window := time.Duration(e.cfg.WindowHours) * time.Hour
	var out []candidate
	for _, doc := range docs {
		s, err := FromDocument(doc)
		if err != nil {
			e.logger.Warn("skipping undecodable story", "id", doc.ID, "error", err)
			continue
		}
		if s.FirstSeen.After(a.PublishedAt.Add(window)) || s.LastUpdated.Before(a.PublishedAt.Add(-window)) {
			continue
		}
		out = append(out, candidate{story: s, doc: doc})
	}
	return out, nil
}

// attach links the article into the matched story and applies the full
// post-assignment update: source entry, aggregates, title rule, status
// evaluation, and the at-most-once notification edge, all in one
// optimistic document write.
func (e *Engine) attach(ctx context.Context, m candidateMatch, a *article.Article, replaceIdx int, now time.Time) error {
	s := m.cand.story
	prevStatus := s.Status
	prevUpdated := s.LastUpdated
	vlBefore := s.VerificationLevel

	// Shared-entity count must predate the merge below, which would
	// trivially make every article entity "shared".
	shared := entityOverlap(s, a.Entities)

	if replaceIdx >= 0 {
		s.ReplaceSource(replaceIdx, a, now)
	} else {
		s.AddSource(a, now)
	}

	// A longer headline with real entity overlap is a better title; a
	// verbose headline about something else is not.
	if len(a.Title) > len(s.Title) && shared >= titleReplaceEntityMin {
		s.Title = a.Title
	}

	s.LastUpdated = now
	s.UpdateCount++

	// The machine sees the pre-mutation last_updated so its recency
	// windows measure the real gap between updates.
	next := status.Evaluate(status.Input{
		Prev:              prevStatus,
		VerificationLevel: s.VerificationLevel,
		FirstSeen:         s.FirstSeen,
		LastUpdated:       prevUpdated,
		Now:               now,
		GainingSources:    s.VerificationLevel > vlBefore,
	}, e.windows)

	notify := false
	if status.EnteredBreaking(prevStatus, next) {
		s.BreakingDetectedAt = now
		if !s.PushNotificationSent {
			s.PushNotificationSent = true
			s.PushNotificationSentAt = now
			notify = true
		}
	}
	s.Status = next

	doc, err := s.Document()
	if err != nil {
		return err
	}
	if _, err := e.store.Replace(ctx, doc, m.cand.doc.Version); err != nil {
		return err
	}

	metrics.ClustersExtended.WithLabelValues(string(m.path)).Inc()
	e.logger.Info("article linked to story",
		"article_id", a.ID,
		"cluster_id", s.ID,
		"path", m.path,
		"verification_level", s.VerificationLevel,
		"status", s.Status,
	)
	e.publish(events.KindClusterExtended, map[string]any{
		"cluster_id":         s.ID,
		"article_id":         a.ID,
		"path":               string(m.path),
		"verification_level": s.VerificationLevel,
	})

	if next != prevStatus {
		metrics.StatusTransitions.WithLabelValues(string(prevStatus), string(next)).Inc()
		e.logger.Info("story status changed",
			"cluster_id", s.ID,
			"from", prevStatus,
			"to", next,
			"verification_level", s.VerificationLevel,
		)
		e.publish(events.KindStatusChanged, map[string]any{
			"cluster_id":         s.ID,
			"from":               string(prevStatus),
			"to":                 string(next),
			"verification_level": s.VerificationLevel,
		})
	}
	if notify {
		e.publish(events.KindBreakingDetected, map[string]any{
			"cluster_id": s.ID,
			"title":      s.Title,
			"category":   s.Category,
		})
	}
	return nil
}

// create opens a new cluster seeded by this article.
func (e *Engine) create(ctx context.Context, a *article.Article, now time.Time) error {
	s := NewStory(a, now)
	doc, err := s.Document()
	if err != nil {
		return err
	}
	if _, err := e.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("create story: %w", err)
	}

	metrics.ClustersCreated.Inc()
	e.logger.Info("story created",
		"cluster_id", s.ID,
		"category", s.Category,
		"title", s.Title,
	)
	e.publish(events.KindClusterCreated, map[string]any{
		"cluster_id": s.ID,
		"category":   s.Category,
		"title":      s.Title,
	})
	return nil
}

// quarantine parks a poison article so the feed can move past it.
func (e *Engine) quarantine(ctx context.Context, a *article.Article, reason string) error {
	a.Quarantined = true
	a.QuarantineReason = reason
	doc, err := a.Document()
	if err != nil {
		return err
	}
	if _, err := e.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("quarantine article %s: %w", a.ID, err)
	}
	e.logger.Warn("article quarantined", "article_id", a.ID, "reason", reason)
	return nil
}

func (e *Engine) publish(kind string, data map[string]any) {
	e.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceCluster,
		Kind:      kind,
		Data:      data,
	})
}
