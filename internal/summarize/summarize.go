// Package summarize generates the multi-source story summaries. Two
// paths write them: a realtime worker driven by the stories change feed
// (Worker) and a half-price batch sweeper that picks up everything the
// realtime path skipped or deferred (BatchWorker). Both paths compose
// the same prompt, detect model refusals the same way, and fall back to
// the same deterministic title-derived summary, so a story's summary
// block reads identically no matter which path produced it.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nugget/newsreel/internal/article"
	"github.com/nugget/newsreel/internal/cluster"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/llm"
	"github.com/nugget/newsreel/internal/metrics"
	"github.com/nugget/newsreel/internal/prompts"
	"github.com/nugget/newsreel/internal/store"
	"github.com/nugget/newsreel/internal/usage"
)

// maxWriteAttempts bounds optimistic-concurrency retries per summary
// write.
const maxWriteAttempts = 5

// maxPromptSources caps how many source articles feed one prompt.
const maxPromptSources = 8

// maxExcerptLen caps each source excerpt, in bytes.
const maxExcerptLen = 1200

// maxSummaryWords hard-truncates model output.
const maxSummaryWords = 200

// refusalIndicators mark a model response as a refusal rather than a
// summary. Matching is case-insensitive substring search.
var refusalIndicators = []string{
	"cannot create",
	"cannot provide",
	"cannot summarize",
	"unable to provide",
	"unable to summarize",
	"insufficient information",
	"not enough information",
	"based on the provided information",
	"i apologize",
	"as an ai",
}

// Deps bundles the collaborators the summary workers are built from.
// Using a struct avoids a growing parameter list as the pipeline
// evolves.
type Deps struct {
	Store  *store.Store
	Ledger *usage.Store

	// Client serves the realtime path; Batcher the batch path. Each
	// worker only touches the field its path uses.
	Client  llm.Client
	Batcher llm.Batcher

	// Ready gates realtime calls on provider reachability, typically a
	// connwatch watcher's IsReady. nil means always reachable.
	Ready func() bool

	Bus    *events.Bus
	Logger *slog.Logger
}

// writer is the machinery both paths share: source loading, prompt
// assembly, refusal detection, the fallback, the optimistic summary
// write, and the usage ledger entry.
type writer struct {
	store  *store.Store
	ledger *usage.Store
	api    config.AnthropicConfig
	cfg    config.SummaryConfig
	bus    *events.Bus
	logger *slog.Logger
}

// needsSummary reports whether a story is due for generation: at least
// one source, and either no summary yet or one that has fallen behind
// by MinSourceDelta sources or RegenAfterHours hours.
func (w *writer) needsSummary(s *cluster.Story, now time.Time) bool {
	if s.VerificationLevel < 1 {
		return false
	}
	if s.Summary == nil {
		return true
	}
	if s.VerificationLevel-s.Summary.SourceCountAtGeneration >= w.cfg.MinSourceDelta {
		return true
	}
	return now.Sub(s.Summary.GeneratedAt) >= time.Duration(w.cfg.RegenAfterHours)*time.Hour
}

// loadSources fetches the story's linked articles and renders them as
// prompt sources, tier-1 outlets first. The second return reports
// whether any source carried body text; titles alone are not enough to
// synthesize from.
func (w *writer) loadSources(ctx context.Context, s *cluster.Story) ([]prompts.SummarySource, bool, error) {
	ordered := make([]cluster.SourceArticle, len(s.Sources))
	copy(ordered, s.Sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Tier != ordered[j].Tier {
			return ordered[i].Tier < ordered[j].Tier
		}
		return ordered[i].PublishedAt.Before(ordered[j].PublishedAt)
	})

	var out []prompts.SummarySource
	hasBody := false
	for _, src := range ordered {
		if len(out) == maxPromptSources {
			break
		}
		doc, err := w.store.Get(ctx, store.Articles, src.PublishedDate, src.ArticleID)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired out from under the story
		}
		if err != nil {
			return nil, false, fmt.Errorf("load source %s: %w", src.ArticleID, err)
		}
		a, err := article.FromDocument(doc)
		if err != nil {
			w.logger.Warn("unreadable source article", "article_id", src.ArticleID, "error", err)
			continue
		}
		text := strings.TrimSpace(a.BestText())
		if text != "" {
			hasBody = true
		}
		out = append(out, prompts.SummarySource{
			Outlet:      src.SourceID,
			PublishedAt: src.PublishedAt.UTC().Format(time.RFC3339),
			Title:       a.Title,
			Excerpt:     excerpt(text, maxExcerptLen),
		})
	}
	return out, hasBody, nil
}

// request assembles the completion request for a story. The previous
// summary, when present, is included so the model updates it rather
// than starting over.
func (w *writer) request(s *cluster.Story, sources []prompts.SummarySource) llm.Request {
	previous := ""
	if s.Summary != nil {
		previous = s.Summary.Text
	}
	return llm.Request{
		Model:     w.api.Model,
		MaxTokens: w.api.MaxTokens,
		System:    prompts.SummarySystemPrompt(),
		Prompt:    prompts.SummaryUserPrompt(s.Title, s.Category, sources, previous),
	}
}

// apply installs sum on the story via an optimistic write, re-reading
// and re-applying on version conflicts. accept sees the freshly read
// story on each attempt; returning false skips the write, which is how
// the batch path avoids clobbering a summary the realtime path wrote
// while the batch was processing. nil accepts unconditionally.
func (w *writer) apply(ctx context.Context, category, storyID string, accept func(*cluster.Story) bool, sum cluster.Summary) (*cluster.Story, bool, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		doc, err := w.store.Get(ctx, store.Stories, category, storyID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil // story expired; nothing to update
		}
		if err != nil {
			return nil, false, fmt.Errorf("load story %s: %w", storyID, err)
		}
		s, err := cluster.FromDocument(doc)
		if err != nil {
			return nil, false, fmt.Errorf("decode story %s: %w", storyID, err)
		}
		if accept != nil && !accept(s) {
			return s, false, nil
		}

		s.SetSummary(sum)
		out, err := s.Document()
		if err != nil {
			return nil, false, err
		}
		if _, err := w.store.Replace(ctx, out, doc.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return nil, false, fmt.Errorf("write summary %s: %w", storyID, err)
		}
		return s, true, nil
	}
	return nil, false, fmt.Errorf("summary write for %s: contention after %d attempts", storyID, maxWriteAttempts)
}

// install writes a model-produced summary. srcCount is the source count
// the prompt was built from, which is what the regeneration delta is
// measured against; for batch results it predates the write by however
// long the batch ran.
func (w *writer) install(ctx context.Context, s *cluster.Story, srcCount int, resp *llm.Response, path, batchID string, accept func(*cluster.Story) bool) error {
	model := resp.Model
	if model == "" {
		model = w.api.Model
	}
	cost := usage.ComputeCost(model, resp.Usage.InputTokens, resp.Usage.CacheReadTokens,
		resp.Usage.OutputTokens, path == usage.PathBatch, w.api.Pricing)

	sum := cluster.Summary{
		Text:                    truncateWords(resp.Text, maxSummaryWords),
		GeneratedAt:             time.Now().UTC(),
		SourceCountAtGeneration: srcCount,
		CostUSD:                 cost,
		ModelID:                 model,
		CachedTokens:            resp.Usage.CacheReadTokens,
	}
	cur, applied, err := w.apply(ctx, s.Category, s.ID, accept, sum)
	if err != nil {
		return err
	}
	if !applied {
		w.logger.Debug("summary superseded before write", "story_id", s.ID, "path", path)
		return nil
	}

	rec := usage.Record{
		RequestID:    resp.ID,
		StoryID:      s.ID,
		BatchID:      batchID,
		Model:        model,
		Path:         path,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CachedTokens: resp.Usage.CacheReadTokens,
		CostUSD:      cost,
	}
	if err := w.ledger.Record(ctx, rec); err != nil {
		w.logger.Warn("usage record failed", "story_id", s.ID, "error", err)
	}

	metrics.SummariesTotal.WithLabelValues(path, model).Inc()
	w.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceSummarize,
		Kind:      events.KindSummaryGenerated,
		Data: map[string]any{
			"cluster_id":    s.ID,
			"model":         model,
			"path":          path,
			"cost_usd":      cost,
			"cached_tokens": resp.Usage.CacheReadTokens,
		},
	})
	w.logger.Info("summary written",
		"story_id", s.ID,
		"version", cur.Summary.Version,
		"path", path,
		"model", model,
		"cost_usd", cost,
	)
	return nil
}

// fallback writes the deterministic title-derived summary. It runs when
// the model refuses or when no source carries body text. Zero cost, no
// tokens, model id from FallbackModel.
func (w *writer) fallback(ctx context.Context, s *cluster.Story, reason string, accept func(*cluster.Story) bool) error {
	sum := cluster.Summary{
		Text:                    fallbackText(s),
		GeneratedAt:             time.Now().UTC(),
		SourceCountAtGeneration: s.VerificationLevel,
		ModelID:                 w.api.FallbackModel,
	}
	cur, applied, err := w.apply(ctx, s.Category, s.ID, accept, sum)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	rec := usage.Record{
		StoryID: s.ID,
		Model:   w.api.FallbackModel,
		Path:    usage.PathFallback,
	}
	if err := w.ledger.Record(ctx, rec); err != nil {
		w.logger.Warn("usage record failed", "story_id", s.ID, "error", err)
	}

	metrics.SummariesTotal.WithLabelValues(usage.PathFallback, w.api.FallbackModel).Inc()
	w.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceSummarize,
		Kind:      events.KindSummaryFallback,
		Data:      map[string]any{"cluster_id": s.ID, "reason": reason},
	})
	w.logger.Info("fallback summary written",
		"story_id", s.ID,
		"version", cur.Summary.Version,
		"reason", reason,
	)
	return nil
}

// isRefusal reports whether the model declined to summarize, returning
// the indicator that matched.
func isRefusal(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, ind := range refusalIndicators {
		if strings.Contains(lower, ind) {
			return ind, true
		}
	}
	return "", false
}

// fallbackText derives the no-model summary from what the cluster
// already knows: its title and which outlets reported it.
func fallbackText(s *cluster.Story) string {
	var outlets []string
	seen := make(map[string]bool, len(s.Sources))
	for _, src := range s.Sources {
		if seen[src.SourceID] {
			continue
		}
		seen[src.SourceID] = true
		outlets = append(outlets, src.SourceID)
	}

	title := strings.TrimRight(strings.TrimSpace(s.Title), ".")
	switch len(outlets) {
	case 0:
		return title + "."
	case 1:
		return fmt.Sprintf("%s. Reported by %s.", title, outlets[0])
	default:
		return fmt.Sprintf("%s. Reported by %d outlets including %s.", title, len(outlets), outlets[0])
	}
}

// truncateWords hard-caps text at max words.
func truncateWords(text string, max int) string {
	words := strings.Fields(text)
	if len(words) <= max {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:max], " ") + " ..."
}

// excerpt collapses whitespace and truncates at a word boundary.
func excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + " ..."
}
