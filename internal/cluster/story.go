package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/newsreel/internal/article"
	"github.com/nugget/newsreel/internal/status"
	"github.com/nugget/newsreel/internal/store"
)

// TTL is how long story clusters stay in the store.
const TTL = 90 * 24 * time.Hour

// maxVersionHistory bounds how many superseded summaries a story keeps.
const maxVersionHistory = 5

// SourceArticle links one raw article into a story. PublishedDate is
// carried so the article document can be fetched without a cross-
// partition scan.
type SourceArticle struct {
	ArticleID     string    `json:"article_id"`
	SourceID      string    `json:"source_id"`
	Tier          int       `json:"tier"`
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	PublishedAt   time.Time `json:"published_at"`
	PublishedDate string    `json:"published_date"`
	AddedAt       time.Time `json:"added_at"`
}

// Summary is one generated story summary. Superseded versions move to
// the story's version history.
type Summary struct {
	Text                    string    `json:"text"`
	Version                 int       `json:"version"`
	GeneratedAt             time.Time `json:"generated_at"`
	SourceCountAtGeneration int       `json:"source_count_at_generation"`
	CostUSD                 float64   `json:"cost_usd"`
	ModelID                 string    `json:"model_id"`
	CachedTokens            int       `json:"cached_tokens"`
}

// Story is a cluster of articles covering the same real-world event.
//
// FirstSeen never changes after creation. LastUpdated moves only when a
// new source links in, the status changes, or a better title replaces
// the current one; summary writes leave it alone so the status machine
// measures genuine news activity.
type Story struct {
	ID       string        `json:"id"`
	Category string        `json:"category"`
	Title    string        `json:"title"`
	Status   status.Status `json:"status"`

	Sources           []SourceArticle `json:"source_articles"`
	VerificationLevel int             `json:"verification_level"`

	Fingerprint      string         `json:"fingerprint"`
	EntityHistogram  map[string]int `json:"entity_histogram,omitempty"`
	CentroidKeywords []string       `json:"centroid_keywords,omitempty"`
	Location         string         `json:"location,omitempty"`

	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
	UpdateCount int       `json:"update_count"`

	BreakingDetectedAt     time.Time `json:"breaking_detected_at"`
	PushNotificationSent   bool      `json:"push_notification_sent"`
	PushNotificationSentAt time.Time `json:"push_notification_sent_at"`

	Summary        *Summary  `json:"summary,omitempty"`
	VersionHistory []Summary `json:"version_history,omitempty"`

	ImportanceScore float64 `json:"importance_score"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// NewStory seeds a cluster from its first article.
func NewStory(a *article.Article, now time.Time) *Story {
	s := &Story{
		ID:          store.NewID(),
		Category:    a.Category,
		Title:       a.Title,
		Status:      status.Monitoring,
		Fingerprint: a.StoryFingerprint,
		FirstSeen:   now,
		LastUpdated: now,
	}
	s.Sources = append(s.Sources, sourceEntry(a, now))
	s.mergeArticle(a)
	s.VerificationLevel = s.uniqueSources()
	s.recomputeScores()
	return s
}

func sourceEntry(a *article.Article, now time.Time) SourceArticle {
	return SourceArticle{
		ArticleID:     a.ID,
		SourceID:      a.SourceID,
		Tier:          a.SourceTier,
		Title:         a.Title,
		URL:           a.URL,
		PublishedAt:   a.PublishedAt,
		PublishedDate: a.PublishedDate,
		AddedAt:       now,
	}
}

// HasArticle reports whether the article id is already linked.
func (s *Story) HasArticle(id string) bool {
	for _, src := range s.Sources {
		if src.ArticleID == id {
			return true
		}
	}
	return false
}

// SourceIndex returns the position of the entry from the given outlet,
// or -1.
func (s *Story) SourceIndex(sourceID string) int {
	for i, src := range s.Sources {
		if src.SourceID == sourceID {
			return i
		}
	}
	return -1
}

// AddSource links a new article and folds its signals into the cluster.
func (s *Story) AddSource(a *article.Article, now time.Time) {
	s.Sources = append(s.Sources, sourceEntry(a, now))
	s.mergeArticle(a)
	s.VerificationLevel = s.uniqueSources()
	s.recomputeScores()
}

// ReplaceSource swaps the entry at i for a fresher article from the
// same outlet. The verification level is unaffected.
func (s *Story) ReplaceSource(i int, a *article.Article, now time.Time) {
	s.Sources[i] = sourceEntry(a, now)
	s.mergeArticle(a)
	s.recomputeScores()
}

// mergeArticle folds an article's entities and keywords into the
// cluster aggregates.
func (s *Story) mergeArticle(a *article.Article) {
	if s.EntityHistogram == nil {
		s.EntityHistogram = make(map[string]int)
	}
	for _, e := range a.Entities {
		s.EntityHistogram[normalizeEntity(e.Text)]++
		if s.Location == "" && e.Type == article.EntityLocation {
			s.Location = e.Text
		}
	}
	s.CentroidKeywords = mergeKeywords(s.CentroidKeywords, article.Tokens(a.Title))
}

func (s *Story) uniqueSources() int {
	seen := make(map[string]bool, len(s.Sources))
	for _, src := range s.Sources {
		seen[src.SourceID] = true
	}
	return len(seen)
}

// recomputeScores refreshes the stored ranking signals. Nothing in the
// pipeline consumes them; they exist for downstream readers of the
// stories collection.
func (s *Story) recomputeScores() {
	tier1 := 0
	for _, src := range s.Sources {
		if src.Tier == 1 {
			tier1++
		}
	}
	s.ImportanceScore = clamp01(0.15*float64(s.VerificationLevel) + 0.1*float64(tier1))
	s.ConfidenceScore = clamp01(float64(s.VerificationLevel) / 5)
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// SetSummary installs a new summary, pushing the previous one onto the
// bounded version history. LastUpdated does not move: only source
// linkage, status changes, and title replacement refresh it.
func (s *Story) SetSummary(sum Summary) {
	if s.Summary != nil {
		s.VersionHistory = append(s.VersionHistory, *s.Summary)
		if len(s.VersionHistory) > maxVersionHistory {
			s.VersionHistory = s.VersionHistory[len(s.VersionHistory)-maxVersionHistory:]
		}
		sum.Version = s.Summary.Version + 1
	} else {
		sum.Version = 1
	}
	s.Summary = &sum
}

// Document renders the story as a store document. Status and the
// fingerprint are denormalized for the monitor's status scans and the
// clustering fast path; RefTime carries last_updated.
func (s *Story) Document() (store.Document, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return store.Document{}, fmt.Errorf("marshal story %s: %w", s.ID, err)
	}
	return store.Document{
		Collection:   store.Stories,
		PartitionKey: s.Category,
		ID:           s.ID,
		Body:         body,
		Category:     s.Category,
		Status:       string(s.Status),
		RefTime:      s.LastUpdated,
		Hash:         s.Fingerprint,
		ExpiresAt:    s.LastUpdated.Add(TTL),
	}, nil
}

// FromDocument decodes a store document back into a story.
func FromDocument(doc store.Document) (*Story, error) {
	var s Story
	if err := json.Unmarshal(doc.Body, &s); err != nil {
		return nil, fmt.Errorf("unmarshal story %s: %w", doc.ID, err)
	}
	return &s, nil
}
