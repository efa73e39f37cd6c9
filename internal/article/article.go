// Package article defines the raw-article record and the text analysis
// that turns a feed entry into one: boilerplate stripping, content
// hashing, near-duplicate fingerprints, entity extraction, and
// category assignment. Everything here is pure computation; storage and
// scheduling live with the poller.
package article

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/newsreel/internal/store"
)

// TTL is how long raw articles stay in the store.
const TTL = 30 * 24 * time.Hour

// EntityType classifies an extracted entity.
type EntityType string

const (
	EntityPerson   EntityType = "PERSON"
	EntityOrg      EntityType = "ORG"
	EntityLocation EntityType = "LOC"
	EntityEvent    EntityType = "EVENT"
	EntityOther    EntityType = "OTHER"
)

// Entity is a named thing mentioned in an article, ranked by salience.
type Entity struct {
	Text     string     `json:"text"`
	Type     EntityType `json:"type"`
	Salience float64    `json:"salience"`
}

// Article is one ingested feed entry after normalization. ID, URL,
// SourceID, and PublishedAt are immutable after creation; Processed and
// the quarantine fields are the only mutations the pipeline performs.
type Article struct {
	ID           string `json:"id"`
	SourceID     string `json:"source_id"`
	SourceDomain string `json:"source_domain"`
	SourceTier   int    `json:"source_tier"`

	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content,omitempty"`
	Author      string `json:"author,omitempty"`

	PublishedAt   time.Time `json:"published_at"`
	FetchedAt     time.Time `json:"fetched_at"`
	PublishedDate string    `json:"published_date"`

	Language string   `json:"language"`
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`

	Entities         []Entity `json:"entities,omitempty"`
	StoryFingerprint string   `json:"story_fingerprint"`
	ExactHash        string   `json:"exact_hash"`
	SimHash          uint64   `json:"simhash"`

	Processed        bool   `json:"processed"`
	Quarantined      bool   `json:"quarantined,omitempty"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`
}

// NewID derives the stable article id from source and URL. The same
// entry re-ingested always maps to the same id.
func NewID(sourceID, url string) string {
	sum := sha256.Sum256([]byte(sourceID + "\n" + url))
	return hex.EncodeToString(sum[:])[:24]
}

// BestText returns the longest body text available for summarization:
// content if present, otherwise the description.
func (a *Article) BestText() string {
	if len(a.Content) > len(a.Description) {
		return a.Content
	}
	return a.Description
}

// Document renders the article as a store document. The partition key
// is the published date; RefTime carries the fetch time so recency
// queries (the dedup barrier) hit the index.
func (a *Article) Document() (store.Document, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return store.Document{}, fmt.Errorf("marshal article %s: %w", a.ID, err)
	}
	return store.Document{
		Collection:   store.Articles,
		PartitionKey: a.PublishedDate,
		ID:           a.ID,
		Body:         body,
		Category:     a.Category,
		RefTime:      a.FetchedAt,
		Hash:         a.ExactHash,
		ExpiresAt:    a.FetchedAt.Add(TTL),
	}, nil
}

// FromDocument decodes a store document back into an article.
func FromDocument(doc store.Document) (*Article, error) {
	var a Article
	if err := json.Unmarshal(doc.Body, &a); err != nil {
		return nil, fmt.Errorf("unmarshal article %s: %w", doc.ID, err)
	}
	return &a, nil
}
