package poller

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/newsreel/internal/store"
)

// stateTTL expires ledger rows for feeds that left the roster. Active
// feeds refresh it on every poll.
const stateTTL = 30 * 24 * time.Hour

// feedState is the per-feed poll ledger persisted in the feed_state
// collection. It survives restarts so cooldowns, HTTP validators, and
// the failure circuit pick up where the previous process left off.
type feedState struct {
	FeedID string `json:"feed_id"`
	URL    string `json:"url"`

	LastPollAt    time.Time `json:"last_poll_at"`
	LastSuccessAt time.Time `json:"last_success_at"`

	// ETag and LastModified are the conditional-GET validators from the
	// most recent 2xx response.
	ETag         string `json:"http_etag,omitempty"`
	LastModified string `json:"http_last_modified,omitempty"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
	LastStatus          int    `json:"last_status"`
	LastEntryCount      int    `json:"articles_last_cycle"`
}

// document renders the state as a store document. RefTime mirrors
// LastPollAt so the ledger stays queryable by poll recency.
func (st *feedState) document() (store.Document, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return store.Document{}, fmt.Errorf("marshal feed state %s: %w", st.FeedID, err)
	}
	doc := store.Document{
		Collection:   store.FeedState,
		PartitionKey: st.FeedID,
		ID:           st.FeedID,
		Body:         body,
		RefTime:      st.LastPollAt,
	}
	if !st.LastPollAt.IsZero() {
		doc.ExpiresAt = st.LastPollAt.Add(stateTTL)
	}
	return doc, nil
}

func stateFromDocument(doc store.Document) (*feedState, error) {
	var st feedState
	if err := json.Unmarshal(doc.Body, &st); err != nil {
		return nil, fmt.Errorf("unmarshal feed state %s: %w", doc.ID, err)
	}
	return &st, nil
}
