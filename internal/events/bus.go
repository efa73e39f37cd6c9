// Package events carries operational telemetry between pipeline stages.
// Producers (the feed poller, the clustering engine, the summarizers,
// the monitor) publish facts about what they just did; consumers (the
// push notifier, the daemon's trace tap) subscribe and react. A publish
// never blocks: a subscriber that falls behind loses events instead of
// stalling the pipeline. A nil *Bus swallows publishes, so components
// accept one without guard checks.
package events

import (
	"sync"
	"time"
)

// Values for Event.Source, one per producing component.
const (
	// SourcePoller marks events produced by the feed poller.
	SourcePoller = "poller"
	// SourceCluster marks events produced by the clustering engine.
	SourceCluster = "cluster"
	// SourceSummarize marks events produced by the summarizers.
	SourceSummarize = "summarize"
	// SourceMonitor marks events produced by the breaking-news monitor.
	SourceMonitor = "monitor"
	// SourceNotify marks events produced by the push notifier.
	SourceNotify = "notify"
)

// Values for Event.Kind. Each constant documents the Data keys its
// events carry.
const (
	// KindFeedPolled signals one feed fetch completed.
	// Data: feed_id, http_status, entries, new_articles.
	KindFeedPolled = "feed_polled"
	// KindFeedFailed signals a feed fetch or parse error.
	// Data: feed_id, consecutive_failures, error.
	KindFeedFailed = "feed_failed"
	// KindArticleStored signals a new raw article passed the dedup
	// barrier. Data: article_id, feed_id, category.
	KindArticleStored = "article_stored"
	// KindArticleDropped signals an entry was rejected before storage.
	// Data: feed_id, reason.
	KindArticleDropped = "article_dropped"

	// KindClusterCreated signals a new story cluster.
	// Data: cluster_id, category, title.
	KindClusterCreated = "cluster_created"
	// KindClusterExtended signals an article joined an existing cluster.
	// Data: cluster_id, article_id, path, verification_level.
	KindClusterExtended = "cluster_extended"
	// KindStatusChanged signals a story lifecycle transition.
	// Data: cluster_id, from, to, verification_level.
	KindStatusChanged = "status_changed"
	// KindBreakingDetected signals a cluster entered BREAKING and owes
	// a push notification. Data: cluster_id, title, category.
	KindBreakingDetected = "breaking_detected"

	// KindSummaryGenerated signals a summary write.
	// Data: cluster_id, model, path, cost_usd, cached_tokens.
	KindSummaryGenerated = "summary_generated"
	// KindSummaryFallback signals the model refused and the template
	// fallback was used. Data: cluster_id, reason.
	KindSummaryFallback = "summary_fallback"
	// KindBatchSubmitted signals a batch job was sent to the API.
	// Data: batch_id, requests.
	KindBatchSubmitted = "batch_submitted"
	// KindBatchCompleted signals a batch job finished.
	// Data: batch_id, succeeded, errored.
	KindBatchCompleted = "batch_completed"

	// KindStoryVerified signals the monitor demoted an idle BREAKING
	// story. Data: cluster_id, idle_min.
	KindStoryVerified = "story_verified"
	// KindNotificationRecovered signals the monitor found a BREAKING
	// story with no sent notification and compensated.
	// Data: cluster_id, category, title.
	KindNotificationRecovered = "notification_recovered"
	// KindSweepComplete signals the end of a monitor pass.
	// Data: scanned, demoted, recovered.
	KindSweepComplete = "sweep_complete"

	// KindNotificationSent signals a broadcast reached the broker.
	// Data: cluster_id, topic.
	KindNotificationSent = "notification_sent"
	// KindNotificationFailed signals a broadcast attempt failed.
	// Data: cluster_id, error.
	KindNotificationFailed = "notification_failed"
)

// Event is one telemetry record flowing through the bus.
type Event struct {
	// Timestamp records when the producer observed the fact.
	Timestamp time.Time `json:"ts"`
	// Source names the producing component, one of the Source constants.
	Source string `json:"source"`
	// Kind names what happened, one of the Kind constants.
	Kind string `json:"kind"`
	// Data carries kind-specific fields, documented on each Kind.
	Data map[string]any `json:"data,omitempty"`
}

// Bus fans published events out to every subscriber. Safe for
// concurrent use from any number of goroutines.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive-only view handed out by Subscribe, which is
	// the only handle a caller can give back to Unsubscribe. The value
	// is the same channel with its send side intact.
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish offers e to every subscriber whose buffer has room and skips
// the rest. It never waits. Publishing on a nil bus does nothing.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its channel. Size the
// buffer for the subscriber's burst tolerance: the notifier uses 64,
// the daemon's trace tap 256. Every Subscribe needs a matching
// Unsubscribe or the channel lingers in the bus forever.
func (b *Bus) Subscribe(size int) <-chan Event {
	ch := make(chan Event, size)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from the bus and closes it. Channels the bus
// does not know, including ones already removed, are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}
