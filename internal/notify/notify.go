// Package notify delivers breaking-news push broadcasts. The notifier
// subscribes to the event bus and, for each story that enters BREAKING
// (or is recovered by the monitor), composes a payload and publishes it
// to the per-category MQTT topic. A notification record in the store is
// the idempotence guard: its existence forbids re-broadcast, whatever
// path the event arrived by.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/newsreel/internal/cluster"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/metrics"
	"github.com/nugget/newsreel/internal/store"
)

const (
	// subscribeBuffer sizes the bus subscription. Breaking stories are
	// rare; 64 outstanding events means something is very wrong upstream.
	subscribeBuffer = 64

	publishTimeout = 10 * time.Second

	// recordTTL keeps sent markers well past any plausible re-delivery.
	recordTTL = 30 * 24 * time.Hour
)

// notificationRecord marks a story as broadcast.
type notificationRecord struct {
	StoryID     string    `json:"story_id"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	BroadcastAt time.Time `json:"broadcast_at"`
}

// Notifier is the broadcast worker. Create with New, then Start.
type Notifier struct {
	store     *store.Store
	transport Transport
	topic     string
	bus       *events.Bus
	logger    *slog.Logger

	sub    <-chan events.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the notifier. The transport is usually a connected
// [Broadcaster]; the topic from cfg is the prefix the story category is
// appended to.
func New(st *store.Store, transport Transport, cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:     st,
		transport: transport,
		topic:     cfg.Topic,
		bus:       bus,
		logger:    logger.With("component", "notify"),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the event bus and begins handling broadcasts.
func (n *Notifier) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.sub = n.bus.Subscribe(subscribeBuffer)
	go n.run(runCtx)
}

// Stop drains the notifier and releases its bus subscription.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	<-n.done
	n.bus.Unsubscribe(n.sub)
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	n.logger.Info("notifier starting", "topic", n.topic)
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifier stopped")
			return
		case ev := <-n.sub:
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindBreakingDetected, events.KindNotificationRecovered:
	default:
		return
	}

	id, _ := ev.Data["cluster_id"].(string)
	category, _ := ev.Data["category"].(string)
	if id == "" || category == "" {
		n.logger.Warn("notification event missing story coordinates", "kind", ev.Kind)
		return
	}
	n.broadcast(ctx, id, category)
}

// broadcast sends the push payload for one story at most once. The
// record read happens before the publish; the record write after. A
// crash between the two risks one duplicate, never a missed broadcast.
func (n *Notifier) broadcast(ctx context.Context, id, category string) {
	_, err := n.store.Get(ctx, store.Notifications, id, id)
	if err == nil {
		n.logger.Debug("notification already broadcast", "cluster_id", id)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		n.logger.Error("notification record read failed", "cluster_id", id, "error", err)
		return
	}

	doc, err := n.store.Get(ctx, store.Stories, category, id)
	if errors.Is(err, store.ErrNotFound) {
		// Expired between the event and now.
		return
	}
	if err != nil {
		n.logger.Error("story read failed", "cluster_id", id, "error", err)
		return
	}
	s, err := cluster.FromDocument(doc)
	if err != nil {
		n.logger.Error("unreadable story document", "cluster_id", id, "error", err)
		return
	}

	payload, err := composePayload(s)
	if err != nil {
		n.logger.Error("payload compose failed", "cluster_id", id, "error", err)
		return
	}

	topic := n.topic + "/" + s.Category
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := n.transport.Publish(pubCtx, topic, payload); err != nil {
		// No record written, so the monitor's next compensation pass or
		// a recovered event can retry.
		n.logger.Warn("broadcast failed", "cluster_id", id, "topic", topic, "error", err)
		n.publish(events.KindNotificationFailed, map[string]any{
			"cluster_id": id,
			"error":      err.Error(),
		})
		return
	}

	n.record(ctx, s)

	metrics.NotificationsTotal.Inc()
	n.logger.Info("breaking story broadcast",
		"cluster_id", id,
		"topic", topic,
		"title", s.Title,
	)
	n.publish(events.KindNotificationSent, map[string]any{
		"cluster_id": id,
		"topic":      topic,
	})
}

// record persists the sent marker. Failure is logged, not returned: the
// worst case is one duplicate broadcast after a restart.
func (n *Notifier) record(ctx context.Context, s *cluster.Story) {
	rec := notificationRecord{
		StoryID:     s.ID,
		Title:       s.Title,
		Category:    s.Category,
		BroadcastAt: time.Now().UTC(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		n.logger.Error("notification record encode failed", "cluster_id", s.ID, "error", err)
		return
	}
	if _, err := n.store.Upsert(ctx, store.Document{
		Collection:   store.Notifications,
		PartitionKey: s.ID,
		ID:           s.ID,
		Body:         body,
		Category:     s.Category,
		RefTime:      rec.BroadcastAt,
		ExpiresAt:    rec.BroadcastAt.Add(recordTTL),
	}); err != nil {
		n.logger.Error("notification record write failed", "cluster_id", s.ID, "error", err)
	}
}

func (n *Notifier) publish(kind string, data map[string]any) {
	n.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceNotify,
		Kind:      kind,
		Data:      data,
	})
}
