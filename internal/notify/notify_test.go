package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/newsreel/internal/cluster"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/status"
	"github.com/nugget/newsreel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// The in-memory database exists per connection; pin the pool to one
	// so every goroutine sees the same data.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.OpenDB(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

// fakeTransport records published messages.
type fakeTransport struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func newTestNotifier(t *testing.T, transport Transport, bus *events.Bus) (*Notifier, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := New(st, transport, config.Default().Notify.MQTT, bus, logger)
	return n, st
}

func testStory(id string) *cluster.Story {
	now := time.Now().UTC()
	return &cluster.Story{
		ID:                   id,
		Category:             "world",
		Title:                "Quake shakes capital region",
		Status:               status.Breaking,
		VerificationLevel:    3,
		FirstSeen:            now.Add(-20 * time.Minute),
		LastUpdated:          now.Add(-2 * time.Minute),
		BreakingDetectedAt:   now.Add(-time.Minute),
		PushNotificationSent: true,
		Summary: &cluster.Summary{
			Text:        "**Strong earthquake** struck the capital region. Officials said `no casualties` were reported; see [updates](https://example.com/quake).",
			Version:     1,
			GeneratedAt: now.Add(-90 * time.Second),
		},
	}
}

func writeStory(t *testing.T, st *store.Store, s *cluster.Story) {
	t.Helper()
	doc, err := s.Document()
	if err != nil {
		t.Fatalf("story document: %v", err)
	}
	if _, err := st.Upsert(context.Background(), doc); err != nil {
		t.Fatalf("seed story: %v", err)
	}
}

func breakingEvent(s *cluster.Story) events.Event {
	return events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceCluster,
		Kind:      events.KindBreakingDetected,
		Data: map[string]any{
			"cluster_id": s.ID,
			"title":      s.Title,
			"category":   s.Category,
		},
	}
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countKind(evs []events.Event, kind string) int {
	n := 0
	for _, e := range evs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestBroadcastComposesPayload(t *testing.T) {
	transport := &fakeTransport{}
	bus := events.New()
	n, st := newTestNotifier(t, transport, bus)
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	s := testStory("story-quake")
	writeStory(t, st, s)

	n.handle(context.Background(), breakingEvent(s))

	if len(transport.topics) != 1 {
		t.Fatalf("publishes = %d, want 1", len(transport.topics))
	}
	if transport.topics[0] != "newsreel/breaking/world" {
		t.Errorf("topic = %q, want newsreel/breaking/world", transport.topics[0])
	}

	var p Payload
	if err := json.Unmarshal(transport.payloads[0], &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.StoryID != s.ID || p.Title != s.Title || p.Category != "world" {
		t.Errorf("payload = %+v, want story coordinates", p)
	}
	if p.VerificationLevel != 3 {
		t.Errorf("verification_level = %d, want 3", p.VerificationLevel)
	}
	for _, md := range []string{"**", "[", "`"} {
		if strings.Contains(p.Summary, md) {
			t.Errorf("preview %q still carries markdown %q", p.Summary, md)
		}
	}
	if !strings.Contains(p.Summary, "Strong earthquake") {
		t.Errorf("preview = %q, want the summary words", p.Summary)
	}
	if !strings.Contains(p.SummaryHTML, "<strong>Strong earthquake</strong>") {
		t.Errorf("summary_html = %q, want rendered markdown", p.SummaryHTML)
	}

	// The sent marker must exist so nothing re-broadcasts this story.
	doc, err := st.Get(context.Background(), store.Notifications, s.ID, s.ID)
	if err != nil {
		t.Fatalf("get notification record: %v", err)
	}
	var rec notificationRecord
	if err := json.Unmarshal(doc.Body, &rec); err != nil {
		t.Fatalf("decode notification record: %v", err)
	}
	if rec.StoryID != s.ID || rec.Title != s.Title || rec.BroadcastAt.IsZero() {
		t.Errorf("record = %+v, want story id, title, broadcast time", rec)
	}

	evs := drainEvents(sub)
	if countKind(evs, events.KindNotificationSent) != 1 {
		t.Errorf("notification_sent events = %d, want 1", countKind(evs, events.KindNotificationSent))
	}
}

func TestRebroadcastSuppressed(t *testing.T) {
	transport := &fakeTransport{}
	n, st := newTestNotifier(t, transport, events.New())

	s := testStory("story-once")
	writeStory(t, st, s)

	n.handle(context.Background(), breakingEvent(s))
	n.handle(context.Background(), breakingEvent(s))

	if len(transport.topics) != 1 {
		t.Fatalf("publishes = %d, want 1", len(transport.topics))
	}
}

func TestFailedBroadcastRetriable(t *testing.T) {
	transport := &fakeTransport{err: errors.New("broker unreachable")}
	bus := events.New()
	n, st := newTestNotifier(t, transport, bus)
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	s := testStory("story-retry")
	writeStory(t, st, s)

	n.handle(context.Background(), breakingEvent(s))

	if _, err := st.Get(context.Background(), store.Notifications, s.ID, s.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record after failed publish: err = %v, want not found", err)
	}
	evs := drainEvents(sub)
	if countKind(evs, events.KindNotificationFailed) != 1 {
		t.Errorf("notification_failed events = %d, want 1", countKind(evs, events.KindNotificationFailed))
	}

	// Broker back: the same event delivers now.
	transport.err = nil
	n.handle(context.Background(), breakingEvent(s))
	if len(transport.topics) != 1 {
		t.Fatalf("publishes after recovery = %d, want 1", len(transport.topics))
	}
}

func TestRecoveredEventBroadcasts(t *testing.T) {
	transport := &fakeTransport{}
	n, st := newTestNotifier(t, transport, events.New())

	s := testStory("story-recovered")
	writeStory(t, st, s)

	n.handle(context.Background(), events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceMonitor,
		Kind:      events.KindNotificationRecovered,
		Data: map[string]any{
			"cluster_id": s.ID,
			"category":   s.Category,
			"title":      s.Title,
		},
	})

	if len(transport.topics) != 1 {
		t.Fatalf("publishes = %d, want 1", len(transport.topics))
	}
}

func TestIgnoresUnrelatedEvents(t *testing.T) {
	transport := &fakeTransport{}
	n, _ := newTestNotifier(t, transport, events.New())

	n.handle(context.Background(), events.Event{
		Kind: events.KindFeedPolled,
		Data: map[string]any{"feed_id": "reuters"},
	})

	if len(transport.topics) != 0 {
		t.Fatalf("publishes = %d, want 0", len(transport.topics))
	}
}

func TestPreviewStripsAndTruncates(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := preview("**lead** "+long, 80)
	if strings.Contains(got, "**") {
		t.Errorf("preview kept markdown: %q", got)
	}
	if !strings.HasPrefix(got, "lead word") {
		t.Errorf("preview = %q, want stripped lead", got)
	}
	if len(got) > 84 {
		t.Errorf("preview length = %d, want under the cap plus marker", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("preview = %q, want ellipsis marker", got)
	}
}
