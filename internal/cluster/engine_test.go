package cluster

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/newsreel/internal/article"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/status"
	"github.com/nugget/newsreel/internal/store"
)

func newTestEngine(t *testing.T, bus *events.Bus) (*Engine, *store.Store) {
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

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, config.Default().Cluster, status.DefaultWindows(), bus, logger), st
}

// seedArticle writes the article document and returns the change the
// feed pump would deliver for it.
func seedArticle(t *testing.T, st *store.Store, a *article.Article) store.Change {
	t.Helper()
	doc, err := a.Document()
	if err != nil {
		t.Fatalf("article document: %v", err)
	}
	if _, err := st.Upsert(context.Background(), doc); err != nil {
		t.Fatalf("seed article: %v", err)
	}
	return store.Change{
		Collection:   store.Articles,
		PartitionKey: a.PublishedDate,
		DocID:        a.ID,
		Op:           store.OpUpsert,
	}
}

func handleArticle(t *testing.T, e *Engine, st *store.Store, a *article.Article) {
	t.Helper()
	ch := seedArticle(t, st, a)
	if err := e.handle(context.Background(), ch); err != nil {
		t.Fatalf("handle %s: %v", a.ID, err)
	}
}

func loadStories(t *testing.T, st *store.Store, category string) []*Story {
	t.Helper()
	docs, err := st.Select(context.Background(), store.Query{
		Collection:   store.Stories,
		PartitionKey: category,
	})
	if err != nil {
		t.Fatalf("select stories: %v", err)
	}
	out := make([]*Story, 0, len(docs))
	for _, doc := range docs {
		s, err := FromDocument(doc)
		if err != nil {
			t.Fatalf("decode story %s: %v", doc.ID, err)
		}
		out = append(out, s)
	}
	return out
}

func loadOnlyStory(t *testing.T, st *store.Store, category string) *Story {
	t.Helper()
	stories := loadStories(t, st, category)
	if len(stories) != 1 {
		t.Fatalf("stories = %d, want 1", len(stories))
	}
	return stories[0]
}

func loadArticle(t *testing.T, st *store.Store, a *article.Article) *article.Article {
	t.Helper()
	doc, err := st.Get(context.Background(), store.Articles, a.PublishedDate, a.ID)
	if err != nil {
		t.Fatalf("get article: %v", err)
	}
	got, err := article.FromDocument(doc)
	if err != nil {
		t.Fatalf("decode article: %v", err)
	}
	return got
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

func TestHandleCreatesStoryAndMarksProcessed(t *testing.T) {
	e, st := newTestEngine(t, nil)
	now := time.Now().UTC()

	a := makeArticle("wire", "https://wire.example/volcano",
		"Volcano erupts on remote Indonesia island",
		"Ash plumes rose miles into the sky as villages were evacuated.", now)
	handleArticle(t, e, st, a)

	s := loadOnlyStory(t, st, a.Category)
	if s.Status != status.Monitoring {
		t.Errorf("status = %s, want MONITORING", s.Status)
	}
	if s.VerificationLevel != 1 {
		t.Errorf("verification level = %d, want 1", s.VerificationLevel)
	}
	if !s.HasArticle(a.ID) {
		t.Error("seed article not linked")
	}
	if s.Fingerprint != a.StoryFingerprint {
		t.Errorf("fingerprint = %q, want %q", s.Fingerprint, a.StoryFingerprint)
	}

	if got := loadArticle(t, st, a); !got.Processed {
		t.Error("article not marked processed")
	}
}

func TestHandleIgnoresDeletesAndMissingDocs(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := e.handle(ctx, store.Change{Collection: store.Articles, Op: store.OpDelete, DocID: "x"}); err != nil {
		t.Errorf("delete change: %v", err)
	}
	// Upsert for a document that was swept before delivery.
	err := e.handle(ctx, store.Change{
		Collection:   store.Articles,
		PartitionKey: "2026-01-01",
		DocID:        "gone",
		Op:           store.OpUpsert,
	})
	if err != nil {
		t.Errorf("missing doc: %v", err)
	}
}

func TestSecondSourceDevelopsStory(t *testing.T) {
	e, st := newTestEngine(t, nil)
	now := time.Now().UTC()

	a1 := makeArticle("wire", "https://wire.example/volcano",
		"Volcano erupts on remote Indonesia island", "", now)
	handleArticle(t, e, st, a1)
	firstSeen := loadOnlyStory(t, st, a1.Category).FirstSeen

	a2 := makeArticle("tribune", "https://tribune.example/volcano",
		"Volcano erupts on remote Indonesia island chain", "", now)
	handleArticle(t, e, st, a2)

	s := loadOnlyStory(t, st, a1.Category)
	if s.Status != status.Developing {
		t.Errorf("status = %s, want DEVELOPING", s.Status)
	}
	if s.VerificationLevel != 2 {
		t.Errorf("verification level = %d, want 2", s.VerificationLevel)
	}
	if !s.HasArticle(a1.ID) || !s.HasArticle(a2.ID) {
		t.Error("both articles should be linked")
	}
	if !s.FirstSeen.Equal(firstSeen) {
		t.Errorf("first_seen moved: %v -> %v", firstSeen, s.FirstSeen)
	}
	if s.UpdateCount != 1 {
		t.Errorf("update_count = %d, want 1", s.UpdateCount)
	}
}

func TestThirdSourceBreaksAndNotifiesOnce(t *testing.T) {
	bus := events.New()
	e, st := newTestEngine(t, bus)
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	now := time.Now().UTC()
	a1 := makeArticle("wire", "https://wire.example/volcano",
		"Volcano erupts on remote Indonesia island", "", now)
	a2 := makeArticle("tribune", "https://tribune.example/volcano",
		"Volcano erupts on remote Indonesia island chain", "", now)
	a3 := makeArticle("gazette", "https://gazette.example/volcano",
		"Volcano erupts on remote Indonesia island overnight", "", now)
	for _, a := range []*article.Article{a1, a2, a3} {
		handleArticle(t, e, st, a)
	}

	s := loadOnlyStory(t, st, a1.Category)
	if s.Status != status.Breaking {
		t.Fatalf("status = %s, want BREAKING", s.Status)
	}
	if s.VerificationLevel != 3 {
		t.Errorf("verification level = %d, want 3", s.VerificationLevel)
	}
	if !s.PushNotificationSent || s.PushNotificationSentAt.IsZero() {
		t.Error("notification flag not latched with the breaking write")
	}
	if s.BreakingDetectedAt.IsZero() {
		t.Error("breaking_detected_at not set")
	}

	// A fourth corroboration keeps the story breaking but must not
	// re-announce it.
	a4 := makeArticle("herald", "https://herald.example/volcano",
		"Volcano erupts near remote Indonesia island", "", now)
	handleArticle(t, e, st, a4)

	s = loadOnlyStory(t, st, a1.Category)
	if s.Status != status.Breaking {
		t.Errorf("status after fourth source = %s, want BREAKING", s.Status)
	}
	if s.VerificationLevel != 4 {
		t.Errorf("verification level = %d, want 4", s.VerificationLevel)
	}

	evs := drainEvents(ch)
	if got := countKind(evs, events.KindBreakingDetected); got != 1 {
		t.Errorf("breaking events = %d, want exactly 1", got)
	}
}

func TestFresherArticleFromSameOutletReplaces(t *testing.T) {
	e, st := newTestEngine(t, nil)
	now := time.Now().UTC()

	a1 := makeArticle("wire", "https://wire.example/volcano",
		"Volcano erupts on remote Indonesia island", "", now.Add(-10*time.Minute))
	a2 := makeArticle("tribune", "https://tribune.example/volcano",
		"Volcano erupts on remote Indonesia island chain", "", now.Add(-10*time.Minute))
	handleArticle(t, e, st, a1)
	handleArticle(t, e, st, a2)

	a1b := makeArticle("wire", "https://wire.example/volcano-update",
		"Volcano erupts on remote Indonesia island as ash spreads", "", now)
	handleArticle(t, e, st, a1b)

	s := loadOnlyStory(t, st, a1.Category)
	if len(s.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(s.Sources))
	}
	if s.HasArticle(a1.ID) {
		t.Error("stale wire article still linked after replacement")
	}
	if !s.HasArticle(a1b.ID) {
		t.Error("fresh wire article not linked")
	}
	if s.VerificationLevel != 2 {
		t.Errorf("verification level = %d, want 2 (replacement adds no outlet)", s.VerificationLevel)
	}
}

func TestStaleArticleFromSameOutletOpensNewCluster(t *testing.T) {
	e, st := newTestEngine(t, nil)
	now := time.Now().UTC()

	a1 := makeArticle("wire", "https://wire.example/volcano",
		"Volcano erupts on remote Indonesia island", "", now)
	handleArticle(t, e, st, a1)

	// Older piece from the same outlet: the existing entry wins the
	// arbitration, and with no fallback candidate it seeds its own
	// cluster.
	a1c := makeArticle("wire", "https://wire.example/volcano-recap",
		"Volcano erupts on remote Indonesia island again", "", now.Add(-time.Hour))
	handleArticle(t, e, st, a1c)

	stories := loadStories(t, st, a1.Category)
	if len(stories) != 2 {
		t.Fatalf("stories = %d, want 2", len(stories))
	}
}

func TestRedeliveryAfterCrashDoesNotDoubleLink(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	a1 := makeArticle("wire", "https://wire.example/volcano",
		"Volcano erupts on remote Indonesia island", "", now)
	handleArticle(t, e, st, a1)

	// Link the second article but crash before the processed mark.
	a2 := makeArticle("tribune", "https://tribune.example/volcano",
		"Volcano erupts on remote Indonesia island chain", "", now)
	ch := seedArticle(t, st, a2)
	if err := e.process(ctx, a2); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Redelivery must recognize the linked article and only mark it.
	if err := e.handle(ctx, ch); err != nil {
		t.Fatalf("redelivered handle: %v", err)
	}

	s := loadOnlyStory(t, st, a1.Category)
	if len(s.Sources) != 2 {
		t.Errorf("sources = %d, want 2", len(s.Sources))
	}
	if s.UpdateCount != 1 {
		t.Errorf("update_count = %d, want 1 (redelivery must not re-attach)", s.UpdateCount)
	}
	if got := loadArticle(t, st, a2); !got.Processed {
		t.Error("redelivered article not marked processed")
	}
}

func TestBreakingStoryIdlesOutToVerified(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)

	// A story that broke two hours ago and has been quiet since.
	s := NewStory(makeArticle("wire", "https://wire.example/volcano",
		"Volcano erupts on remote Indonesia island", "", old), old)
	s.AddSource(makeArticle("tribune", "https://tribune.example/volcano",
		"Volcano erupts on remote Indonesia island chain", "", old), old)
	s.AddSource(makeArticle("gazette", "https://gazette.example/volcano",
		"Volcano erupts on remote Indonesia island overnight", "", old), old)
	s.Status = status.Breaking
	s.BreakingDetectedAt = old
	s.PushNotificationSent = true
	s.PushNotificationSentAt = old
	doc, err := s.Document()
	if err != nil {
		t.Fatalf("story document: %v", err)
	}
	if _, err := st.Upsert(ctx, doc); err != nil {
		t.Fatalf("seed story: %v", err)
	}

	a := makeArticle("herald", "https://herald.example/volcano",
		"Volcano erupts near remote Indonesia island", "", now)
	handleArticle(t, e, st, a)

	got := loadOnlyStory(t, st, s.Category)
	if got.Status != status.Verified {
		t.Errorf("status = %s, want VERIFIED after the idle window", got.Status)
	}
	if got.VerificationLevel != 4 {
		t.Errorf("verification level = %d, want 4", got.VerificationLevel)
	}
}

func TestEntityMatchReplacesTitleWithRicherHeadline(t *testing.T) {
	bus := events.New()
	e, st := newTestEngine(t, bus)
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	now := time.Now().UTC()
	m1 := makeArticle("wire", "https://wire.example/santos",
		"Maria Santos tours Lakeside Hospital in Villanova", "", now)
	handleArticle(t, e, st, m1)

	// Moderate token overlap, three shared entities, longer headline.
	m2 := makeArticle("tribune", "https://tribune.example/santos",
		"Maria Santos pledges rebuild funds for Lakeside Hospital across greater Villanova region", "", now)
	handleArticle(t, e, st, m2)

	s := loadOnlyStory(t, st, m1.Category)
	if s.Title != m2.Title {
		t.Errorf("title = %q, want the longer corroborated headline", s.Title)
	}

	var path string
	for _, ev := range drainEvents(ch) {
		if ev.Kind == events.KindClusterExtended {
			path, _ = ev.Data["path"].(string)
		}
	}
	if path != "entity" {
		t.Errorf("link path = %q, want entity", path)
	}
}

func TestProcessedAndQuarantinedArticlesAreSkipped(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	done := makeArticle("wire", "https://wire.example/old",
		"Harbor bridge repainting project begins", "", now)
	done.Processed = true
	if err := e.handle(ctx, seedArticle(t, st, done)); err != nil {
		t.Fatalf("handle processed: %v", err)
	}

	poison := makeArticle("tribune", "https://tribune.example/poison",
		"Harbor bridge repainting schedule announced", "", now)
	if err := e.quarantine(ctx, poison, "write contention after 5 attempts"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if err := e.handle(ctx, store.Change{
		Collection:   store.Articles,
		PartitionKey: poison.PublishedDate,
		DocID:        poison.ID,
		Op:           store.OpUpsert,
	}); err != nil {
		t.Fatalf("handle quarantined: %v", err)
	}

	if stories := loadStories(t, st, done.Category); len(stories) != 0 {
		t.Errorf("stories = %d, want 0", len(stories))
	}
	got := loadArticle(t, st, poison)
	if !got.Quarantined || got.QuarantineReason == "" {
		t.Errorf("quarantine not persisted: %+v", got)
	}
}

func TestCorruptArticleSkipsForward(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := st.Upsert(ctx, store.Document{
		Collection:   store.Articles,
		PartitionKey: "2026-02-03",
		ID:           "corrupt",
		Body:         []byte(`{"id": 42}`),
		RefTime:      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed corrupt doc: %v", err)
	}

	err := e.handle(ctx, store.Change{
		Collection:   store.Articles,
		PartitionKey: "2026-02-03",
		DocID:        "corrupt",
		Op:           store.OpUpsert,
	})
	if err != nil {
		t.Fatalf("corrupt doc must not wedge the feed: %v", err)
	}

	// The pipeline keeps working afterwards.
	a := makeArticle("wire", "https://wire.example/after",
		"Volcano erupts on remote Indonesia island", "", time.Now().UTC())
	handleArticle(t, e, st, a)
	loadOnlyStory(t, st, a.Category)
}
