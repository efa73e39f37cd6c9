package summarize

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/nugget/newsreel/internal/cluster"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/events"
	"github.com/nugget/newsreel/internal/llm"
	"github.com/nugget/newsreel/internal/store"
	"github.com/nugget/newsreel/internal/usage"
)

// fakeBatcher scripts the batch API for sweeper tests.
type fakeBatcher struct {
	created   [][]llm.BatchRequest
	batch     *llm.Batch
	results   []llm.BatchResult
	createErr error
}

func (f *fakeBatcher) CreateBatch(_ context.Context, reqs []llm.BatchRequest) (*llm.Batch, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, reqs)
	return &llm.Batch{
		ID:     fmt.Sprintf("msgbatch_%02d", len(f.created)),
		Status: llm.BatchInProgress,
	}, nil
}

func (f *fakeBatcher) GetBatch(_ context.Context, id string) (*llm.Batch, error) {
	b := *f.batch
	b.ID = id
	return &b, nil
}

func (f *fakeBatcher) BatchResults(_ context.Context, _ string) ([]llm.BatchResult, error) {
	return f.results, nil
}

func newTestBatchWorker(t *testing.T, batcher llm.Batcher, bus *events.Bus) (*BatchWorker, *store.Store) {
	t.Helper()
	st, ledger := newTestStore(t)
	b := NewBatch(config.Default().Summary, testAPIConfig(), Deps{
		Store:   st,
		Ledger:  ledger,
		Batcher: batcher,
		Bus:     bus,
		Logger:  testLogger(),
	})
	return b, st
}

func TestSubmitSelectsOnlySettledUnsummarizedStories(t *testing.T) {
	batcher := &fakeBatcher{}
	bus := events.New()
	b, st := newTestBatchWorker(t, batcher, bus)
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	now := time.Now().UTC()

	// Settled and unsummarized: the one the sweep should pick up.
	due, _ := seedStoryAt(t, st, now.Add(-2*time.Hour),
		testArticle("art-a1", "reuters", "Ferry service suspended after engine fire", "The operator suspended service."),
		testArticle("art-a2", "ap-news", "Engine fire halts ferry crossings", "Crossings were halted."),
	)

	// Too fresh: still the realtime path's business.
	seedStoryAt(t, st, now.Add(-30*time.Minute),
		testArticle("art-b1", "bbc-world", "Council approves housing plan", "The council approved the plan."),
	)

	// Already summarized and unchanged since.
	summarized, _ := seedStoryAt(t, st, now.Add(-3*time.Hour),
		testArticle("art-c1", "reuters", "Museum reopens after renovation", "The museum reopened."),
	)
	summarized.SetSummary(cluster.Summary{
		Text:                    "The museum reopened after a two-year renovation.",
		GeneratedAt:             now.Add(-20 * time.Minute),
		SourceCountAtGeneration: summarized.VerificationLevel,
		ModelID:                 testModel,
	})
	writeStory(t, st, summarized)

	// No body text anywhere: fallback inline, no batch slot spent.
	bare, _ := seedStoryAt(t, st, now.Add(-2*time.Hour),
		testArticle("art-d1", "ap-news", "Rail museum announces open day", ""),
	)

	b.submit(context.Background())

	if len(batcher.created) != 1 {
		t.Fatalf("batches created = %d, want 1", len(batcher.created))
	}
	reqs := batcher.created[0]
	if len(reqs) != 1 || reqs[0].CustomID != due.ID {
		t.Fatalf("submitted = %+v, want one request for %s", reqs, due.ID)
	}
	if reqs[0].Request.Model != testModel {
		t.Errorf("request model = %q, want %q", reqs[0].Request.Model, testModel)
	}

	gotBare := reloadStory(t, st, bare.Category, bare.ID)
	if gotBare.Summary == nil || gotBare.Summary.ModelID != "fallback" {
		t.Errorf("bare story summary = %+v, want fallback", gotBare.Summary)
	}

	// The job record pins each story to its partition and submit-time
	// source count so results can be applied later.
	jobs, err := b.loadJobs(context.Background())
	if err != nil {
		t.Fatalf("load jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("in-flight jobs = %d, want 1", len(jobs))
	}
	item, ok := jobs[0].Stories[due.ID]
	if !ok || item.Category != due.Category || item.Sources != 2 {
		t.Errorf("job item = %+v ok=%v, want category %q sources 2", item, ok, due.Category)
	}

	// A second sweep must not spend money on a story already in flight.
	b.submit(context.Background())
	if len(batcher.created) != 1 {
		t.Errorf("batches created after resweep = %d, want 1", len(batcher.created))
	}

	evs := drainEvents(sub)
	if n := countKind(evs, events.KindBatchSubmitted); n != 1 {
		t.Errorf("batch_submitted events = %d, want 1", n)
	}
	if n := countKind(evs, events.KindSummaryFallback); n != 1 {
		t.Errorf("summary_fallback events = %d, want 1", n)
	}
}

func TestPollAppliesBatchResults(t *testing.T) {
	batcher := &fakeBatcher{}
	bus := events.New()
	b, st := newTestBatchWorker(t, batcher, bus)
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	now := time.Now().UTC()
	s, _ := seedStoryAt(t, st, now.Add(-2*time.Hour),
		testArticle("art-1", "reuters", "Dam spillway opened as reservoir rises", "Operators opened the spillway."),
		testArticle("art-2", "ap-news", "Reservoir nears capacity after storms", "The reservoir neared capacity."),
	)
	missing := "story-gone"

	job := &batchJob{
		ID:          "msgbatch_test",
		SubmittedAt: now.Add(-45 * time.Minute),
		Requests:    2,
		Stories: map[string]batchItem{
			s.ID:    {Category: s.Category, Sources: 2},
			missing: {Category: "world", Sources: 1},
		},
		Status: jobInFlight,
	}
	if err := b.saveJob(context.Background(), job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	batcher.batch = &llm.Batch{Status: llm.BatchEnded}
	batcher.results = []llm.BatchResult{
		{
			CustomID: s.ID,
			Kind:     llm.ResultSucceeded,
			Response: &llm.Response{
				ID:    "msg_b1",
				Model: testModel,
				Text:  "Operators opened the dam spillway after storms pushed the reservoir near capacity.",
				Usage: llm.Usage{InputTokens: 2000, OutputTokens: 100},
			},
		},
		{CustomID: missing, Kind: llm.ResultErrored, Err: "prompt too long"},
	}

	b.poll(context.Background())

	got := reloadStory(t, st, s.Category, s.ID)
	if got.Summary == nil {
		t.Fatal("batch summary not applied")
	}
	if got.Summary.SourceCountAtGeneration != 2 {
		t.Errorf("source count = %d, want 2", got.Summary.SourceCountAtGeneration)
	}
	// Batch tokens bill at half rate: (2000*$1 + 100*$4) per MTok, halved.
	wantCost := 0.0012
	if math.Abs(got.Summary.CostUSD-wantCost) > 1e-12 {
		t.Errorf("cost = %v, want %v", got.Summary.CostUSD, wantCost)
	}
	if !got.LastUpdated.Equal(s.LastUpdated) {
		t.Errorf("last_updated moved: %v -> %v", s.LastUpdated, got.LastUpdated)
	}

	if jobs, _ := b.loadJobs(context.Background()); len(jobs) != 0 {
		t.Errorf("in-flight jobs after poll = %d, want 0", len(jobs))
	}
	doc, err := st.Get(context.Background(), store.BatchJobs, job.ID, job.ID)
	if err != nil {
		t.Fatalf("get job record: %v", err)
	}
	final, err := jobFromDocument(doc)
	if err != nil {
		t.Fatalf("decode job record: %v", err)
	}
	if final.Status != jobDone || final.Succeeded != 1 || final.Errored != 1 {
		t.Errorf("job = %+v, want done with 1 succeeded 1 errored", final)
	}

	window, err := b.ledger.WindowByPath(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ledger window: %v", err)
	}
	bt := window[usage.PathBatch]
	if bt == nil || bt.TotalRecords != 1 {
		t.Fatalf("batch ledger = %+v, want 1 record", bt)
	}
	if bt.TotalInputTokens != 2000 || bt.TotalOutputTokens != 100 {
		t.Errorf("ledger tokens = %d/%d, want 2000/100", bt.TotalInputTokens, bt.TotalOutputTokens)
	}

	evs := drainEvents(sub)
	if n := countKind(evs, events.KindBatchCompleted); n != 1 {
		t.Errorf("batch_completed events = %d, want 1", n)
	}
}

func TestPollDiscardsSupersededResult(t *testing.T) {
	batcher := &fakeBatcher{}
	b, st := newTestBatchWorker(t, batcher, nil)

	now := time.Now().UTC()
	s, _ := seedStoryAt(t, st, now.Add(-2*time.Hour),
		testArticle("art-1", "reuters", "Wildfire contained near coastal town", "Crews contained the fire."),
		testArticle("art-2", "bbc-world", "Evacuation order lifted as fire slows", "The order was lifted."),
	)
	realtime := "Crews contained the wildfire and the evacuation order was lifted."
	s.SetSummary(cluster.Summary{
		Text:                    realtime,
		GeneratedAt:             now.Add(-5 * time.Minute),
		SourceCountAtGeneration: s.VerificationLevel,
		ModelID:                 testModel,
	})
	writeStory(t, st, s)

	job := &batchJob{
		ID:          "msgbatch_old",
		SubmittedAt: now.Add(-40 * time.Minute),
		Requests:    1,
		Stories:     map[string]batchItem{s.ID: {Category: s.Category, Sources: 1}},
		Status:      jobInFlight,
	}
	if err := b.saveJob(context.Background(), job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	batcher.batch = &llm.Batch{Status: llm.BatchEnded}
	batcher.results = []llm.BatchResult{{
		CustomID: s.ID,
		Kind:     llm.ResultSucceeded,
		Response: &llm.Response{Model: testModel, Text: "Stale batch text."},
	}}

	b.poll(context.Background())

	got := reloadStory(t, st, s.Category, s.ID)
	if got.Summary.Text != realtime {
		t.Errorf("summary text = %q, want the newer realtime one kept", got.Summary.Text)
	}
	if got.Summary.Version != 1 || len(got.VersionHistory) != 0 {
		t.Errorf("summary version = %d history = %d, want untouched",
			got.Summary.Version, len(got.VersionHistory))
	}
}

func TestExpiredItemsResubmittedNextSweep(t *testing.T) {
	batcher := &fakeBatcher{}
	b, st := newTestBatchWorker(t, batcher, nil)

	now := time.Now().UTC()
	s, _ := seedStoryAt(t, st, now.Add(-2*time.Hour),
		testArticle("art-1", "reuters", "Bridge inspection closes crossing", "Engineers closed the crossing."),
		testArticle("art-2", "ap-news", "Crossing shut for inspection", "The inspection began Monday."),
	)

	job := &batchJob{
		ID:          "msgbatch_exp",
		SubmittedAt: now.Add(-25 * time.Hour),
		Requests:    1,
		Stories:     map[string]batchItem{s.ID: {Category: s.Category, Sources: 2}},
		Status:      jobInFlight,
	}
	if err := b.saveJob(context.Background(), job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	batcher.batch = &llm.Batch{Status: llm.BatchEnded}
	batcher.results = []llm.BatchResult{{CustomID: s.ID, Kind: llm.ResultExpired}}

	b.poll(context.Background())

	if got := reloadStory(t, st, s.Category, s.ID); got.Summary != nil {
		t.Fatalf("summary = %+v, want none after expiry", got.Summary)
	}

	// The finished job no longer holds the story in flight, so the next
	// sweep pays for it again.
	b.submit(context.Background())
	if len(batcher.created) != 1 {
		t.Fatalf("batches created = %d, want resubmission", len(batcher.created))
	}
	if got := batcher.created[0]; len(got) != 1 || got[0].CustomID != s.ID {
		t.Fatalf("resubmitted = %+v, want %s", got, s.ID)
	}
}

func TestBatchRefusalWritesFallback(t *testing.T) {
	batcher := &fakeBatcher{}
	b, st := newTestBatchWorker(t, batcher, nil)

	now := time.Now().UTC()
	s, _ := seedStoryAt(t, st, now.Add(-2*time.Hour),
		testArticle("art-1", "reuters", "Clinic expands vaccination hours", "The clinic expanded hours."),
		testArticle("art-2", "ap-news", "Extended hours announced for vaccinations", "Hours were extended."),
	)

	job := &batchJob{
		ID:          "msgbatch_ref",
		SubmittedAt: now.Add(-40 * time.Minute),
		Requests:    1,
		Stories:     map[string]batchItem{s.ID: {Category: s.Category, Sources: 2}},
		Status:      jobInFlight,
	}
	if err := b.saveJob(context.Background(), job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	batcher.batch = &llm.Batch{Status: llm.BatchEnded}
	batcher.results = []llm.BatchResult{{
		CustomID: s.ID,
		Kind:     llm.ResultSucceeded,
		Response: &llm.Response{Model: testModel, Text: "There is insufficient information to summarize this story."},
	}}

	b.poll(context.Background())

	got := reloadStory(t, st, s.Category, s.ID)
	if got.Summary == nil || got.Summary.ModelID != "fallback" {
		t.Fatalf("summary = %+v, want fallback", got.Summary)
	}
	if got.Summary.CostUSD != 0 {
		t.Errorf("cost = %v, want 0", got.Summary.CostUSD)
	}
}
