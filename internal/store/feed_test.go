package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects delivered changes and optionally fails the first
// delivery of a given doc id to exercise redelivery.
type recorder struct {
	mu       sync.Mutex
	seen     []Change
	failOnce map[string]bool
}

func (r *recorder) handle(ctx context.Context, ch Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOnce[ch.DocID] {
		delete(r.failOnce, ch.DocID)
		return errors.New("transient failure")
	}
	r.seen = append(r.seen, ch)
	return nil
}

func (r *recorder) delivered() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Change, len(r.seen))
	copy(out, r.seen)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestFeed_DeliversInPartitionOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, w := range []struct{ pk, id string }{
		{"p1", "a"}, {"p2", "x"}, {"p1", "b"}, {"p2", "y"}, {"p1", "c"},
	} {
		if _, err := s.Upsert(ctx, Document{Collection: Articles, PartitionKey: w.pk, ID: w.id, Body: []byte(`{}`)}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	rec := &recorder{}
	feed := NewFeed(s, FeedConfig{
		Consumer:     "test",
		Collection:   Articles,
		PollInterval: 20 * time.Millisecond,
	}, rec.handle, discardLogger())

	feed.Start(ctx)
	defer feed.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(rec.delivered()) >= 5 })

	// Within each partition, changes must arrive in sequence order.
	perPartition := make(map[string][]int64)
	for _, ch := range rec.delivered() {
		perPartition[ch.PartitionKey] = append(perPartition[ch.PartitionKey], ch.Seq)
	}
	for pk, seqs := range perPartition {
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Errorf("partition %s out of order: %v", pk, seqs)
			}
		}
	}

	// The checkpoint must land on the last delivered sequence.
	waitFor(t, 2*time.Second, func() bool {
		seq, err := s.Checkpoint(ctx, "test")
		return err == nil && seq >= 5
	})
}

func TestFeed_RedeliversFailedBatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, Document{Collection: Articles, PartitionKey: "p", ID: "a", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := &recorder{failOnce: map[string]bool{"a": true}}
	feed := NewFeed(s, FeedConfig{
		Consumer:     "test",
		Collection:   Articles,
		PollInterval: 20 * time.Millisecond,
	}, rec.handle, discardLogger())

	feed.Start(ctx)
	defer feed.Stop()

	// The first delivery fails; the change must come around again.
	waitFor(t, 5*time.Second, func() bool { return len(rec.delivered()) == 1 })

	if got := rec.delivered()[0].DocID; got != "a" {
		t.Errorf("redelivered doc = %q, want %q", got, "a")
	}
}

func TestFeed_ResumesFromCheckpoint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Upsert(ctx, Document{Collection: Articles, PartitionKey: "p", ID: id, Body: []byte(`{}`)}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	changes, err := s.ChangesSince(ctx, Articles, 0, 10)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	// Pretend a prior run already handled the first two.
	if err := s.SaveCheckpoint(ctx, "test", changes[1].Seq); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	rec := &recorder{}
	feed := NewFeed(s, FeedConfig{
		Consumer:     "test",
		Collection:   Articles,
		PollInterval: 20 * time.Millisecond,
	}, rec.handle, discardLogger())

	feed.Start(ctx)
	defer feed.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(rec.delivered()) >= 1 })

	got := rec.delivered()
	if len(got) != 1 || got[0].DocID != "c" {
		t.Errorf("delivered = %+v, want only c", got)
	}
}
