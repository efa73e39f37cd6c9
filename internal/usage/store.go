// Package usage is the append-only ledger of what summary generation
// costs. Every model call and every extractive fallback lands here as
// one row: which story, which path, how many tokens at which rate.
// Window queries aggregate the rows to answer what a span of time cost
// and where the spend went.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/newsreel/internal/config"
)

// Values for Record.Path, naming which generation path produced a
// summary.
const (
	PathRealtime = "realtime"
	PathBatch    = "batch"
	PathFallback = "fallback"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	request_id    TEXT,
	story_id      TEXT NOT NULL,
	batch_id      TEXT,
	model         TEXT NOT NULL,
	path          TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_story ON usage_records(story_id);
CREATE INDEX IF NOT EXISTS idx_usage_batch ON usage_records(batch_id);
`

// Record is one ledger row: a single generation's tokens and cost.
type Record struct {
	ID        string
	Timestamp time.Time
	// RequestID holds the API message id, or the batch custom_id for
	// batch results. Extractive fallbacks leave it empty.
	RequestID string
	StoryID   string
	// BatchID ties batch results back to their submission.
	BatchID      string
	Model        string
	Path         string
	InputTokens  int
	OutputTokens int
	// CachedTokens counts prompt-cache reads, billed at the cached rate.
	CachedTokens int
	CostUSD      float64
}

// Summary is the aggregate of a set of ledger rows.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCachedTokens int64
	TotalCostUSD      float64
}

// Store writes and aggregates ledger rows. Methods are safe for
// concurrent use; SQLite serializes the writers.
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger database at dbPath, creating the file and
// schema as needed. The DSN options match the article store so both
// databases behave the same under concurrent writers.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ts renders a timestamp the way the table stores them. RFC 3339 in
// UTC sorts lexically, which the window queries rely on.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Record appends one row. A missing ID is filled with a fresh UUIDv7,
// a zero Timestamp with the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, timestamp, request_id, story_id, batch_id, model, path,
			 input_tokens, output_tokens, cached_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, ts(rec.Timestamp), rec.RequestID, rec.StoryID, rec.BatchID,
		rec.Model, rec.Path,
		rec.InputTokens, rec.OutputTokens, rec.CachedTokens, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// aggCols is the SELECT list shared by the window queries, in the
// order the scans below read it.
const aggCols = `COUNT(*),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cached_tokens), 0),
	COALESCE(SUM(cost_usd), 0)`

// Window totals every row with timestamp in [start, end).
func (s *Store) Window(start, end time.Time) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRow(
		`SELECT `+aggCols+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		ts(start), ts(end),
	).Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalCachedTokens, &sum.TotalCostUSD)
	if err != nil {
		return nil, fmt.Errorf("window totals: %w", err)
	}
	return &sum, nil
}

// WindowByPath splits the window totals by generation path: how much
// of the spend went realtime versus batch, and how often the fallback
// fired.
func (s *Store) WindowByPath(start, end time.Time) (map[string]*Summary, error) {
	return s.windowOver("path", start, end)
}

// WindowByModel splits the window totals by model.
func (s *Store) WindowByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.windowOver("model", start, end)
}

// windowOver groups the window totals by one column. Every caller
// passes a column name from its own source text, never outside input,
// so the Sprintf is not an injection surface.
func (s *Store) windowOver(column string, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+aggCols+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`, column, column),
		ts(start), ts(end),
	)
	if err != nil {
		return nil, fmt.Errorf("window by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var (
			key string
			sum Summary
		)
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens,
			&sum.TotalOutputTokens, &sum.TotalCachedTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan window by %s: %w", column, err)
		}
		out[key] = &sum
	}
	return out, rows.Err()
}

// batchDiscount is the Message Batches price relative to realtime.
const batchDiscount = 0.5

// ComputeCost prices one generation against the configured per-model
// rates. Cache reads arrive in their own counter and bill at the
// cached-input rate; batch generations bill at half price. A model
// absent from the pricing table prices at zero, which covers the
// extractive fallback.
func ComputeCost(model string, inputTokens, cachedTokens, outputTokens int, batch bool, pricing map[string]config.ModelPricing) float64 {
	rates, ok := pricing[model]
	if !ok {
		return 0
	}
	perMTok := func(n int, rate float64) float64 {
		return float64(n) / 1_000_000.0 * rate
	}
	cost := perMTok(inputTokens, rates.InputPerMTok) +
		perMTok(cachedTokens, rates.CachedInputPerMTok) +
		perMTok(outputTokens, rates.OutputPerMTok)
	if batch {
		cost *= batchDiscount
	}
	return cost
}
