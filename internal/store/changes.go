package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Change operations recorded in the mutation log. TTL expiry does not
// produce change entries, matching the behavior consumers are written
// against.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Change is one entry in the store's mutation log. Seq is a
// store-global monotone sequence; within a partition key, changes are
// delivered in Seq order.
type Change struct {
	Seq          int64
	Collection   string
	PartitionKey string
	DocID        string
	Op           string
	OccurredAt   time.Time
}

// ChangesSince returns up to limit change entries for a collection with
// Seq greater than afterSeq, oldest first.
func (s *Store) ChangesSince(ctx context.Context, collection string, afterSeq int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, collection, partition_key, doc_id, op, occurred_at
		 FROM changes
		 WHERE collection = ? AND seq > ?
		 ORDER BY seq ASC
		 LIMIT ?`,
		collection, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var ch Change
		var occurredStr string
		if err := rows.Scan(&ch.Seq, &ch.Collection, &ch.PartitionKey, &ch.DocID, &ch.Op, &occurredStr); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ch.OccurredAt, _ = time.Parse(time.RFC3339, occurredStr)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest change sequence recorded for a
// collection, or 0 when the log is empty.
func (s *Store) LatestSeq(ctx context.Context, collection string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM changes WHERE collection = ?`, collection,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq.Int64, nil
}

// Checkpoint returns the persisted change-stream position for a
// consumer. A consumer that has never checkpointed starts at 0.
func (s *Store) Checkpoint(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM checkpoints WHERE consumer = ?`, consumer,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", consumer, err)
	}
	return seq, nil
}

// SaveCheckpoint persists a consumer's change-stream position. Callers
// advance it only after every change at or below seq has been handled.
func (s *Store) SaveCheckpoint(ctx context.Context, consumer string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (consumer, seq, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (consumer) DO UPDATE
		 SET seq = excluded.seq, updated_at = excluded.updated_at`,
		consumer, seq, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", consumer, err)
	}
	return nil
}

// minCheckpoint returns the lowest checkpoint across all consumers, or
// -1 when no consumer has checkpointed yet. Change-log pruning must not
// pass this point.
func (s *Store) minCheckpoint(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(seq) FROM checkpoints`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("min checkpoint: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
