package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Query selects documents within one collection by denormalized
// attributes. Zero-valued fields are not applied. RefAfter/RefBefore
// compare against the collection's RefTime attribute.
type Query struct {
	Collection   string
	PartitionKey string
	Category     string
	Status       string
	Hash         string
	RefAfter     time.Time
	RefBefore    time.Time
	NewestFirst  bool
	Limit        int
}

// Select runs a query and returns matching documents. Results are
// ordered by RefTime (oldest first unless NewestFirst is set).
func (s *Store) Select(ctx context.Context, q Query) ([]Document, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("query missing collection")
	}

	var b strings.Builder
	b.WriteString(`SELECT collection, partition_key, id, body, version, category, status, ref_time, hash, created_at, updated_at, expires_at
		FROM documents WHERE collection = ?`)
	args := []any{q.Collection}

	if q.PartitionKey != "" {
		b.WriteString(` AND partition_key = ?`)
		args = append(args, q.PartitionKey)
	}
	if q.Category != "" {
		b.WriteString(` AND category = ?`)
		args = append(args, q.Category)
	}
	if q.Status != "" {
		b.WriteString(` AND status = ?`)
		args = append(args, q.Status)
	}
	if q.Hash != "" {
		b.WriteString(` AND hash = ?`)
		args = append(args, q.Hash)
	}
	if !q.RefAfter.IsZero() {
		b.WriteString(` AND ref_time >= ?`)
		args = append(args, q.RefAfter.UTC().Format(time.RFC3339))
	}
	if !q.RefBefore.IsZero() {
		b.WriteString(` AND ref_time < ?`)
		args = append(args, q.RefBefore.UTC().Format(time.RFC3339))
	}

	if q.NewestFirst {
		b.WriteString(` ORDER BY ref_time DESC`)
	} else {
		b.WriteString(` ORDER BY ref_time ASC`)
	}
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Exists reports whether any document matches the query without
// materializing bodies. Used for the exact-hash dedup barrier.
func (s *Store) Exists(ctx context.Context, q Query) (bool, error) {
	q.Limit = 1
	q.NewestFirst = true
	docs, err := s.Select(ctx, q)
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}
