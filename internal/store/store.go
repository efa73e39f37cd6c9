// Package store implements the document store that connects the
// pipeline's components: partition-keyed SQLite collections with
// optimistic concurrency tokens, secondary-attribute queries, per-document
// TTL, a mutation log that consumers subscribe to with persisted
// checkpoints, and advisory leases. Components never talk to each other
// directly; everything flows through here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Collection names. Each is a partition-keyed document set with its own
// TTL policy and its own slice of the change log.
const (
	Articles      = "articles"      // partition: published_date
	Stories       = "stories"       // partition: category
	FeedState     = "feed_state"    // partition: feed_id
	Notifications = "notifications" // partition: story_id
	BatchJobs     = "batch_jobs"    // partition: job_id
)

// Errors returned by document operations.
var (
	ErrNotFound        = errors.New("document not found")
	ErrVersionConflict = errors.New("document version conflict")
)

// Document is the envelope every collection shares. Body holds the
// domain record as JSON. Category, Status, RefTime, and Hash are
// denormalized attributes maintained by the owning component so that
// queries hit indexes instead of parsing bodies; their meaning is
// per-collection (for articles RefTime is the fetch time, for stories
// the last update).
type Document struct {
	Collection   string
	PartitionKey string
	ID           string
	Body         []byte
	Version      int64
	Category     string
	Status       string
	RefTime      time.Time
	Hash         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// Store is the SQLite-backed document store. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates a document store at the given database path. The schema
// is created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// OpenDB wraps an existing database handle. Used by tests to run the
// store against an in-memory database.
func OpenDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection    TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		id            TEXT NOT NULL,
		body          TEXT NOT NULL,
		version       INTEGER NOT NULL,
		category      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT '',
		ref_time      TEXT,
		hash          TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		expires_at    TEXT,
		PRIMARY KEY (collection, partition_key, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_ref
		ON documents(collection, ref_time);
	CREATE INDEX IF NOT EXISTS idx_documents_category
		ON documents(collection, category, ref_time);
	CREATE INDEX IF NOT EXISTS idx_documents_status
		ON documents(collection, status);
	CREATE INDEX IF NOT EXISTS idx_documents_hash
		ON documents(collection, hash);
	CREATE INDEX IF NOT EXISTS idx_documents_expiry
		ON documents(expires_at);

	CREATE TABLE IF NOT EXISTS changes (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		collection    TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		doc_id        TEXT NOT NULL,
		op            TEXT NOT NULL,
		occurred_at   TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_changes_collection
		ON changes(collection, seq);

	CREATE TABLE IF NOT EXISTS checkpoints (
		consumer   TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		name       TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID returns a time-sortable unique id. Falls back to a random UUID
// in the unlikely event v7 generation fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Upsert writes doc unconditionally, creating it or replacing the stored
// copy, and appends an entry to the change log in the same transaction.
// The returned document carries the new version token.
func (s *Store) Upsert(ctx context.Context, doc Document) (Document, error) {
	return s.write(ctx, doc, -1)
}

// Replace writes doc only if the stored version matches expected,
// returning ErrVersionConflict otherwise. This is the optimistic
// concurrency primitive cluster mutation is built on: re-read,
// re-evaluate, Replace again on conflict.
func (s *Store) Replace(ctx context.Context, doc Document, expected int64) (Document, error) {
	return s.write(ctx, doc, expected)
}

// write performs the document upsert plus change-log append. expected < 0
// means unconditional.
func (s *Store) write(ctx context.Context, doc Document, expected int64) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE collection = ? AND partition_key = ? AND id = ?`,
		doc.Collection, doc.PartitionKey, doc.ID,
	).Scan(&current)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return Document{}, fmt.Errorf("read version: %w", err)
	}

	if expected >= 0 {
		if !exists && expected != 0 {
			return Document{}, ErrNotFound
		}
		if exists && current != expected {
			return Document{}, ErrVersionConflict
		}
	}

	if exists {
		doc.Version = current + 1
		doc.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE documents
			 SET body = ?, version = ?, category = ?, status = ?, ref_time = ?, hash = ?, updated_at = ?, expires_at = ?
			 WHERE collection = ? AND partition_key = ? AND id = ?`,
			string(doc.Body), doc.Version, doc.Category, doc.Status, nullableTime(doc.RefTime), doc.Hash,
			nowStr, nullableTime(doc.ExpiresAt),
			doc.Collection, doc.PartitionKey, doc.ID,
		)
		if err != nil {
			return Document{}, fmt.Errorf("update document: %w", err)
		}
	} else {
		doc.Version = 1
		doc.CreatedAt = now
		doc.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents
				(collection, partition_key, id, body, version, category, status, ref_time, hash, created_at, updated_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.Collection, doc.PartitionKey, doc.ID, string(doc.Body), doc.Version,
			doc.Category, doc.Status, nullableTime(doc.RefTime), doc.Hash,
			nowStr, nowStr, nullableTime(doc.ExpiresAt),
		)
		if err != nil {
			return Document{}, fmt.Errorf("insert document: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO changes (collection, partition_key, doc_id, op, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		doc.Collection, doc.PartitionKey, doc.ID, OpUpsert, nowStr,
	)
	if err != nil {
		return Document{}, fmt.Errorf("append change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("commit: %w", err)
	}
	return doc, nil
}

// Get performs a point read. Returns ErrNotFound if the document does
// not exist.
func (s *Store) Get(ctx context.Context, collection, partitionKey, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT collection, partition_key, id, body, version, category, status, ref_time, hash, created_at, updated_at, expires_at
		 FROM documents
		 WHERE collection = ? AND partition_key = ? AND id = ?`,
		collection, partitionKey, id,
	)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s/%s: %w", collection, partitionKey, id, err)
	}
	return doc, nil
}

// Delete removes a document and appends a delete entry to the change
// log. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, collection, partitionKey, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND partition_key = ? AND id = ?`,
		collection, partitionKey, id,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO changes (collection, partition_key, doc_id, op, occurred_at)
			 VALUES (?, ?, ?, ?, ?)`,
			collection, partitionKey, id, OpDelete, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("append change: %w", err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var body, createdStr, updatedStr string
	var refStr, expiresStr sql.NullString

	err := row.Scan(&doc.Collection, &doc.PartitionKey, &doc.ID, &body, &doc.Version,
		&doc.Category, &doc.Status, &refStr, &doc.Hash, &createdStr, &updatedStr, &expiresStr)
	if err != nil {
		return Document{}, err
	}

	doc.Body = []byte(body)
	doc.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	if refStr.Valid {
		doc.RefTime, _ = time.Parse(time.RFC3339, refStr.String)
	}
	if expiresStr.Valid {
		doc.ExpiresAt, _ = time.Parse(time.RFC3339, expiresStr.String)
	}
	return doc, nil
}

// nullableTime renders a timestamp for storage, mapping the zero value
// to NULL so absent attributes stay out of range comparisons.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
