package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// timestampLayout sorts lexically in time order.
	timestampLayout = "2006-01-02T15:04:05Z"
)

// SQLiteRepository implements Repository on the switch_history table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record inserts a state entry for key.
func (r *SQLiteRepository) Record(ctx context.Context, key string, state int, origin string) error {
	if key == "" {
		return ErrKeyRequired
	}
	if origin == "" {
		origin = OriginBus
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO switch_history (switch_key, state, origin, created_at) VALUES (?, ?, ?, ?)",
		key,
		state,
		origin,
		r.now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting switch history: %w", err)
	}
	return nil
}

// List returns recent entries for key, newest first. Entries recorded in
// the same second keep insertion order.
func (r *SQLiteRepository) List(ctx context.Context, key string, limit int) ([]Entry, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, switch_key, state, origin, created_at
		 FROM switch_history
		 WHERE switch_key = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		key,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying switch history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var createdAt string

		if err := rows.Scan(&entry.ID, &entry.Key, &entry.State, &entry.Origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning switch history: %w", err)
		}

		entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating switch history: %w", err)
	}
	return entries, nil
}

// Prune deletes history entries older than now minus olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timestampLayout)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM switch_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting switch history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return deleted, nil
}
