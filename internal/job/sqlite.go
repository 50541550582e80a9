package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Workers write item outcomes concurrently; a single connection keeps
	// ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			total       INTEGER NOT NULL,
			concurrency INTEGER NOT NULL DEFAULT 1,
			outcome     TEXT NOT NULL DEFAULT '',
			succeeded   INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			cancelled   INTEGER NOT NULL DEFAULT 0,
			message     TEXT NOT NULL DEFAULT '',
			started_at  DATETIME NOT NULL,
			settled_at  DATETIME
		);
		CREATE TABLE IF NOT EXISTS items (
			id              TEXT PRIMARY KEY,
			batch_id        TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			position        INTEGER NOT NULL,
			kind            TEXT NOT NULL,
			inputs          TEXT NOT NULL,
			output          TEXT NOT NULL,
			codec           TEXT NOT NULL DEFAULT '',
			bitrate         TEXT NOT NULL DEFAULT '',
			segment_seconds INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending',
			message         TEXT NOT NULL DEFAULT '',
			started_at      DATETIME,
			completed_at    DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_batches_started_at ON batches(started_at);
		CREATE INDEX IF NOT EXISTS idx_batches_settled_at ON batches(settled_at);
		CREATE INDEX IF NOT EXISTS idx_items_batch        ON items(batch_id, position);
		CREATE INDEX IF NOT EXISTS idx_items_status       ON items(status);
	`)
	return err
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, kind, total, concurrency, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.ID, b.Kind, b.Total, b.Concurrency, b.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.ID, err)
	}

	for i, w := range b.Items {
		inputs, err := json.Marshal(w.Inputs)
		if err != nil {
			return fmt.Errorf("encode inputs for item %s: %w", w.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO items
				(id, batch_id, position, kind, inputs, output, codec, bitrate, segment_seconds, status)
			VALUES
				(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, w.ID, b.ID, i, w.Kind, string(inputs), w.Output, w.Codec, w.Bitrate, w.SegmentSeconds, StatusPending)
		if err != nil {
			return fmt.Errorf("create item %s: %w", w.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, total, concurrency, outcome, succeeded, failed, cancelled,
		       message, started_at, settled_at
		FROM batches WHERE id = ?
	`, id)

	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}

	items, err := s.listItems(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Items = items
	return b, nil
}

func (s *SQLiteStore) listItems(ctx context.Context, batchID string) ([]*WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, inputs, output, codec, bitrate, segment_seconds,
		       status, message, started_at, completed_at
		FROM items WHERE batch_id = ?
		ORDER BY position
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list items for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		w := &WorkItem{}
		var inputs string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&w.ID, &w.Kind, &inputs, &w.Output, &w.Codec, &w.Bitrate, &w.SegmentSeconds,
			&w.Status, &w.Message, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal([]byte(inputs), &w.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs for item %s: %w", w.ID, err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			w.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			w.CompletedAt = &t
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, itemID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET status = ?, started_at = ? WHERE id = ?
	`, StatusRunning, at.UTC(), itemID)
	if err != nil {
		return fmt.Errorf("mark running for item %s: %w", itemID, err)
	}
	return nil
}

func (s *SQLiteStore) FinishItem(ctx context.Context, itemID string, status Status, message string, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish item %s: status %q is not terminal", itemID, status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET status = ?, message = ?, completed_at = ? WHERE id = ?
	`, status, message, at.UTC(), itemID)
	if err != nil {
		return fmt.Errorf("finish item %s: %w", itemID, err)
	}
	return nil
}

func (s *SQLiteStore) Settle(ctx context.Context, st Settlement) error {
	if st.BatchID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET outcome = ?, succeeded = ?, failed = ?, cancelled = ?, message = ?, settled_at = ?
		WHERE id = ?
	`, st.Outcome, st.Succeeded, st.Failed, st.Cancelled, st.Message(), st.SettledAt.UTC(), st.BatchID)
	if err != nil {
		return fmt.Errorf("settle batch %s: %w", st.BatchID, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ResetRunning closes out batches that never settled: running items become
// failed, pending items become cancelled and the batch is marked aborted.
// Returns the IDs of the affected batches.
func (s *SQLiteStore) ResetRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM batches WHERE settled_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query unsettled batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unsettled batches: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE items SET status = ?, message = 'interrupted', completed_at = ?
			WHERE batch_id = ? AND status = ?
		`, StatusFailed, now, id, StatusRunning); err != nil {
			return nil, fmt.Errorf("fail interrupted items of batch %s: %w", id, err)
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE items SET status = ?, message = 'interrupted before start', completed_at = ?
			WHERE batch_id = ? AND status = ?
		`, StatusCancelled, now, id, StatusPending); err != nil {
			return nil, fmt.Errorf("cancel pending items of batch %s: %w", id, err)
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE batches SET
				outcome   = ?,
				succeeded = (SELECT COUNT(*) FROM items WHERE batch_id = ? AND status = ?),
				failed    = (SELECT COUNT(*) FROM items WHERE batch_id = ? AND status = ?),
				cancelled = (SELECT COUNT(*) FROM items WHERE batch_id = ? AND status = ?),
				message   = 'Operation aborted: process exited before the batch settled',
				settled_at = ?
			WHERE id = ?
		`, OutcomeAborted,
			id, StatusSucceeded,
			id, StatusFailed,
			id, StatusCancelled,
			now, id); err != nil {
			return nil, fmt.Errorf("abort batch %s: %w", id, err)
		}
	}
	return ids, nil
}

// ListBatches returns batches ordered by started_at DESC with pagination, and the total count.
// Items are not loaded; use GetBatch for a single batch with its items.
func (s *SQLiteStore) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count batches: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, total, concurrency, outcome, succeeded, failed, cancelled,
		       message, started_at, settled_at
		FROM batches
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate batches: %w", err)
	}

	return batches, total, nil
}

func (s *SQLiteStore) DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM items WHERE batch_id IN (
			SELECT id FROM batches WHERE settled_at IS NOT NULL AND settled_at < ?
		)
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete settled items: %w", err)
	}
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM batches WHERE settled_at IS NOT NULL AND settled_at < ?
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete settled batches: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	b := &Batch{}
	var settledAt sql.NullTime
	if err := row.Scan(
		&b.ID, &b.Kind, &b.Total, &b.Concurrency, &b.Outcome,
		&b.Succeeded, &b.Failed, &b.Cancelled, &b.Message,
		&b.StartedAt, &settledAt,
	); err != nil {
		return nil, err
	}
	if settledAt.Valid {
		t := settledAt.Time
		b.SettledAt = &t
	}
	return b, nil
}
