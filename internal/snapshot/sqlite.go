package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore keeps snapshot records as JSON documents in a sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at path and ensures the schema.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the snapshots table.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		env_id TEXT NOT NULL,
		created_ts TEXT NOT NULL,
		record_json TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(id, env_id, created_ts, record_json) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET env_id=excluded.env_id, created_ts=excluded.created_ts, record_json=excluded.record_json`,
		snap.ID,
		snap.EnvID,
		snap.CreatedAt.UTC().Format(timeLayout),
		buf.String(),
	)
	return err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM snapshots WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewBufferString(record))
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		snap, err := Decode(bytes.NewBufferString(record))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSnapshots(out)
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
