package session

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the local snapshot tier.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_blobs (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Credentials, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, data FROM session_blobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := Credentials{}
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		out[name] = data
	}
	return out, rows.Err()
}

// Save replaces the snapshot with creds.
func (s *SQLiteStore) Save(ctx context.Context, creds Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_blobs`); err != nil {
		return err
	}
	for name, data := range creds {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_blobs (name, data) VALUES (?, ?)`, name, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_blobs`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
