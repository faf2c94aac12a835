package optin

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	appLog "communitybot/internal/log"
)

const busyTimeoutMs = 2000

// SQLiteStore keeps the opt-in set in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// table exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("optin: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", connectionString(path))
	if err != nil {
		return nil, fmt.Errorf("optin: open sqlite: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS opted_in_users (
			user_id TEXT NOT NULL PRIMARY KEY,
			created_at INTEGER NOT NULL
		) WITHOUT ROWID;`,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("optin: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func connectionString(file string) string {
	qs := url.Values{
		"_txlock": []string{"immediate"},
		"_pragma": []string{
			"journal_mode(WAL)",
			fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs),
		},
	}
	return "file:" + file + "?" + qs.Encode()
}

func (s *SQLiteStore) OptIn(ctx context.Context, userID string) (bool, error) {
	id, err := normalizeID(userID)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO opted_in_users (user_id, created_at) VALUES (?, ?)`,
		id, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("optin: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("optin: insert: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) OptOut(ctx context.Context, userID string) (bool, error) {
	id, err := normalizeID(userID)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM opted_in_users WHERE user_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("optin: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("optin: delete: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context) []string {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM opted_in_users ORDER BY user_id ASC`)
	if err != nil {
		appLog.Error("optin list query failed", err)
		return []string{}
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			appLog.Error("optin list scan failed", err)
			return []string{}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		appLog.Error("optin list failed", err)
		return []string{}
	}
	return ids
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
