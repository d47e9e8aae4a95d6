package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS hooks (
	id       TEXT PRIMARY KEY,
	source   TEXT NOT NULL,
	topic    TEXT NOT NULL DEFAULT '',
	event    TEXT NOT NULL DEFAULT '',
	time_ns  INTEGER NOT NULL,
	message  TEXT NOT NULL,
	headers  TEXT NOT NULL DEFAULT '{}',
	viewed   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS hooks_time ON hooks (time_ns);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// SQLiteStore keeps entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite database at path. An empty path or
// MemoryPath opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path == "" || path == MemoryPath {
		dsn = MemoryPath
	} else {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dsn == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) (bool, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return false, fmt.Errorf("marshal headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO hooks (id, source, topic, event, time_ns, message, headers, viewed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Source, e.Topic, e.Event, e.Time.UnixNano(), e.Message, string(headers), e.Viewed,
	)
	if err != nil {
		return false, fmt.Errorf("put entry %s: %w", e.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put entry %s: %w", e.ID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, topic, event, time_ns, message, headers, viewed
		FROM hooks WHERE id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	clearBefore, err := s.ClearBefore(ctx)
	if err != nil {
		return nil, err
	}

	var gate int64 = -1 << 63
	if !clearBefore.IsZero() {
		gate = clearBefore.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, topic, event, time_ns, message, headers, viewed
		FROM hooks WHERE time_ns > ?`, gate)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	// Search is matched in Go so that case folding is Unicode-aware.
	return apply(entries, clearBefore, f), nil
}

func (s *SQLiteStore) Latest(ctx context.Context, source string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, topic, event, time_ns, message, headers, viewed
		FROM hooks WHERE source = ?
		ORDER BY time_ns DESC, id DESC
		LIMIT 1`, source)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("latest %s entry: %w", source, err)
	}
	return e, nil
}

func (s *SQLiteStore) MarkViewed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hooks SET viewed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark entry %s viewed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark entry %s viewed: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetClearBefore(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('clear_before', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		t.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set clear gate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearBefore(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'clear_before'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read clear gate: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("read clear gate: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hooks`)
	if err != nil {
		return 0, fmt.Errorf("purge entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge entries: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hooks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e       Entry
		timeNS  int64
		headers string
	)
	if err := row.Scan(&e.ID, &e.Source, &e.Topic, &e.Event, &timeNS, &e.Message, &headers, &e.Viewed); err != nil {
		return Entry{}, err
	}
	e.Time = time.Unix(0, timeNS).UTC()
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		return Entry{}, fmt.Errorf("decode headers of %s: %w", e.ID, err)
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}
