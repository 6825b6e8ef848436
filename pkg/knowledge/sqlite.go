package knowledge

import (
	"context"
	"database/sql"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jllopis/agora/pkg/errors"

	_ "modernc.org/sqlite"
)

const knowledgeTable = "agora_knowledge"

// SQLite persists knowledge entries in a SQLite database. It satisfies
// the same Store contract as InMemory; values are stored JSON-encoded.
type SQLite struct {
	db     *sql.DB
	events *fanout
}

// NewSQLite opens (or creates) the database at path and ensures schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, events: newFanout()}, nil
}

// NewSQLiteFromDB wraps an existing handle, ensuring schema.
func NewSQLiteFromDB(db *sql.DB) (*SQLite, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLite{db: db, events: newFanout()}, nil
}

func ensureSchema(db *sql.DB) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value_json BLOB NOT NULL,
		version INTEGER NOT NULL,
		writer TEXT NOT NULL,
		written_at INTEGER NOT NULL
	);`, knowledgeTable)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("ensure knowledge schema: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value_json, version, writer, written_at FROM %s WHERE key = ?`, knowledgeTable), key)

	var (
		raw       []byte
		version   uint64
		writer    string
		writtenAt int64
	)
	if err := row.Scan(&raw, &version, &writer, &writtenAt); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return Entry{}, errors.New(errors.CodeNotFound, "knowledge key not found", nil).
				WithContext("key", key)
		}
		return Entry{}, fmt.Errorf("query knowledge key %s: %w", key, err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return Entry{}, fmt.Errorf("decode knowledge value for %s: %w", key, err)
	}
	return Entry{
		Key:       key,
		Value:     value,
		Version:   version,
		Writer:    writer,
		WrittenAt: time.UnixMilli(writtenAt).UTC(),
	}, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, key string, value any, writer string) (uint64, error) {
	return s.write(ctx, key, value, writer, nil)
}

// CompareAndSet implements Store.
func (s *SQLite) CompareAndSet(ctx context.Context, key string, expected uint64, value any, writer string) (uint64, error) {
	return s.write(ctx, key, value, writer, &expected)
}

// write performs a serialized read-bump-write in one transaction. A nil
// expected version means unconditional put.
func (s *SQLite) write(ctx context.Context, key string, value any, writer string, expected *uint64) (uint64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode knowledge value for %s: %w", key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin knowledge write: %w", err)
	}
	defer tx.Rollback()

	var current uint64
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version FROM %s WHERE key = ?`, knowledgeTable), key)
	switch err := row.Scan(&current); {
	case stderrors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return 0, fmt.Errorf("read current version for %s: %w", key, err)
	}

	if expected != nil && current != *expected {
		return 0, errors.New(errors.CodeConflict, "stale expected version", nil).
			WithContext("key", key).
			WithContext("expected", *expected).
			WithContext("current", current)
	}

	next := current + 1
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (key, value_json, version, writer, written_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json,
			version = excluded.version, writer = excluded.writer, written_at = excluded.written_at`,
		knowledgeTable), key, raw, next, writer, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("write knowledge key %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit knowledge write for %s: %w", key, err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = value
	}
	s.events.notify(Entry{Key: key, Value: decoded, Version: next, Writer: writer, WrittenAt: now})
	return next, nil
}

// Subscribe implements Store.
func (s *SQLite) Subscribe(_ context.Context, keyPrefix string) (<-chan ChangeEvent, func()) {
	return s.events.subscribe(keyPrefix)
}

// Close implements Store.
func (s *SQLite) Close(_ context.Context) error {
	s.events.close()
	return s.db.Close()
}
