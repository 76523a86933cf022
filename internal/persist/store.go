package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/reactor/internal/message"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - pending_mutations, query_cache, kv
const currentSchemaVersion = 1

const userKey = "current-user"

// Store is the SQLite file backing a reactor's offline state.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, applying pragmas and
// migrations. ":memory:" works for tests.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SavePending replaces the stored queue with the non-terminal entries of
// pending.
func (s *Store) SavePending(ctx context.Context, pending []message.Pending) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations`); err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	for _, p := range pending {
		if p.Status.Terminal() {
			continue
		}
		ops := make([]message.Op, len(p.Ops))
		for i, op := range p.Ops {
			op.Attrs = plainMap(op.Attrs)
			ops[i] = op
		}
		p.Ops = ops
		payload, err := marshal(p)
		if err != nil {
			return fmt.Errorf("save pending %s: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_mutations (id, seq, payload) VALUES (?, ?, ?)`,
			p.ID, p.Seq, payload,
		); err != nil {
			return fmt.Errorf("save pending %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	return nil
}

// LoadPending returns the stored queue ordered by sequence.
func (s *Store) LoadPending(ctx context.Context) ([]message.Pending, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM pending_mutations ORDER BY seq ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()

	var out []message.Pending
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("load pending: %w", err)
		}
		var p message.Pending
		if err := unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("load pending: decode: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	return out, nil
}

// SaveQuery stores q's result, compressed, as the most recent entry and
// trims the cache to limit entries (0 means unlimited).
func (s *Store) SaveQuery(ctx context.Context, q message.CachedQuery, limit int) error {
	data := make(map[string][]message.Entity, len(q.Result.Data))
	for ns, ents := range q.Result.Data {
		out := make([]message.Entity, len(ents))
		for i, e := range ents {
			out[i] = message.Entity(plainMap(e))
		}
		data[ns] = out
	}
	q.Result.Data = data

	raw, err := marshal(q)
	if err != nil {
		return fmt.Errorf("save query %s: %w", q.Hash, err)
	}
	payload := compress(raw)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save query: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO query_cache (hash, payload, size, updated)
		VALUES (?, ?, ?, COALESCE((SELECT MAX(updated) FROM query_cache), 0) + 1)
		ON CONFLICT(hash) DO UPDATE SET
			payload = excluded.payload,
			size = excluded.size,
			updated = excluded.updated
	`, q.Hash, payload, len(raw)); err != nil {
		return fmt.Errorf("save query %s: %w", q.Hash, err)
	}
	if limit > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM query_cache WHERE hash NOT IN (
				SELECT hash FROM query_cache ORDER BY updated DESC LIMIT ?
			)
		`, limit); err != nil {
			return fmt.Errorf("trim query cache: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save query: %w", err)
	}
	return nil
}

// LoadQueries returns cached results, most recent first.
func (s *Store) LoadQueries(ctx context.Context) ([]message.CachedQuery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM query_cache ORDER BY updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("load queries: %w", err)
	}
	defer rows.Close()

	var out []message.CachedQuery
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("load queries: %w", err)
		}
		raw, err := decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("load queries: %w", err)
		}
		var q message.CachedQuery
		if err := unmarshal(raw, &q); err != nil {
			return nil, fmt.Errorf("load queries: decode: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load queries: %w", err)
	}
	return out, nil
}

// ClearQueries drops every cached result.
func (s *Store) ClearQueries(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM query_cache`); err != nil {
		return fmt.Errorf("clear queries: %w", err)
	}
	return nil
}

// SaveUser stores u as the current user; nil forgets it.
func (s *Store) SaveUser(ctx context.Context, u *message.User) error {
	if u == nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, userKey); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		return nil
	}
	value, err := marshal(u)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, userKey, value); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// LoadUser returns the stored user, or nil.
func (s *Store) LoadUser(ctx context.Context) (*message.User, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, userKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	var u message.User
	if err := unmarshal(value, &u); err != nil {
		return nil, fmt.Errorf("load user: decode: %w", err)
	}
	return &u, nil
}
