package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/mbd888/phraseclaim/migrations"
)

// SQLiteStore persists the registry in a single SQLite file. It serializes
// all access through one connection.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the embedded
// migrations. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrations.Up(ctx, db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for stats collection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func (s *SQLiteStore) Get(ctx context.Context, key common.Hash) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM registry_items WHERE item_key = ?`, key.Hex())
	item, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *SQLiteStore) Exists(ctx context.Context, key common.Hash) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM registry_items WHERE item_key = ?`, key.Hex(),
	).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) TokenItem(ctx context.Context, token common.Hash) (common.Hash, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT item_key FROM registry_claim_tokens WHERE token = ?`, token.Hex(),
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Hash{}, ErrNotFound
	}
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(key), nil
}

func (s *SQLiteStore) Commit(ctx context.Context, c *Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	key := c.key().Hex()

	if c.Admin != (common.Address{}) {
		var value string
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM registry_settings WHERE name = ?`, adminSetting,
		).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnauthorized
		}
		if err != nil {
			return fmt.Errorf("check admin: %w", err)
		}
		if common.HexToAddress(value) != c.Admin {
			return ErrUnauthorized
		}
	}

	switch c.Kind {
	case ChangeNone:
		if c.Bind != (common.Hash{}) {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM registry_items WHERE item_key = ?`, key,
			).Scan(&n); err != nil {
				return fmt.Errorf("check item: %w", err)
			}
			if n == 0 {
				return ErrNotFound
			}
		}
	case ChangeInsert:
		i := c.Item
		_, err := tx.ExecContext(ctx, `
			INSERT INTO registry_items (
				item_key, owner_addr, status, delay_seconds, period_seconds,
				window_started_at, claim_token, payload, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key, i.Owner.Hex(), string(i.Status), durationSeconds(i.Delay), durationSeconds(i.Period),
			windowMillis(i.Window), nullHash(i.ClaimToken), i.Payload, toMillis(i.CreatedAt), toMillis(i.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert item: %w", err)
		}
	case ChangeUpdate:
		i := c.Item
		res, err := tx.ExecContext(ctx, `
			UPDATE registry_items SET
				owner_addr = ?, status = ?, delay_seconds = ?, period_seconds = ?,
				window_started_at = ?, claim_token = ?, payload = ?, updated_at = ?
			WHERE item_key = ?`,
			i.Owner.Hex(), string(i.Status), durationSeconds(i.Delay), durationSeconds(i.Period),
			windowMillis(i.Window), nullHash(i.ClaimToken), i.Payload, toMillis(i.UpdatedAt),
			key,
		)
		if err := expectRow(res, err, ErrNotFound); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
	case ChangeDelete:
		res, err := tx.ExecContext(ctx, `DELETE FROM registry_items WHERE item_key = ?`, key)
		if err := expectRow(res, err, ErrNotFound); err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM registry_claim_tokens WHERE item_key = ?`, key); err != nil {
			return fmt.Errorf("delete claim tokens: %w", err)
		}
	}

	if c.Bind != (common.Hash{}) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO registry_claim_tokens (token, item_key, bound_at) VALUES (?, ?, ?)`,
			c.Bind.Hex(), key, toMillis(time.Now()),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrTokenAlreadyUsed
			}
			return fmt.Errorf("bind claim token: %w", err)
		}
	}

	for _, e := range c.Events {
		if err := insertSQLiteEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListLapsed(ctx context.Context, now time.Time, defaultPeriod time.Duration, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	def := durationSeconds(defaultPeriod)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM (
			SELECT `+itemColumns+`,
			       window_started_at + (delay_seconds +
			           CASE WHEN period_seconds > 0 THEN period_seconds ELSE ? END
			       ) * 1000 AS deadline
			FROM registry_items
			WHERE status = 'confirmation_awaiting'
			  AND window_started_at IS NOT NULL
			  AND (period_seconds > 0 OR ? > 0)
		) awaiting
		WHERE deadline < ?
		ORDER BY deadline ASC
		LIMIT ?`, def, def, toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Item
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Events(ctx context.Context, key common.Hash, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, item_key, from_addr, to_addr, fields, created_at
		FROM registry_events
		WHERE item_key = ?
		ORDER BY seq DESC
		LIMIT ?`, key.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Event
	for rows.Next() {
		var (
			e                 Event
			itemKey, from, to sql.NullString
			fields            string
			at                int64
		)
		if err := rows.Scan(&e.ID, &e.Name, &itemKey, &from, &to, &fields, &at); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		decodeEventColumns(&e, itemKey, from, to, []byte(fields))
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Admin(ctx context.Context) (common.Address, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM registry_settings WHERE name = ?`, adminSetting,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, nil
	}
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(value), nil
}

func (s *SQLiteStore) SwapAdmin(ctx context.Context, old, next common.Address, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(time.Now())
	var res sql.Result
	if old == (common.Address{}) {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO registry_settings (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO NOTHING`,
			adminSetting, next.Hex(), now,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE registry_settings SET value = ?, updated_at = ?
			WHERE name = ? AND value = ?`,
			next.Hex(), now, adminSetting, old.Hex(),
		)
	}
	if err := expectRow(res, err, ErrUnauthorized); err != nil {
		return err
	}

	if event != nil {
		if err := insertSQLiteEvent(ctx, tx, *event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanSQLiteItem(row scanner) (*Item, error) {
	var (
		item                 Item
		key, owner, status   string
		delay, period        int64
		windowStart          sql.NullInt64
		token                sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&key, &owner, &status, &delay, &period,
		&windowStart, &token, &item.Payload, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	item.Key = common.HexToHash(key)
	item.Owner = common.HexToAddress(owner)
	item.Status = Status(status)
	item.Delay = time.Duration(delay) * time.Second
	item.Period = time.Duration(period) * time.Second
	if windowStart.Valid {
		item.Window = &Window{StartedAt: fromMillis(windowStart.Int64)}
	}
	if token.Valid {
		item.ClaimToken = common.HexToHash(token.String)
	}
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	return &item, nil
}

func insertSQLiteEvent(ctx context.Context, tx *sql.Tx, e Event) error {
	fields := []byte("{}")
	if e.Fields != nil {
		var err error
		if fields, err = json.Marshal(e.Fields); err != nil {
			return fmt.Errorf("encode event fields: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO registry_events (id, name, item_key, from_addr, to_addr, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Name), nullHash(e.Key), nullAddress(e.From), nullAddress(e.To), string(fields), toMillis(e.At),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.Name, err)
	}
	return nil
}

func windowMillis(w *Window) sql.NullInt64 {
	if w == nil || w.StartedAt.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(w.StartedAt), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
