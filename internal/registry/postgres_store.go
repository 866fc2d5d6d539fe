package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

const adminSetting = "admin"

// PostgresStore persists the registry in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const itemColumns = `item_key, owner_addr, status, delay_seconds, period_seconds,
		       window_started_at, claim_token, payload, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, key common.Hash) (*Item, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM registry_items WHERE item_key = $1`, key.Hex())
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (p *PostgresStore) Exists(ctx context.Context, key common.Hash) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM registry_items WHERE item_key = $1)`, key.Hex(),
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) TokenItem(ctx context.Context, token common.Hash) (common.Hash, error) {
	var key string
	err := p.db.QueryRowContext(ctx,
		`SELECT item_key FROM registry_claim_tokens WHERE token = $1`, token.Hex(),
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Hash{}, ErrNotFound
	}
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(key), nil
}

// Commit applies the change in one transaction. Conflicts surface as zero
// affected rows.
func (p *PostgresStore) Commit(ctx context.Context, c *Change) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	key := c.key().Hex()

	if c.Admin != (common.Address{}) {
		// FOR SHARE blocks SwapAdmin until this transaction ends.
		var value string
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM registry_settings WHERE name = $1 FOR SHARE`, adminSetting,
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
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM registry_items WHERE item_key = $1 FOR SHARE`, key,
			).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("check item: %w", err)
			}
		}
	case ChangeInsert:
		i := c.Item
		res, err := tx.ExecContext(ctx, `
			INSERT INTO registry_items (
				item_key, owner_addr, status, delay_seconds, period_seconds,
				window_started_at, claim_token, payload, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (item_key) DO NOTHING`,
			key, i.Owner.Hex(), string(i.Status), durationSeconds(i.Delay), durationSeconds(i.Period),
			nullWindow(i.Window), nullHash(i.ClaimToken), i.Payload, i.CreatedAt, i.UpdatedAt,
		)
		if err := expectRow(res, err, ErrAlreadyExists); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
	case ChangeUpdate:
		i := c.Item
		res, err := tx.ExecContext(ctx, `
			UPDATE registry_items SET
				owner_addr = $1, status = $2, delay_seconds = $3, period_seconds = $4,
				window_started_at = $5, claim_token = $6, payload = $7, updated_at = $8
			WHERE item_key = $9`,
			i.Owner.Hex(), string(i.Status), durationSeconds(i.Delay), durationSeconds(i.Period),
			nullWindow(i.Window), nullHash(i.ClaimToken), i.Payload, i.UpdatedAt,
			key,
		)
		if err := expectRow(res, err, ErrNotFound); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
	case ChangeDelete:
		res, err := tx.ExecContext(ctx, `DELETE FROM registry_items WHERE item_key = $1`, key)
		if err := expectRow(res, err, ErrNotFound); err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM registry_claim_tokens WHERE item_key = $1`, key); err != nil {
			return fmt.Errorf("delete claim tokens: %w", err)
		}
	}

	if c.Bind != (common.Hash{}) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO registry_claim_tokens (token, item_key, bound_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (token) DO NOTHING`,
			c.Bind.Hex(), key,
		)
		if err := expectRow(res, err, ErrTokenAlreadyUsed); err != nil {
			return fmt.Errorf("bind claim token: %w", err)
		}
	}

	for _, e := range c.Events {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListLapsed computes each window's deadline in SQL so open windows never
// crowd lapsed ones out of the batch.
func (p *PostgresStore) ListLapsed(ctx context.Context, now time.Time, defaultPeriod time.Duration, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM (
			SELECT `+itemColumns+`,
			       window_started_at + (delay_seconds +
			           CASE WHEN period_seconds > 0 THEN period_seconds ELSE $2::bigint END
			       )::double precision * INTERVAL '1 second' AS deadline
			FROM registry_items
			WHERE status = 'confirmation_awaiting'
			  AND window_started_at IS NOT NULL
			  AND (period_seconds > 0 OR $2::bigint > 0)
		) awaiting
		WHERE deadline < $1
		ORDER BY deadline ASC
		LIMIT $3`, now, durationSeconds(defaultPeriod), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Events(ctx context.Context, key common.Hash, limit int) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, item_key, from_addr, to_addr, fields, created_at
		FROM registry_events
		WHERE item_key = $1
		ORDER BY seq DESC
		LIMIT $2`, key.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Event
	for rows.Next() {
		var (
			e                 Event
			itemKey, from, to sql.NullString
			fields            []byte
		)
		if err := rows.Scan(&e.ID, &e.Name, &itemKey, &from, &to, &fields, &e.At); err != nil {
			return nil, err
		}
		decodeEventColumns(&e, itemKey, from, to, fields)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Admin(ctx context.Context) (common.Address, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM registry_settings WHERE name = $1`, adminSetting,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, nil
	}
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(value), nil
}

func (p *PostgresStore) SwapAdmin(ctx context.Context, old, next common.Address, event *Event) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if old == (common.Address{}) {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO registry_settings (name, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (name) DO NOTHING`,
			adminSetting, next.Hex(),
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE registry_settings SET value = $1, updated_at = NOW()
			WHERE name = $2 AND value = $3`,
			next.Hex(), adminSetting, old.Hex(),
		)
	}
	if err := expectRow(res, err, ErrUnauthorized); err != nil {
		return err
	}

	if event != nil {
		if err := insertEvent(ctx, tx, *event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// -----------------------------------------------------------------------------
// Row helpers
// -----------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		item          Item
		key, owner    string
		status        string
		delay, period int64
		windowStart   sql.NullTime
		token         sql.NullString
	)
	err := row.Scan(&key, &owner, &status, &delay, &period,
		&windowStart, &token, &item.Payload, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Key = common.HexToHash(key)
	item.Owner = common.HexToAddress(owner)
	item.Status = Status(status)
	item.Delay = time.Duration(delay) * time.Second
	item.Period = time.Duration(period) * time.Second
	if windowStart.Valid {
		item.Window = &Window{StartedAt: windowStart.Time}
	}
	if token.Valid {
		item.ClaimToken = common.HexToHash(token.String)
	}
	return &item, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e Event) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode event fields: %w", err)
	}
	if e.Fields == nil {
		fields = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO registry_events (id, name, item_key, from_addr, to_addr, fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Name), nullHash(e.Key), nullAddress(e.From), nullAddress(e.To), string(fields), e.At,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.Name, err)
	}
	return nil
}

func decodeEventColumns(e *Event, key, from, to sql.NullString, fields []byte) {
	if key.Valid {
		e.Key = common.HexToHash(key.String)
	}
	if from.Valid {
		e.From = common.HexToAddress(from.String)
	}
	if to.Valid {
		e.To = common.HexToAddress(to.String)
	}
	if len(fields) > 0 {
		_ = json.Unmarshal(fields, &e.Fields)
	}
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
}

// expectRow turns a zero-row write into conflict. A unique violation that
// slips past ON CONFLICT is mapped the same way.
func expectRow(res sql.Result, err error, conflict error) error {
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return conflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return conflict
	}
	return nil
}

func durationSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func nullWindow(w *Window) sql.NullTime {
	if w == nil || w.StartedAt.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: w.StartedAt, Valid: true}
}

func nullHash(h common.Hash) sql.NullString {
	if h == (common.Hash{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: h.Hex(), Valid: true}
}

func nullAddress(a common.Address) sql.NullString {
	if a == (common.Address{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
