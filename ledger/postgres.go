package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
)

// maxAppendRetries bounds retry on (plan, seq) uniqueness races. The unique
// index is the concurrency backstop: the loser of a race re-reads the chain
// head and tries again.
const maxAppendRetries = 8

// uniqueViolation is the Postgres error code for unique_violation.
const uniqueViolation = "23505"

// Postgres is the relational Ledger. Plans and events live in the tables
// created by the embedded migrations; all mutations run inside one
// transaction holding a row lock on the plan.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to Postgres with the pgx stdlib driver and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	if err := Migrate(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

type eventRow struct {
	Plan     string         `db:"plan"`
	Seq      int64          `db:"seq"`
	PrevHash sql.NullString `db:"prev_hash"`
	ThisHash string         `db:"this_hash"`
	Payload  []byte         `db:"payload"`
}

func (r eventRow) toEvent() (Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return Event{}, fmt.Errorf("decode event payload: %w", err)
	}
	return Event{
		Plan:     r.Plan,
		Seq:      r.Seq,
		PrevHash: r.PrevHash.String,
		ThisHash: r.ThisHash,
		Payload:  payload,
	}, nil
}

// appendTx appends one event inside tx. The caller must already hold the
// plan row lock.
func appendTx(ctx context.Context, tx *sqlx.Tx, plan string, payload map[string]any) (*Event, error) {
	var head struct {
		Seq      sql.NullInt64  `db:"seq"`
		ThisHash sql.NullString `db:"this_hash"`
	}
	err := tx.GetContext(ctx, &head,
		`SELECT seq, this_hash FROM ledger_events WHERE plan = $1 ORDER BY seq DESC LIMIT 1`, plan)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	newSeq := head.Seq.Int64 + 1
	hash, err := HashPayload(payload)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	prev := sql.NullString{String: head.ThisHash.String, Valid: head.ThisHash.Valid}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_events (plan, seq, prev_hash, this_hash, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		plan, newSeq, prev, hash, canonical)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	return &Event{
		Plan:     plan,
		Seq:      newSeq,
		PrevHash: head.ThisHash.String,
		ThisHash: hash,
		Payload:  payload,
	}, nil
}

// lockPlan takes the per-plan row lock, creating the row when create is set.
func lockPlan(ctx context.Context, tx *sqlx.Tx, plan string, create bool) (reserved, spent int64, err error) {
	if create {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_plans (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, plan); err != nil {
			return 0, 0, fmt.Errorf("ensure plan: %w", err)
		}
	}
	var row struct {
		Reserved int64 `db:"reserved_micro"`
		Spent    int64 `db:"spent_micro"`
	}
	err = tx.GetContext(ctx, &row,
		`SELECT reserved_micro, spent_micro FROM ledger_plans WHERE key = $1 FOR UPDATE`, plan)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lock plan: %w", err)
	}
	return row.Reserved, row.Spent, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// withRetry runs fn in a transaction, retrying on (plan, seq) races.
func (p *Postgres) withRetry(ctx context.Context, fn func(tx *sqlx.Tx) (*Event, error)) (*Event, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin: %w", err)
		}
		event, err := fn(tx)
		if err != nil {
			_ = tx.Rollback()
			if isUniqueViolation(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			if isUniqueViolation(err) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("commit: %w", err)
		}
		return event, nil
	}
	return nil, fmt.Errorf("append contention exhausted retries: %w", lastErr)
}

// Reserve implements Ledger.
func (p *Postgres) Reserve(ctx context.Context, plan string, micro int64) (*Event, error) {
	if micro < 0 {
		return nil, fmt.Errorf("%w: negative reservation %d", ErrInsufficientBudget, micro)
	}
	return p.withRetry(ctx, func(tx *sqlx.Tx) (*Event, error) {
		if _, _, err := lockPlan(ctx, tx, plan, true); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ledger_plans SET reserved_micro = reserved_micro + $2 WHERE key = $1`,
			plan, micro); err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		return appendTx(ctx, tx, plan, reservePayload(micro))
	})
}

func (p *Postgres) settle(ctx context.Context, eventType string, args SettleArgs) (*Event, error) {
	return p.withRetry(ctx, func(tx *sqlx.Tx) (*Event, error) {
		reserved, spent, err := lockPlan(ctx, tx, args.Plan, false)
		if err != nil {
			return nil, err
		}
		newReserved, newSpent, err := settleDeltas(reserved, spent, args)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ledger_plans SET reserved_micro = $2, spent_micro = $3 WHERE key = $1`,
			args.Plan, newReserved, newSpent); err != nil {
			return nil, fmt.Errorf("settle: %w", err)
		}
		return appendTx(ctx, tx, args.Plan, settlePayload(eventType, args))
	})
}

// SettleSuccess implements Ledger.
func (p *Postgres) SettleSuccess(ctx context.Context, args SettleArgs) (*Event, error) {
	return p.settle(ctx, EventSettleSuccess, args)
}

// SettleFailure implements Ledger.
func (p *Postgres) SettleFailure(ctx context.Context, args SettleArgs) (*Event, error) {
	return p.settle(ctx, EventSettleFailure, args)
}

// Append implements Ledger.
func (p *Postgres) Append(ctx context.Context, plan string, payload map[string]any) (*Event, error) {
	return p.withRetry(ctx, func(tx *sqlx.Tx) (*Event, error) {
		if _, _, err := lockPlan(ctx, tx, plan, true); err != nil {
			return nil, err
		}
		return appendTx(ctx, tx, plan, payload)
	})
}

// Events implements Ledger.
func (p *Postgres) Events(ctx context.Context, plan string) ([]Event, error) {
	var rows []eventRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT plan, seq, prev_hash, this_hash, payload
		 FROM ledger_events WHERE plan = $1 ORDER BY seq`, plan)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Balance implements Ledger.
func (p *Postgres) Balance(ctx context.Context, plan string) (int64, int64, error) {
	var row struct {
		Reserved int64 `db:"reserved_micro"`
		Spent    int64 `db:"spent_micro"`
	}
	err := p.db.GetContext(ctx, &row,
		`SELECT reserved_micro, spent_micro FROM ledger_plans WHERE key = $1`, plan)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("select plan: %w", err)
	}
	return row.Reserved, row.Spent, nil
}

var _ Ledger = (*Postgres)(nil)
