package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the tables the store reads and writes. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant           TEXT PRIMARY KEY,
	starting_capital NUMERIC NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS tenant_balances (
	tenant TEXT NOT NULL REFERENCES tenants (tenant),
	asset  TEXT NOT NULL,
	amount NUMERIC NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (tenant, asset)
);
CREATE TABLE IF NOT EXISTS tenant_positions (
	tenant     TEXT NOT NULL REFERENCES tenants (tenant),
	market     TEXT NOT NULL,
	state      TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant, market)
);
CREATE TABLE IF NOT EXISTS drawdown_state (
	tenant             TEXT PRIMARY KEY,
	peak_equity        NUMERIC NOT NULL,
	daily_start_equity NUMERIC NOT NULL,
	current_equity     NUMERIC NOT NULL,
	daily_pnl          NUMERIC NOT NULL,
	halted             BOOLEAN NOT NULL DEFAULT false,
	halt_reason        TEXT NOT NULL DEFAULT '',
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS engine_flags (
	name   TEXT PRIMARY KEY,
	set_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	tenant     TEXT NOT NULL,
	market     TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_tenant_idx ON audit_events (tenant, created_at DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadTenant(ctx context.Context, tenant string) (*model.TenantSnapshot, error) {
	var startStr string
	err := s.db.QueryRow(ctx,
		`SELECT starting_capital::TEXT FROM tenants WHERE tenant = $1`, tenant).
		Scan(&startStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenant, err)
	}

	snap := &model.TenantSnapshot{
		Tenant:    tenant,
		Balances:  make(map[string]decimal.Decimal),
		Positions: make(map[string]model.Position),
	}
	if snap.StartingCapital, err = decimal.NewFromString(startStr); err != nil {
		return nil, fmt.Errorf("%w: tenant %s starting capital %q", model.ErrCorruptSnapshot, tenant, startStr)
	}

	rows, err := s.db.Query(ctx,
		`SELECT asset, amount::TEXT FROM tenant_balances WHERE tenant = $1`, tenant)
	if err != nil {
		return nil, fmt.Errorf("load balances %s: %w", tenant, err)
	}
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			rows.Close()
			return nil, err
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: tenant %s asset %s amount %q", model.ErrCorruptSnapshot, tenant, asset, amount)
		}
		snap.Balances[asset] = amt
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx,
		`SELECT market, payload FROM tenant_positions WHERE tenant = $1`, tenant)
	if err != nil {
		return nil, fmt.Errorf("load positions %s: %w", tenant, err)
	}
	defer rows.Close()
	for rows.Next() {
		var market string
		var payload []byte
		if err := rows.Scan(&market, &payload); err != nil {
			return nil, err
		}
		var p model.Position
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: tenant %s position %s: %v", model.ErrCorruptSnapshot, tenant, market, err)
		}
		snap.Positions[market] = p
	}
	return snap, rows.Err()
}

// CommitTenant writes the tenant row, balances and positions in one
// serializable transaction.
func (s *PostgresStore) CommitTenant(ctx context.Context, c *Commit) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin commit %s: %w", c.Tenant, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO tenants (tenant, starting_capital, updated_at)
		 VALUES ($1, $2::NUMERIC, now())
		 ON CONFLICT (tenant) DO UPDATE
		 SET starting_capital = EXCLUDED.starting_capital, updated_at = now()`,
		c.Tenant, c.StartingCapital.String(),
	); err != nil {
		return fmt.Errorf("upsert tenant %s: %w", c.Tenant, err)
	}

	if c.Replace {
		if _, err := tx.Exec(ctx, `DELETE FROM tenant_balances WHERE tenant = $1`, c.Tenant); err != nil {
			return fmt.Errorf("clear balances %s: %w", c.Tenant, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tenant_positions WHERE tenant = $1`, c.Tenant); err != nil {
			return fmt.Errorf("clear positions %s: %w", c.Tenant, err)
		}
	}

	assets := make([]string, 0, len(c.Balances))
	for asset := range c.Balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tenant_balances (tenant, asset, amount)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (tenant, asset) DO UPDATE SET amount = EXCLUDED.amount`,
			c.Tenant, asset, c.Balances[asset].String(),
		); err != nil {
			return fmt.Errorf("upsert balance %s/%s: %w", c.Tenant, asset, err)
		}
	}

	for i := range c.Positions {
		p := &c.Positions[i]
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO tenant_positions (tenant, market, state, payload, updated_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (tenant, market) DO UPDATE
			 SET state = EXCLUDED.state, payload = EXCLUDED.payload, updated_at = now()`,
			c.Tenant, p.Market, string(p.State), payload,
		); err != nil {
			return fmt.Errorf("upsert position %s/%s: %w", c.Tenant, p.Market, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", c.Tenant, err)
	}
	return nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT tenant FROM tenants ORDER BY tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) LoadDrawdown(ctx context.Context, tenant string) (*model.DrawdownState, error) {
	st := model.DrawdownState{Tenant: tenant}
	var peak, dailyStart, current, dailyPnL string

	err := s.db.QueryRow(ctx,
		`SELECT peak_equity::TEXT, daily_start_equity::TEXT, current_equity::TEXT,
		        daily_pnl::TEXT, halted, halt_reason, updated_at
		 FROM drawdown_state WHERE tenant = $1`, tenant).
		Scan(&peak, &dailyStart, &current, &dailyPnL, &st.Halted, &st.HaltReason, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load drawdown %s: %w", tenant, err)
	}

	st.PeakEquity, _ = decimal.NewFromString(peak)
	st.DailyStartEquity, _ = decimal.NewFromString(dailyStart)
	st.CurrentEquity, _ = decimal.NewFromString(current)
	st.DailyPnL, _ = decimal.NewFromString(dailyPnL)
	return &st, nil
}

func (s *PostgresStore) SaveDrawdown(ctx context.Context, st *model.DrawdownState) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO drawdown_state
		   (tenant, peak_equity, daily_start_equity, current_equity, daily_pnl, halted, halt_reason, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (tenant) DO UPDATE SET
		   peak_equity = EXCLUDED.peak_equity,
		   daily_start_equity = EXCLUDED.daily_start_equity,
		   current_equity = EXCLUDED.current_equity,
		   daily_pnl = EXCLUDED.daily_pnl,
		   halted = EXCLUDED.halted,
		   halt_reason = EXCLUDED.halt_reason,
		   updated_at = EXCLUDED.updated_at`,
		st.Tenant, st.PeakEquity.String(), st.DailyStartEquity.String(),
		st.CurrentEquity.String(), st.DailyPnL.String(),
		st.Halted, st.HaltReason, st.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ClaimSeed(ctx context.Context) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO engine_flags (name) VALUES ('seeded') ON CONFLICT (name) DO NOTHING`)
	if err != nil {
		return false, fmt.Errorf("claim seed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO audit_events (id, tenant, market, kind, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Tenant, e.Market, e.Kind, e.Detail, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, tenant string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant, market, kind, detail, created_at
		 FROM audit_events
		 WHERE ($1 = '' OR tenant = $1)
		 ORDER BY created_at DESC LIMIT $2`, tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Market, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
