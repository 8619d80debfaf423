package storage

// sqlite.go: local ledger store used as fallback for the external ledger.
//
// Tables:
//   markets : one row per market aggregate root, with its logical version
//   bets    : one row per (market, bettor, side) position
//   journal : mutations committed here while the primary was unavailable
//
// Decimals are stored as TEXT and timestamps as RFC3339 strings, so values
// round-trip exactly.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id          INTEGER PRIMARY KEY,
    question    TEXT     NOT NULL,
    deadline    INTEGER  NOT NULL,   -- unix seconds
    creator     TEXT     NOT NULL,
    yes_pool    TEXT     NOT NULL DEFAULT '0',
    no_pool     TEXT     NOT NULL DEFAULT '0',
    yes_bets    INTEGER  NOT NULL DEFAULT 0,
    no_bets     INTEGER  NOT NULL DEFAULT 0,
    resolved    INTEGER  NOT NULL DEFAULT 0,
    outcome_yes INTEGER  NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    resolved_at DATETIME,
    version     INTEGER  NOT NULL,
    updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS bets (
    market_id  INTEGER  NOT NULL,
    bettor     TEXT     NOT NULL,
    side       TEXT     NOT NULL,    -- YES / NO
    amount     TEXT     NOT NULL,
    claimed    INTEGER  NOT NULL DEFAULT 0,
    version    INTEGER  NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (market_id, bettor, side)
);

CREATE INDEX IF NOT EXISTS idx_bets_bettor ON bets(bettor);
`

// An older write must never overwrite a newer record, so upserts only win
// with a version at least as high as the stored one.
const (
	upsertMarketSQL = `
		INSERT INTO markets
			(id, question, deadline, creator, yes_pool, no_pool, yes_bets, no_bets,
			 resolved, outcome_yes, created_at, resolved_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question    = excluded.question,
			deadline    = excluded.deadline,
			creator     = excluded.creator,
			yes_pool    = excluded.yes_pool,
			no_pool     = excluded.no_pool,
			yes_bets    = excluded.yes_bets,
			no_bets     = excluded.no_bets,
			resolved    = excluded.resolved,
			outcome_yes = excluded.outcome_yes,
			created_at  = excluded.created_at,
			resolved_at = excluded.resolved_at,
			version     = excluded.version,
			updated_at  = excluded.updated_at
		WHERE excluded.version >= markets.version`

	upsertBetSQL = `
		INSERT INTO bets (market_id, bettor, side, amount, claimed, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id, bettor, side) DO UPDATE SET
			amount     = excluded.amount,
			claimed    = excluded.claimed,
			version    = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version >= bets.version`
)

// LedgerStore implements ports.FallbackStore on SQLite (pure Go, no CGo).
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway store.
func NewLedgerStore(path string) (*LedgerStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewLedgerStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; also keeps :memory: on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewLedgerStore: apply schema: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewLedgerStore: apply journal schema: %w", err)
	}
	return &LedgerStore{db: db}, nil
}

func (s *LedgerStore) Name() string { return "sqlite" }

// Load returns every market and bet in the store.
func (s *LedgerStore) Load(ctx context.Context) (domain.LedgerState, error) {
	var state domain.LedgerState

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, deadline, creator, yes_pool, no_pool, yes_bets, no_bets,
		       resolved, outcome_yes, created_at, resolved_at, version, updated_at
		FROM markets
		ORDER BY id`)
	if err != nil {
		return state, fmt.Errorf("storage.Load: query markets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return state, fmt.Errorf("storage.Load: scan market: %w", err)
		}
		state.Markets = append(state.Markets, m)
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("storage.Load: markets: %w", err)
	}

	bets, err := s.db.QueryContext(ctx, `
		SELECT market_id, bettor, side, amount, claimed, version, updated_at
		FROM bets
		ORDER BY market_id, bettor, side`)
	if err != nil {
		return state, fmt.Errorf("storage.Load: query bets: %w", err)
	}
	defer bets.Close()

	for bets.Next() {
		var (
			b         domain.Bet
			bettor    string
			side      string
			claimed   int
			updatedAt string
		)
		if err := bets.Scan(&b.MarketID, &bettor, &side, &b.Amount, &claimed, &b.Version, &updatedAt); err != nil {
			return state, fmt.Errorf("storage.Load: scan bet: %w", err)
		}
		b.Bettor = domain.Identity(bettor)
		b.Side = domain.Side(side)
		b.Claimed = claimed == 1
		b.UpdatedAt = parseTime(updatedAt)
		state.Bets = append(state.Bets, b)
	}
	return state, bets.Err()
}

// Apply upserts the records carried by m.
func (s *LedgerStore) Apply(ctx context.Context, m domain.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Apply: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRecords(ctx, tx, m); err != nil {
		return fmt.Errorf("storage.Apply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Apply: commit: %w", err)
	}
	return nil
}

// Replace makes the store hold exactly the given aggregates. The journal is
// not touched.
func (s *LedgerStore) Replace(ctx context.Context, state domain.LedgerState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Replace: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bets`); err != nil {
		return fmt.Errorf("storage.Replace: clear bets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM markets`); err != nil {
		return fmt.Errorf("storage.Replace: clear markets: %w", err)
	}
	for _, agg := range state.Aggregates() {
		if err := upsertMarket(ctx, tx, agg.Market); err != nil {
			return fmt.Errorf("storage.Replace: %w", err)
		}
		for _, b := range agg.Bets {
			if err := upsertBet(ctx, tx, b); err != nil {
				return fmt.Errorf("storage.Replace: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Replace: commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *LedgerStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func upsertRecords(ctx context.Context, tx *sql.Tx, m domain.Mutation) error {
	if err := upsertMarket(ctx, tx, m.Market); err != nil {
		return err
	}
	if m.Bet != nil {
		if err := upsertBet(ctx, tx, *m.Bet); err != nil {
			return err
		}
	}
	return nil
}

func upsertMarket(ctx context.Context, tx *sql.Tx, m domain.Market) error {
	yes, resolved := m.Outcome.Value()
	if _, err := tx.ExecContext(ctx, upsertMarketSQL,
		m.ID,
		m.Question,
		m.Deadline.Unix(),
		string(m.Creator),
		m.YesPool.String(),
		m.NoPool.String(),
		m.TotalYesBets,
		m.TotalNoBets,
		boolToInt(resolved),
		boolToInt(yes),
		formatTime(m.CreatedAt),
		nullTime(m.ResolvedAt),
		m.Version,
		formatTime(m.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert market %d: %w", m.ID, err)
	}
	return nil
}

func upsertBet(ctx context.Context, tx *sql.Tx, b domain.Bet) error {
	if _, err := tx.ExecContext(ctx, upsertBetSQL,
		b.MarketID,
		string(b.Bettor),
		string(b.Side),
		b.Amount.String(),
		boolToInt(b.Claimed),
		b.Version,
		formatTime(b.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert bet %s: %w", b.Key(), err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMarket(row scanner) (domain.Market, error) {
	var (
		m          domain.Market
		deadline   int64
		creator    string
		resolved   int
		outcomeYes int
		createdAt  string
		resolvedAt sql.NullString
		updatedAt  string
	)
	if err := row.Scan(
		&m.ID, &m.Question, &deadline, &creator,
		&m.YesPool, &m.NoPool, &m.TotalYesBets, &m.TotalNoBets,
		&resolved, &outcomeYes, &createdAt, &resolvedAt, &m.Version, &updatedAt,
	); err != nil {
		return m, err
	}
	m.Deadline = time.Unix(deadline, 0).UTC()
	m.Creator = domain.Identity(creator)
	if resolved == 1 {
		m.Outcome = domain.ResolvedAs(outcomeYes == 1)
	}
	m.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		m.ResolvedAt = parseTime(resolvedAt.String)
	}
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
