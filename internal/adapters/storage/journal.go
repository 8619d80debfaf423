package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS journal (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT     NOT NULL UNIQUE,   -- mutation UUID
    kind       TEXT     NOT NULL,
    market_id  INTEGER  NOT NULL,
    payload    TEXT     NOT NULL,          -- JSON journalEntry
    tx_hash    TEXT     NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);
`

// journalEntry is the JSON form of a mutation. Outcome is flattened since
// the domain type keeps its fields private.
type journalEntry struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Actor  string          `json:"actor"`
	Market marketJSON      `json:"market"`
	Bet    *betJSON        `json:"bet,omitempty"`
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"at"`
}

type marketJSON struct {
	ID           uint64          `json:"id"`
	Question     string          `json:"question"`
	Deadline     int64           `json:"deadline"`
	Creator      string          `json:"creator"`
	YesPool      decimal.Decimal `json:"yes_pool"`
	NoPool       decimal.Decimal `json:"no_pool"`
	TotalYesBets int             `json:"yes_bets"`
	TotalNoBets  int             `json:"no_bets"`
	Resolved     bool            `json:"resolved"`
	OutcomeYes   bool            `json:"outcome_yes"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   time.Time       `json:"resolved_at"`
	Version      uint64          `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type betJSON struct {
	MarketID  uint64          `json:"market_id"`
	Bettor    string          `json:"bettor"`
	Side      string          `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Claimed   bool            `json:"claimed"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ApplyPending applies m and appends it to the journal atomically.
func (s *LedgerStore) ApplyPending(ctx context.Context, m domain.Mutation) error {
	payload, err := json.Marshal(toJournal(m))
	if err != nil {
		return fmt.Errorf("storage.ApplyPending: marshal %s: %w", m.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ApplyPending: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRecords(ctx, tx, m); err != nil {
		return fmt.Errorf("storage.ApplyPending: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO journal (id, kind, market_id, payload, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.Market.ID, string(payload), m.TxHash, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("storage.ApplyPending: insert journal %s: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ApplyPending: commit: %w", err)
	}
	return nil
}

// Pending returns journal entries in the order they were committed.
func (s *LedgerStore) Pending(ctx context.Context) ([]domain.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload, tx_hash FROM journal ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("storage.Pending: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Mutation
	for rows.Next() {
		var payload, txHash string
		if err := rows.Scan(&payload, &txHash); err != nil {
			return nil, fmt.Errorf("storage.Pending: scan: %w", err)
		}
		var e journalEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("storage.Pending: decode: %w", err)
		}
		m := fromJournal(e)
		m.TxHash = txHash
		out = append(out, m)
	}
	return out, rows.Err()
}

// Ack drops a journal entry once the primary has it.
func (s *LedgerStore) Ack(ctx context.Context, mutationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE id = ?`, mutationID); err != nil {
		return fmt.Errorf("storage.Ack: %s: %w", mutationID, err)
	}
	return nil
}

// MarkBroadcast stores the hash of an unconfirmed transaction for an entry.
func (s *LedgerStore) MarkBroadcast(ctx context.Context, mutationID, txHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE journal SET tx_hash = ? WHERE id = ?`, txHash, mutationID)
	if err != nil {
		return fmt.Errorf("storage.MarkBroadcast: %s: %w", mutationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.MarkBroadcast: %s: not in journal", mutationID)
	}
	return nil
}

func toJournal(m domain.Mutation) journalEntry {
	yes, resolved := m.Market.Outcome.Value()
	e := journalEntry{
		ID:    m.ID,
		Kind:  string(m.Kind),
		Actor: string(m.Actor),
		Market: marketJSON{
			ID:           uint64(m.Market.ID),
			Question:     m.Market.Question,
			Deadline:     m.Market.Deadline.Unix(),
			Creator:      string(m.Market.Creator),
			YesPool:      m.Market.YesPool,
			NoPool:       m.Market.NoPool,
			TotalYesBets: m.Market.TotalYesBets,
			TotalNoBets:  m.Market.TotalNoBets,
			Resolved:     resolved,
			OutcomeYes:   yes,
			CreatedAt:    m.Market.CreatedAt,
			ResolvedAt:   m.Market.ResolvedAt,
			Version:      m.Market.Version,
			UpdatedAt:    m.Market.UpdatedAt,
		},
		Amount: m.Amount,
		At:     m.At,
	}
	if b := m.Bet; b != nil {
		e.Bet = &betJSON{
			MarketID:  uint64(b.MarketID),
			Bettor:    string(b.Bettor),
			Side:      string(b.Side),
			Amount:    b.Amount,
			Claimed:   b.Claimed,
			Version:   b.Version,
			UpdatedAt: b.UpdatedAt,
		}
	}
	return e
}

func fromJournal(e journalEntry) domain.Mutation {
	mk := e.Market
	m := domain.Mutation{
		ID:    e.ID,
		Kind:  domain.MutationKind(e.Kind),
		Actor: domain.Identity(e.Actor),
		Market: domain.Market{
			ID:           domain.MarketID(mk.ID),
			Question:     mk.Question,
			Deadline:     time.Unix(mk.Deadline, 0).UTC(),
			Creator:      domain.Identity(mk.Creator),
			YesPool:      mk.YesPool,
			NoPool:       mk.NoPool,
			TotalYesBets: mk.TotalYesBets,
			TotalNoBets:  mk.TotalNoBets,
			CreatedAt:    mk.CreatedAt,
			ResolvedAt:   mk.ResolvedAt,
			Version:      mk.Version,
			UpdatedAt:    mk.UpdatedAt,
		},
		Amount: e.Amount,
		At:     e.At,
	}
	if mk.Resolved {
		m.Market.Outcome = domain.ResolvedAs(mk.OutcomeYes)
	}
	if b := e.Bet; b != nil {
		m.Bet = &domain.Bet{
			MarketID:  domain.MarketID(b.MarketID),
			Bettor:    domain.Identity(b.Bettor),
			Side:      domain.Side(b.Side),
			Amount:    b.Amount,
			Claimed:   b.Claimed,
			Version:   b.Version,
			UpdatedAt: b.UpdatedAt,
		}
	}
	return m
}
