package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/predictledger/internal/application/ledger"
	"github.com/alejandrodnm/predictledger/internal/domain"
)

const defaultBatchWorkers = 4

// Ledger is the part of the market ledger the engine reads and settles through.
type Ledger interface {
	Snapshot(id domain.MarketID) (domain.Market, []domain.Bet, error)
	Settle(ctx context.Context, id domain.MarketID, bettor string, decide ledger.SettleFunc) (decimal.Decimal, error)
	BettorMarkets(bettor string) []domain.MarketID
}

// Config tunes the engine.
type Config struct {
	// BatchWorkers bounds concurrent claims in ClaimBatch. Claims on
	// different markets never contend for the same lock.
	BatchWorkers int
}

// Engine computes payouts and pays each winning position exactly once.
// It holds no state of its own: the claimed flag lives on the Bet.
type Engine struct {
	ledger Ledger
	cfg    Config
}

// New creates a settlement engine over l.
func New(l Ledger, cfg Config) *Engine {
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = defaultBatchWorkers
	}
	return &Engine{ledger: l, cfg: cfg}
}

// Claimable previews what bettor would receive from a resolved market.
// It never mutates anything.
func (e *Engine) Claimable(_ context.Context, id domain.MarketID, bettor string) (domain.Claimable, error) {
	who, err := domain.ParseIdentity(bettor)
	if err != nil {
		return domain.Claimable{}, fmt.Errorf("settlement.Claimable: %w", err)
	}
	m, bets, err := e.ledger.Snapshot(id)
	if err != nil {
		return domain.Claimable{}, fmt.Errorf("settlement.Claimable: %w", err)
	}
	if !m.IsResolved() {
		return domain.Claimable{}, fmt.Errorf("settlement.Claimable: %w", domain.ErrMarketNotResolved)
	}

	res := domain.Claimable{MarketID: id, Bettor: who, Amount: decimal.Zero}
	bet, ok := winningBet(m, bets, who)
	if !ok || bet.Claimed {
		return res, nil
	}
	amount, ok := payout(m, bet)
	if !ok {
		return res, nil
	}
	res.Eligible = true
	res.Amount = amount
	return res, nil
}

// Claim pays out bettor's winning position in a resolved market and marks it
// claimed. Concurrent claims for the same position yield one success; the
// others fail with ErrAlreadyClaimed.
func (e *Engine) Claim(ctx context.Context, id domain.MarketID, bettor string) (decimal.Decimal, error) {
	who, err := domain.ParseIdentity(bettor)
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement.Claim: %w", err)
	}
	amount, err := e.ledger.Settle(ctx, id, bettor, func(m domain.Market, bets []domain.Bet) (domain.Bet, decimal.Decimal, error) {
		return decide(m, bets, who)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement.Claim: %w", err)
	}
	return amount, nil
}

// decide runs under the market lock. Order of checks: resolution, then the
// claimed flag, then eligibility.
func decide(m domain.Market, bets []domain.Bet, who domain.Identity) (domain.Bet, decimal.Decimal, error) {
	if !m.IsResolved() {
		return domain.Bet{}, decimal.Zero, domain.ErrMarketNotResolved
	}
	bet, ok := winningBet(m, bets, who)
	if !ok {
		return domain.Bet{}, decimal.Zero, domain.ErrNotEligible
	}
	if bet.Claimed {
		return domain.Bet{}, decimal.Zero, domain.ErrAlreadyClaimed
	}
	amount, ok := payout(m, bet)
	if !ok {
		return domain.Bet{}, decimal.Zero, domain.ErrNotEligible
	}
	return bet, amount, nil
}

func winningBet(m domain.Market, bets []domain.Bet, who domain.Identity) (domain.Bet, bool) {
	side, ok := m.Outcome.WinningSide()
	if !ok {
		return domain.Bet{}, false
	}
	for _, b := range bets {
		if b.Bettor.Equal(who) && b.Side == side && b.Amount.IsPositive() {
			return b, true
		}
	}
	return domain.Bet{}, false
}

// payout applies the pari-mutuel formula. A market whose winning pool is
// empty pays nobody; its losing pool stays locked.
func payout(m domain.Market, bet domain.Bet) (decimal.Decimal, bool) {
	return domain.Payout(bet.Amount, m.Pool(bet.Side), m.Pool(bet.Side.Opposite()))
}

// ClaimBatch claims every market in ids for bettor. With no ids it claims
// every market where bettor holds a stake. Each market is claimed
// independently; a failure is reported in its own result and never undoes
// or blocks the others.
func (e *Engine) ClaimBatch(ctx context.Context, bettor string, ids []domain.MarketID) []domain.ClaimResult {
	if len(ids) == 0 {
		ids = e.ledger.BettorMarkets(bettor)
	}
	results := make([]domain.ClaimResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchWorkers)
	for i, id := range ids {
		g.Go(func() error {
			amount, err := e.Claim(gctx, id, bettor)
			results[i] = domain.ClaimResult{MarketID: id, Amount: amount, Err: err}
			return nil // partial failure is reported per item
		})
	}
	_ = g.Wait()

	paid, failed := 0, 0
	for _, r := range results {
		if r.OK() {
			paid++
		} else {
			failed++
		}
	}
	slog.Info("settlement: batch claim finished", "bettor", bettor, "paid", paid, "failed", failed)
	return results
}

// ClaimableAll lists every resolved market where bettor can claim.
func (e *Engine) ClaimableAll(ctx context.Context, bettor string) ([]domain.Claimable, error) {
	var out []domain.Claimable
	for _, id := range e.ledger.BettorMarkets(bettor) {
		c, err := e.Claimable(ctx, id, bettor)
		if errors.Is(err, domain.ErrMarketNotResolved) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("settlement.ClaimableAll: %w", err)
		}
		if c.Eligible {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}
