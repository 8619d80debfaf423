package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// GetMarket returns a copy of the market.
func (l *Ledger) GetMarket(id domain.MarketID) (domain.Market, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger.GetMarket: %w", err)
	}
	return e.snapshot(), nil
}

// Snapshot returns the market and all of its bets as one consistent read.
func (l *Ledger) Snapshot(id domain.MarketID) (domain.Market, []domain.Bet, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Market{}, nil, fmt.Errorf("ledger.Snapshot: %w", err)
	}
	e.data.RLock()
	defer e.data.RUnlock()
	bets := make([]domain.Bet, 0, len(e.bets))
	for _, b := range e.bets {
		bets = append(bets, b)
	}
	return e.market, bets, nil
}

// ListMarkets returns the markets passing filter at now, in the given order.
func (l *Ledger) ListMarkets(filter domain.Filter, order domain.SortOrder, now time.Time) []domain.Market {
	out := make([]domain.Market, 0)
	for _, e := range l.entries() {
		m := e.snapshot()
		if filter.Matches(m.PhaseAt(now)) {
			out = append(out, m)
		}
	}
	domain.SortMarkets(out, order)
	return out
}

// ListActive returns markets still open for betting, ending soonest first.
func (l *Ledger) ListActive(now time.Time) []domain.Market {
	return l.ListMarkets(domain.FilterOpen, domain.SortEndingSoon, now)
}

// ListAwaitingResolution returns markets past their deadline with no outcome.
func (l *Ledger) ListAwaitingResolution(now time.Time) []domain.Market {
	return l.ListMarkets(domain.FilterAwaitingResolution, domain.SortEndingSoon, now)
}

// ListResolved returns resolved markets, newest first.
func (l *Ledger) ListResolved(now time.Time) []domain.Market {
	return l.ListMarkets(domain.FilterResolved, domain.SortNewest, now)
}

// MarketCount is the number of markets ever created.
func (l *Ledger) MarketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.markets)
}

// UserBets returns the bettor's stake on each side of a market.
func (l *Ledger) UserBets(id domain.MarketID, bettor string) (domain.Position, error) {
	who, err := domain.ParseIdentity(bettor)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger.UserBets: %w", err)
	}
	e, err := l.entry(id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger.UserBets: %w", err)
	}
	pos := domain.Position{MarketID: id, Bettor: who, Yes: decimal.Zero, No: decimal.Zero}
	for _, b := range e.betsOf(who) {
		if b.Side == domain.SideYes {
			pos.Yes = b.Amount
		} else {
			pos.No = b.Amount
		}
	}
	return pos, nil
}

// Positions returns every bettor's position in a market.
func (l *Ledger) Positions(id domain.MarketID) ([]domain.Position, error) {
	_, bets, err := l.Snapshot(id)
	if err != nil {
		return nil, fmt.Errorf("ledger.Positions: %w", err)
	}
	byBettor := make(map[domain.Identity]*domain.Position)
	var order []domain.Identity
	for _, b := range bets {
		p, ok := byBettor[b.Bettor]
		if !ok {
			p = &domain.Position{MarketID: id, Bettor: b.Bettor, Yes: decimal.Zero, No: decimal.Zero}
			byBettor[b.Bettor] = p
			order = append(order, b.Bettor)
		}
		if b.Side == domain.SideYes {
			p.Yes = p.Yes.Add(b.Amount)
		} else {
			p.No = p.No.Add(b.Amount)
		}
	}
	out := make([]domain.Position, 0, len(order))
	for _, who := range order {
		out = append(out, *byBettor[who])
	}
	sortPositions(out)
	return out, nil
}

// BettorMarkets returns the ids of markets where bettor holds any stake.
func (l *Ledger) BettorMarkets(bettor string) []domain.MarketID {
	who, err := domain.ParseIdentity(bettor)
	if err != nil {
		return nil
	}
	var ids []domain.MarketID
	for _, e := range l.entries() {
		if len(e.betsOf(who)) > 0 {
			ids = append(ids, e.snapshot().ID)
		}
	}
	return ids
}

// Stats summarises volume, open markets and distinct bettors.
func (l *Ledger) Stats(now time.Time) domain.MarketStats {
	stats := domain.MarketStats{TotalVolume: decimal.Zero}
	users := make(map[domain.Identity]struct{})
	for _, e := range l.entries() {
		e.data.RLock()
		m := e.market
		for k := range e.bets {
			users[k.Bettor] = struct{}{}
		}
		e.data.RUnlock()

		stats.TotalMarkets++
		stats.TotalVolume = stats.TotalVolume.Add(m.Volume())
		if m.PhaseAt(now) == domain.PhaseOpen {
			stats.ActiveMarkets++
		}
	}
	stats.TotalUsers = len(users)
	return stats
}

// entries returns the market entries ordered by id.
func (l *Ledger) entries() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry, 0, len(l.markets))
	for id := domain.MarketID(1); id < l.nextID; id++ {
		if e, ok := l.markets[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Bettor < ps[j].Bettor })
}
