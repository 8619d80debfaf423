package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerState is the full set of markets and bets held by a backend.
type LedgerState struct {
	Markets []Market
	Bets    []Bet
}

// Aggregate is a market together with its bets. It is the unit of
// reconciliation between backends.
type Aggregate struct {
	Market Market
	Bets   []Bet
}

// Aggregates groups the state by market, ordered by market id.
// Bets whose market is missing are dropped.
func (s LedgerState) Aggregates() []Aggregate {
	byID := make(map[MarketID]*Aggregate, len(s.Markets))
	out := make([]*Aggregate, 0, len(s.Markets))
	for _, m := range s.Markets {
		a := &Aggregate{Market: m}
		byID[m.ID] = a
		out = append(out, a)
	}
	for _, b := range s.Bets {
		if a, ok := byID[b.MarketID]; ok {
			a.Bets = append(a.Bets, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market.ID < out[j].Market.ID })

	res := make([]Aggregate, len(out))
	for i, a := range out {
		sortBets(a.Bets)
		res[i] = *a
	}
	return res
}

// StateFromAggregates flattens aggregates back into a LedgerState.
func StateFromAggregates(aggs []Aggregate) LedgerState {
	var s LedgerState
	for _, a := range aggs {
		s.Markets = append(s.Markets, a.Market)
		s.Bets = append(s.Bets, a.Bets...)
	}
	return s
}

// SameContent reports whether two aggregates hold the same values,
// ignoring wall-clock bookkeeping (UpdatedAt).
func (a Aggregate) SameContent(b Aggregate) bool {
	ma, mb := a.Market, b.Market
	if ma.ID != mb.ID || ma.Question != mb.Question || !ma.Deadline.Equal(mb.Deadline) ||
		!ma.Creator.Equal(mb.Creator) || !ma.YesPool.Equal(mb.YesPool) || !ma.NoPool.Equal(mb.NoPool) ||
		ma.Outcome != mb.Outcome || ma.Version != mb.Version {
		return false
	}
	if len(a.Bets) != len(b.Bets) {
		return false
	}
	ab, bb := append([]Bet(nil), a.Bets...), append([]Bet(nil), b.Bets...)
	sortBets(ab)
	sortBets(bb)
	for i := range ab {
		x, y := ab[i], bb[i]
		if !x.Bettor.Equal(y.Bettor) || x.Side != y.Side || !x.Amount.Equal(y.Amount) || x.Claimed != y.Claimed {
			return false
		}
	}
	return true
}

func sortBets(bets []Bet) {
	sort.Slice(bets, func(i, j int) bool {
		if bets[i].Bettor != bets[j].Bettor {
			return bets[i].Bettor < bets[j].Bettor
		}
		return bets[i].Side < bets[j].Side
	})
}

// Filter selects markets by phase.
type Filter string

const (
	FilterAll                Filter = "all"
	FilterOpen               Filter = "open"
	FilterAwaitingResolution Filter = "awaiting"
	FilterResolved           Filter = "resolved"
)

// Matches reports whether a market in phase p passes the filter.
func (f Filter) Matches(p Phase) bool {
	switch f {
	case FilterOpen:
		return p == PhaseOpen
	case FilterAwaitingResolution:
		return p == PhaseAwaitingResolution
	case FilterResolved:
		return p == PhaseResolved
	default:
		return true
	}
}

// SortOrder orders market listings.
type SortOrder string

const (
	SortVolume     SortOrder = "volume"      // total stake, largest first
	SortNewest     SortOrder = "newest"      // createdAt, newest first
	SortEndingSoon SortOrder = "ending-soon" // deadline, soonest first
)

// SortMarkets orders markets in place. Ties fall back to the market id so
// the order is stable across backends.
func SortMarkets(markets []Market, order SortOrder) {
	sort.SliceStable(markets, func(i, j int) bool {
		a, b := markets[i], markets[j]
		switch order {
		case SortNewest:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID > b.ID
		case SortEndingSoon:
			if !a.Deadline.Equal(b.Deadline) {
				return a.Deadline.Before(b.Deadline)
			}
		default:
			if c := a.Volume().Cmp(b.Volume()); c != 0 {
				return c > 0
			}
		}
		return a.ID < b.ID
	})
}

// MarketStats summarises the ledger.
type MarketStats struct {
	TotalVolume   decimal.Decimal
	ActiveMarkets int
	TotalMarkets  int
	TotalUsers    int // distinct bettors
}

// PendingOp is an operation currently in flight.
type PendingOp struct {
	Key       string
	StartedAt time.Time
	Waiters   int // callers sharing the same execution
}
