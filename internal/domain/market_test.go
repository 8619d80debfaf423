package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alejandrodnm/predictledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarket_PhaseAt(t *testing.T) {
	deadline := time.Unix(1_700_000_000, 0)
	m := domain.Market{ID: 1, Deadline: deadline}

	assert.Equal(t, domain.PhaseOpen, m.PhaseAt(deadline.Add(-time.Second)))
	assert.Equal(t, domain.PhaseAwaitingResolution, m.PhaseAt(deadline))
	assert.Equal(t, domain.PhaseAwaitingResolution, m.PhaseAt(deadline.Add(time.Hour)))

	m.Outcome = domain.ResolvedAs(false)
	assert.Equal(t, domain.PhaseResolved, m.PhaseAt(deadline.Add(time.Hour)))
	assert.Equal(t, domain.PhaseResolved, m.PhaseAt(deadline.Add(-time.Hour)))
}

func TestOutcome(t *testing.T) {
	var zero domain.Outcome
	assert.False(t, zero.IsResolved())
	assert.Equal(t, domain.Unresolved(), zero)
	_, ok := zero.WinningSide()
	assert.False(t, ok)

	side, ok := domain.ResolvedAs(true).WinningSide()
	assert.True(t, ok)
	assert.Equal(t, domain.SideYes, side)
	assert.Equal(t, "NO", domain.ResolvedAs(false).String())
}

func TestParseIdentity(t *testing.T) {
	id, err := domain.ParseIdentity("  0x3C17f3F514658fACa2D24DE1d29F542a836FD10A ")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("0x3c17f3f514658faca2d24de1d29f542a836fd10a"), id)
	assert.True(t, id.Equal("0x3C17F3F514658FACA2D24DE1D29F542A836FD10A"))

	_, err = domain.ParseIdentity("   ")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestTruncateQuestion(t *testing.T) {
	assert.Equal(t, "short", domain.TruncateQuestion("short", 10))
	assert.Equal(t, "Will BTC...", domain.TruncateQuestion("Will BTC close above 100k?", 11))

	got := domain.TruncateQuestion("¿Ganará España el Mundial de 2026?", 10)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "¿Ganará...", got)

	got = domain.TruncateQuestion("日本の首相は交代しますか", 6)
	assert.Equal(t, "日本の...", got)

	assert.Equal(t, "ab", domain.TruncateQuestion("abcdef", 2))
	assert.Equal(t, "", domain.TruncateQuestion("abcdef", 0))
	assert.Equal(t, "", domain.TruncateQuestion("abcdef", -1))
}

func TestParseSide(t *testing.T) {
	s, err := domain.ParseSide("Yes")
	require.NoError(t, err)
	assert.Equal(t, domain.SideYes, s)
	assert.Equal(t, domain.SideNo, s.Opposite())

	_, err = domain.ParseSide("maybe")
	assert.Error(t, err)
}

func TestSortMarkets(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	markets := []domain.Market{
		{ID: 1, YesPool: d("1"), NoPool: d("1"), CreatedAt: base, Deadline: base.Add(3 * time.Hour)},
		{ID: 2, YesPool: d("5"), NoPool: d("0"), CreatedAt: base.Add(time.Minute), Deadline: base.Add(time.Hour)},
		{ID: 3, YesPool: d("0"), NoPool: d("0"), CreatedAt: base.Add(2 * time.Minute), Deadline: base.Add(2 * time.Hour)},
	}

	ids := func(ms []domain.Market) []domain.MarketID {
		out := make([]domain.MarketID, len(ms))
		for i, m := range ms {
			out[i] = m.ID
		}
		return out
	}

	domain.SortMarkets(markets, domain.SortVolume)
	assert.Equal(t, []domain.MarketID{2, 1, 3}, ids(markets))

	domain.SortMarkets(markets, domain.SortNewest)
	assert.Equal(t, []domain.MarketID{3, 2, 1}, ids(markets))

	domain.SortMarkets(markets, domain.SortEndingSoon)
	assert.Equal(t, []domain.MarketID{2, 3, 1}, ids(markets))
}

func TestKindOf(t *testing.T) {
	cases := map[error]domain.ErrorKind{
		nil:                         domain.KindNone,
		domain.ErrInvalidAmount:     domain.KindValidation,
		domain.ErrAlreadyClaimed:    domain.KindState,
		domain.ErrUnauthorized:      domain.KindAuthorization,
		domain.ErrStorageUnavailable: domain.KindAvailability,
		errors.New("boom"):          domain.KindInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, domain.KindOf(err), "err=%v", err)
	}
	wrapped := fmt.Errorf("ledger.PlaceBet: %w", domain.ErrMarketNotOpen)
	assert.Equal(t, domain.KindState, domain.KindOf(wrapped))
}

func TestLedgerState_Aggregates(t *testing.T) {
	state := domain.LedgerState{
		Markets: []domain.Market{{ID: 2}, {ID: 1}},
		Bets: []domain.Bet{
			{MarketID: 1, Bettor: "0xb", Side: domain.SideNo, Amount: d("1")},
			{MarketID: 1, Bettor: "0xa", Side: domain.SideYes, Amount: d("2")},
			{MarketID: 9, Bettor: "0xa", Side: domain.SideYes, Amount: d("2")},
		},
	}
	aggs := state.Aggregates()
	require.Len(t, aggs, 2)
	assert.Equal(t, domain.MarketID(1), aggs[0].Market.ID)
	require.Len(t, aggs[0].Bets, 2)
	assert.Equal(t, domain.Identity("0xa"), aggs[0].Bets[0].Bettor)
	assert.Empty(t, aggs[1].Bets)

	flat := domain.StateFromAggregates(aggs)
	assert.Len(t, flat.Markets, 2)
	assert.Len(t, flat.Bets, 2)
}
