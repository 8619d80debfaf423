package notify_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/predictledger/internal/adapters/notify"
	"github.com/alejandrodnm/predictledger/internal/domain"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func makeMarket(id domain.MarketID, question string, yes, no string) domain.Market {
	return domain.Market{
		ID:           id,
		Question:     question,
		Deadline:     now.Add(26 * time.Hour),
		Creator:      "0xabc",
		YesPool:      decimal.RequireFromString(yes),
		NoPool:       decimal.RequireFromString(no),
		TotalYesBets: 2,
		TotalNoBets:  1,
	}
}

func TestConsole_PrintMarkets_Table(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true)

	c.PrintMarkets([]domain.Market{
		makeMarket(1, "Will BTC hit 100k?", "3", "1"),
		makeMarket(2, "Will it rain?", "0", "0"),
	}, now)

	out := buf.String()
	assert.Contains(t, out, "Will BTC hit 100k?")
	assert.Contains(t, out, "Will it rain?")
	assert.Contains(t, out, "75.0")
	assert.Contains(t, out, "25.0")
	assert.Contains(t, out, "50.0", "empty pools price at one half")
	assert.Contains(t, out, "1d 2h")
	assert.Contains(t, out, "2/1")
}

func TestConsole_PrintMarkets_Compact(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, false)

	m := makeMarket(7, "Will ETH flip BTC?", "1.5", "0.5")
	m.Deadline = now.Add(-time.Minute)
	c.PrintMarkets([]domain.Market{m}, now)

	out := buf.String()
	assert.Contains(t, out, "#7 Will ETH flip BTC?")
	assert.Contains(t, out, "AWAITING_RESOLUTION")
	assert.Contains(t, out, "vol 2")
	assert.Contains(t, out, "Ended")
}

func TestConsole_PrintMarkets_Empty(t *testing.T) {
	var buf bytes.Buffer
	notify.NewConsoleWriter(&buf, true).PrintMarkets(nil, now)
	assert.Contains(t, buf.String(), "No markets found")
}

func TestConsole_PrintMarket_Resolved(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true)

	m := makeMarket(1, "Will BTC hit 100k?", "3", "1")
	m.Outcome = domain.ResolvedAs(true)
	m.ResolvedAt = now
	c.PrintMarket(m, []domain.Position{{
		MarketID: 1, Bettor: "0xa11ce",
		Yes: decimal.NewFromInt(3), No: decimal.Zero,
	}}, now)

	out := buf.String()
	assert.Contains(t, out, "Market #1")
	assert.Contains(t, out, "RESOLVED (YES)")
	assert.Contains(t, out, "outcome:  YES")
	assert.Contains(t, out, "1.33x", "YES odds (3+1)/3")
	assert.Contains(t, out, "0xa11ce")
}

func TestConsole_PrintClaims(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true)

	c.PrintClaims([]domain.ClaimResult{
		{MarketID: 1, Amount: decimal.RequireFromString("1.5")},
		{MarketID: 2, Amount: decimal.Zero, Err: errors.New("already claimed")},
	})

	out := buf.String()
	assert.Contains(t, out, "already claimed")
	assert.Contains(t, out, "1/2 claims paid, total 1.5 ETH")
}

func TestConsole_PrintClaimables(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true)

	c.PrintClaimables([]domain.Claimable{
		{MarketID: 4, Eligible: true, Amount: decimal.RequireFromString("2.25")},
	})
	assert.Contains(t, buf.String(), "2.25")

	buf.Reset()
	c.PrintClaimables(nil)
	assert.Contains(t, buf.String(), "No resolved markets")
}

func TestConsole_PrintStats(t *testing.T) {
	var buf bytes.Buffer
	notify.NewConsoleWriter(&buf, false).PrintStats(domain.MarketStats{
		TotalVolume:   decimal.RequireFromString("12.5"),
		ActiveMarkets: 2,
		TotalMarkets:  5,
		TotalUsers:    3,
	})
	assert.Equal(t, "markets 5 (active 2) | volume 12.5 ETH | users 3\n", buf.String())
}

func TestConsole_PrintReconcile(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true)

	c.PrintReconcile(domain.ReconcileReport{
		Replayed:  3,
		Dropped:   1,
		Remaining: 2,
		Conflicts: []domain.ReconcileConflict{{
			MarketID: 9, PrimaryVersion: 4, FallbackVersion: 4, Chosen: "onchain", Reason: "same version, different content",
		}},
	})

	out := buf.String()
	assert.Contains(t, out, "replayed 3")
	assert.Contains(t, out, "still degraded")
	assert.Contains(t, out, "onchain")
	assert.Contains(t, out, "same version, different content")
}
