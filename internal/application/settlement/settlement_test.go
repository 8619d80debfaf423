package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/predictledger/internal/adapters/memory"
	"github.com/alejandrodnm/predictledger/internal/adapters/persistence"
	"github.com/alejandrodnm/predictledger/internal/adapters/storage"
	"github.com/alejandrodnm/predictledger/internal/application/ledger"
	"github.com/alejandrodnm/predictledger/internal/application/settlement"
	"github.com/alejandrodnm/predictledger/internal/domain"
)

const (
	resolver = "0x00000000000000000000000000000000000000aa"
	alice    = "0x00000000000000000000000000000000000a11ce"
	bob      = "0x0000000000000000000000000000000000000b0b"
	carol    = "0x00000000000000000000000000000000000ca401"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	ledger  *ledger.Ledger
	engine  *settlement.Engine
	clock   *clock
	primary *memory.Backend
	store   *persistence.Adapter
}

// newFixture wires the real stack: ledger over the persistence adapter with
// an in-memory primary and an in-memory SQLite fallback.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	fallback, err := storage.NewLedgerStore(":memory:")
	require.NoError(t, err)
	primary := memory.New("primary")
	store := persistence.New(primary, fallback, persistence.Config{PrimaryTimeout: time.Second})
	t.Cleanup(func() { store.Close() })

	c := &clock{now: t0}
	l := ledger.New(store, ledger.Config{Resolver: resolver, Now: c.Now})
	return &fixture{
		ledger:  l,
		engine:  settlement.New(l, settlement.Config{BatchWorkers: 2}),
		clock:   c,
		primary: primary,
		store:   store,
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stake struct {
	who    string
	side   domain.Side
	amount string
}

// resolvedMarket creates a market, places stakes and resolves it.
func (f *fixture) resolvedMarket(t *testing.T, outcome bool, stakes ...stake) domain.MarketID {
	t.Helper()
	ctx := context.Background()
	f.clock.Set(t0)
	m, err := f.ledger.CreateMarket(ctx, fmt.Sprintf("q-%d", f.ledger.MarketCount()+1), t0.Add(time.Hour), alice)
	require.NoError(t, err)
	for _, s := range stakes {
		_, err := f.ledger.PlaceBet(ctx, m.ID, s.who, s.side, d(s.amount))
		require.NoError(t, err)
	}
	f.clock.Set(m.Deadline.Add(time.Second))
	_, err = f.ledger.ResolveMarket(ctx, m.ID, outcome, resolver)
	require.NoError(t, err)
	return m.ID
}

func TestScenarioA_ClaimPaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.resolvedMarket(t, true, stake{alice, domain.SideYes, "2"}, stake{bob, domain.SideNo, "1"})

	c, err := f.engine.Claimable(ctx, id, alice)
	require.NoError(t, err)
	assert.True(t, c.Eligible)
	assert.True(t, c.Amount.Equal(d("3")))

	c, err = f.engine.Claimable(ctx, id, bob)
	require.NoError(t, err)
	assert.False(t, c.Eligible)
	assert.True(t, c.Amount.IsZero())

	paid, err := f.engine.Claim(ctx, id, alice)
	require.NoError(t, err)
	assert.True(t, paid.Equal(d("3")))

	_, err = f.engine.Claim(ctx, id, alice)
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	_, err = f.engine.Claim(ctx, id, bob)
	require.ErrorIs(t, err, domain.ErrNotEligible)

	c, err = f.engine.Claimable(ctx, id, alice)
	require.NoError(t, err)
	assert.False(t, c.Eligible, "nothing left after the claim")

	// The claim reached the primary with the payout amount.
	applied := f.primary.Applied()
	last := applied[len(applied)-1]
	assert.Equal(t, domain.MutationClaim, last.Kind)
	assert.True(t, last.Amount.Equal(d("3")))
	require.NotNil(t, last.Bet)
	assert.True(t, last.Bet.Claimed)
}

func TestScenarioB_EmptyWinningPoolPaysNobody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.resolvedMarket(t, true, stake{alice, domain.SideNo, "2"}, stake{bob, domain.SideNo, "1"})

	for _, who := range []string{alice, bob, carol} {
		c, err := f.engine.Claimable(ctx, id, who)
		require.NoError(t, err)
		assert.False(t, c.Eligible, who)
		assert.True(t, c.Amount.IsZero(), who)

		_, err = f.engine.Claim(ctx, id, who)
		require.ErrorIs(t, err, domain.ErrNotEligible, who)
	}
}

func TestClaimable_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.ledger.CreateMarket(ctx, "open", t0.Add(time.Hour), alice)
	require.NoError(t, err)

	_, err = f.engine.Claimable(ctx, m.ID, alice)
	require.ErrorIs(t, err, domain.ErrMarketNotResolved)
	_, err = f.engine.Claim(ctx, m.ID, alice)
	require.ErrorIs(t, err, domain.ErrMarketNotResolved)

	_, err = f.engine.Claimable(ctx, 77, alice)
	require.ErrorIs(t, err, domain.ErrMarketNotFound)
	_, err = f.engine.Claim(ctx, 77, alice)
	require.ErrorIs(t, err, domain.ErrMarketNotFound)

	_, err = f.engine.Claimable(ctx, m.ID, " ")
	require.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestClaimable_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.resolvedMarket(t, false, stake{alice, domain.SideNo, "1"}, stake{bob, domain.SideYes, "3"})

	before := len(f.primary.Applied())
	first, err := f.engine.Claimable(ctx, id, alice)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := f.engine.Claimable(ctx, id, alice)
		require.NoError(t, err)
		assert.Equal(t, first.Eligible, again.Eligible)
		assert.True(t, first.Amount.Equal(again.Amount))
	}
	assert.True(t, first.Amount.Equal(d("4")))
	assert.Len(t, f.primary.Applied(), before, "previews never commit")
}

func TestClaim_ConcurrentCallsPayOnce(t *testing.T) {
	f := newFixture(t)
	id := f.resolvedMarket(t, true, stake{alice, domain.SideYes, "2"}, stake{bob, domain.SideNo, "1"})

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		claimed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Claim(context.Background(), id, alice)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrAlreadyClaimed):
				claimed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, claimed)

	claims := 0
	for _, m := range f.primary.Applied() {
		if m.Kind == domain.MutationClaim {
			claims++
		}
	}
	assert.Equal(t, 1, claims)
}

func TestPayoutsConserveValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.resolvedMarket(t, true,
		stake{alice, domain.SideYes, "1"},
		stake{bob, domain.SideYes, "2"},
		stake{carol, domain.SideYes, "4"},
		stake{alice, domain.SideNo, "3.3"},
	)

	total := decimal.Zero
	for _, who := range []string{alice, bob, carol} {
		amount, err := f.engine.Claim(ctx, id, who)
		require.NoError(t, err)
		total = total.Add(amount)
	}

	m, err := f.ledger.GetMarket(id)
	require.NoError(t, err)
	pot := m.YesPool.Add(m.NoPool)
	assert.True(t, total.LessThanOrEqual(pot), "never pays out more than the pot")
	assert.True(t, pot.Sub(total).LessThan(d("0.000000000000001")), "rounding dust only: %s", pot.Sub(total))
	assert.True(t, m.YesPool.Equal(d("7")), "pools unchanged by claims")
}

func TestClaimBatch_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	won := f.resolvedMarket(t, true, stake{alice, domain.SideYes, "1"}, stake{bob, domain.SideNo, "1"})
	lost := f.resolvedMarket(t, true, stake{alice, domain.SideNo, "1"}, stake{bob, domain.SideYes, "1"})
	won2 := f.resolvedMarket(t, false, stake{alice, domain.SideNo, "2"}, stake{bob, domain.SideYes, "2"})

	f.clock.Set(t0)
	open, err := f.ledger.CreateMarket(ctx, "still open", t0.Add(time.Hour), bob)
	require.NoError(t, err)
	_, err = f.ledger.PlaceBet(ctx, open.ID, alice, domain.SideYes, d("1"))
	require.NoError(t, err)

	results := f.engine.ClaimBatch(ctx, alice, nil)
	require.Len(t, results, 4)

	byID := map[domain.MarketID]domain.ClaimResult{}
	for _, r := range results {
		byID[r.MarketID] = r
	}
	assert.True(t, byID[won].OK())
	assert.True(t, byID[won].Amount.Equal(d("2")))
	assert.ErrorIs(t, byID[lost].Err, domain.ErrNotEligible)
	assert.True(t, byID[won2].OK())
	assert.True(t, byID[won2].Amount.Equal(d("4")))
	assert.ErrorIs(t, byID[open.ID].Err, domain.ErrMarketNotResolved)

	// A second batch over explicit ids reports everything as claimed.
	again := f.engine.ClaimBatch(ctx, alice, []domain.MarketID{won, won2})
	for _, r := range again {
		assert.ErrorIs(t, r.Err, domain.ErrAlreadyClaimed)
	}
}

func TestClaimableAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	won := f.resolvedMarket(t, true, stake{alice, domain.SideYes, "1"}, stake{bob, domain.SideNo, "1"})
	f.resolvedMarket(t, true, stake{alice, domain.SideNo, "1"}, stake{bob, domain.SideYes, "1"})

	items, err := f.engine.ClaimableAll(ctx, alice)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, won, items[0].MarketID)
	assert.True(t, items[0].Amount.Equal(d("2")))
}

func TestClaim_StorageUnavailableKeepsPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.resolvedMarket(t, true, stake{alice, domain.SideYes, "2"}, stake{bob, domain.SideNo, "1"})

	f.primary.SetDown(true)
	require.NoError(t, f.store.Close()) // fallback gone too

	_, err := f.engine.Claim(ctx, id, alice)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	c, err := f.engine.Claimable(ctx, id, alice)
	require.NoError(t, err)
	assert.True(t, c.Eligible, "failed claim leaves the bet unclaimed")
	assert.True(t, c.Amount.Equal(d("3")))
}

func TestClaim_DegradedModeStillPays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.resolvedMarket(t, true, stake{alice, domain.SideYes, "2"}, stake{bob, domain.SideNo, "1"})

	f.primary.SetDown(true)
	paid, err := f.engine.Claim(ctx, id, alice)
	require.NoError(t, err)
	assert.True(t, paid.Equal(d("3")))
	assert.True(t, f.store.Degraded())

	f.primary.SetDown(false)
	report, err := f.store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.False(t, f.store.Degraded())

	_, err = f.engine.Claim(ctx, id, alice)
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}
