package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/alejandrodnm/predictledger/internal/domain"
	"github.com/alejandrodnm/predictledger/internal/ports"
)

// Config holds the ledger's injected collaborators.
type Config struct {
	// Resolver is the only identity allowed to resolve markets.
	// When empty, every resolution is refused.
	Resolver domain.Identity

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	Recorder ports.Recorder

	// CheckIdentity, when set, rejects identities the primary backend
	// cannot act for. It runs before any mutation is built.
	CheckIdentity func(domain.Identity) error
}

// Ledger owns every Market and Bet record. All mutation goes through it.
type Ledger struct {
	cfg   Config
	store ports.Persistence

	mu      sync.RWMutex // guards markets and nextID
	markets map[domain.MarketID]*entry
	nextID  domain.MarketID

	createMu sync.Mutex // serializes id allocation with its commit

	flight  singleflight.Group
	pendMu  sync.Mutex
	pending map[string]*domain.PendingOp
}

// entry holds one market aggregate.
// op serializes mutations on the market for the whole commit, data guards
// the fields so reads never wait on a slow backend.
type entry struct {
	op     sync.Mutex
	data   sync.RWMutex
	market domain.Market
	bets   map[domain.BetKey]domain.Bet
}

// New creates an empty ledger. Call Load to populate it from storage.
func New(store ports.Persistence, cfg Config) *Ledger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Recorder == nil {
		cfg.Recorder = ports.NopRecorder{}
	}
	return &Ledger{
		cfg:     cfg,
		store:   store,
		markets: make(map[domain.MarketID]*entry),
		nextID:  1,
		pending: make(map[string]*domain.PendingOp),
	}
}

// Load replaces the in-memory records with what storage holds.
func (l *Ledger) Load(ctx context.Context) error {
	state, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("ledger.Load: %w", err)
	}
	l.replace(state)
	return nil
}

func (l *Ledger) replace(state domain.LedgerState) {
	markets := make(map[domain.MarketID]*entry, len(state.Markets))
	next := domain.MarketID(1)
	for _, m := range state.Markets {
		markets[m.ID] = &entry{market: m, bets: make(map[domain.BetKey]domain.Bet)}
		if m.ID >= next {
			next = m.ID + 1
		}
	}
	for _, b := range state.Bets {
		if e, ok := markets[b.MarketID]; ok {
			e.bets[b.Key()] = b
		}
	}

	l.mu.Lock()
	l.markets = markets
	l.nextID = next
	l.mu.Unlock()

	slog.Debug("ledger: state loaded", "markets", len(state.Markets), "bets", len(state.Bets))
}

func (l *Ledger) entry(id domain.MarketID) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.markets[id]
	if !ok {
		return nil, domain.ErrMarketNotFound
	}
	return e, nil
}

// CreateMarket opens a new market with empty pools.
func (l *Ledger) CreateMarket(ctx context.Context, question string, deadline time.Time, creator string) (domain.Market, error) {
	who, err := l.identity(creator)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: %w", err)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: %w", domain.ErrInvalidQuestion)
	}
	deadline = time.Unix(deadline.Unix(), 0).UTC()
	if !deadline.After(l.cfg.Now()) {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: %w", domain.ErrInvalidDeadline)
	}

	key := fmt.Sprintf("create:%s:%d:%s", who, deadline.Unix(), question)
	v, _, err := l.do(key, func() (any, error) {
		l.createMu.Lock()
		defer l.createMu.Unlock()

		l.mu.RLock()
		id := l.nextID
		l.mu.RUnlock()

		now := l.cfg.Now().UTC()
		m := domain.Market{
			ID:        id,
			Question:  question,
			Deadline:  deadline,
			Creator:   who,
			YesPool:   decimal.Zero,
			NoPool:    decimal.Zero,
			Outcome:   domain.Unresolved(),
			CreatedAt: now,
			Version:   1,
			UpdatedAt: now,
		}
		mut := domain.Mutation{
			ID:     uuid.NewString(),
			Kind:   domain.MutationCreateMarket,
			Actor:  who,
			Market: m,
			At:     now,
		}
		if err := l.commit(ctx, mut); err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.markets[id] = &entry{market: m, bets: make(map[domain.BetKey]domain.Bet)}
		l.nextID = id + 1
		l.mu.Unlock()

		slog.Info("ledger: market created", "market", id, "creator", who, "deadline", deadline)
		return m, nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: %w", err)
	}
	return v.(domain.Market), nil
}

// PlaceBet adds amount to the bettor's position on side. The returned odds
// are quoted from the pools as they were before this stake.
func (l *Ledger) PlaceBet(ctx context.Context, id domain.MarketID, bettor string, side domain.Side, amount decimal.Decimal) (domain.BetReceipt, error) {
	who, err := l.identity(bettor)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger.PlaceBet: %w", err)
	}
	if side != domain.SideYes && side != domain.SideNo {
		return domain.BetReceipt{}, fmt.Errorf("ledger.PlaceBet: invalid side %q", side)
	}
	e, err := l.entry(id)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger.PlaceBet: %w", err)
	}
	if e.snapshot().PhaseAt(l.cfg.Now()) != domain.PhaseOpen {
		return domain.BetReceipt{}, fmt.Errorf("ledger.PlaceBet: %w", domain.ErrMarketNotOpen)
	}
	if !domain.ValidStake(amount) {
		return domain.BetReceipt{}, fmt.Errorf("ledger.PlaceBet: %w", domain.ErrInvalidAmount)
	}

	key := fmt.Sprintf("bet:%d:%s:%s:%s", id, who, side, amount.String())
	v, _, err := l.do(key, func() (any, error) {
		e.op.Lock()
		defer e.op.Unlock()

		now := l.cfg.Now().UTC()
		m := e.snapshot()
		if m.PhaseAt(now) != domain.PhaseOpen {
			return nil, domain.ErrMarketNotOpen
		}
		betKey := domain.BetKey{MarketID: id, Bettor: who, Side: side}
		bet := e.bet(betKey)

		quoted := domain.Odds(m.Pool(side), m.Pool(side.Opposite()))

		if side == domain.SideYes {
			m.YesPool = m.YesPool.Add(amount)
			m.TotalYesBets++
		} else {
			m.NoPool = m.NoPool.Add(amount)
			m.TotalNoBets++
		}
		m.Version++
		m.UpdatedAt = now

		bet.Amount = bet.Amount.Add(amount)
		bet.Version++
		bet.UpdatedAt = now

		mut := domain.Mutation{
			ID:     uuid.NewString(),
			Kind:   domain.MutationPlaceBet,
			Actor:  who,
			Market: m,
			Bet:    &bet,
			Amount: amount,
			At:     now,
		}
		if err := l.commit(ctx, mut); err != nil {
			return nil, err
		}
		e.store(m, &bet)

		slog.Info("ledger: bet placed",
			"market", id, "bettor", who, "side", side,
			"amount", amount.String(), "odds", quoted.StringFixed(4))

		return domain.BetReceipt{
			Market:     m,
			Bet:        bet,
			YesPool:    m.YesPool,
			NoPool:     m.NoPool,
			QuotedOdds: quoted,
			Potential:  domain.PotentialReturn(amount, quoted),
		}, nil
	})
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger.PlaceBet: %w", err)
	}
	return v.(domain.BetReceipt), nil
}

// ResolveMarket sets the outcome of a market past its deadline. Only the
// configured resolver may do it, and only once.
func (l *Ledger) ResolveMarket(ctx context.Context, id domain.MarketID, outcome bool, resolver string) (domain.Market, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger.ResolveMarket: %w", err)
	}
	if !l.authorized(resolver) {
		slog.Warn("ledger: resolution refused", "market", id, "resolver", resolver)
		return domain.Market{}, fmt.Errorf("ledger.ResolveMarket: %w", domain.ErrUnauthorized)
	}

	key := fmt.Sprintf("resolve:%d:%t", id, outcome)
	v, _, err := l.do(key, func() (any, error) {
		e.op.Lock()
		defer e.op.Unlock()

		now := l.cfg.Now().UTC()
		m := e.snapshot()
		switch m.PhaseAt(now) {
		case domain.PhaseOpen:
			return nil, domain.ErrNotYetExpired
		case domain.PhaseResolved:
			return nil, domain.ErrAlreadyResolved
		}

		m.Outcome = domain.ResolvedAs(outcome)
		m.ResolvedAt = now
		m.Version++
		m.UpdatedAt = now

		mut := domain.Mutation{
			ID:     uuid.NewString(),
			Kind:   domain.MutationResolve,
			Actor:  l.cfg.Resolver,
			Market: m,
			At:     now,
		}
		if err := l.commit(ctx, mut); err != nil {
			return nil, err
		}
		e.store(m, nil)

		slog.Info("ledger: market resolved", "market", id, "outcome", m.Outcome,
			"yes_pool", m.YesPool.String(), "no_pool", m.NoPool.String())
		return m, nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger.ResolveMarket: %w", err)
	}
	return v.(domain.Market), nil
}

// identity parses s and applies the configured backend check.
func (l *Ledger) identity(s string) (domain.Identity, error) {
	who, err := domain.ParseIdentity(s)
	if err != nil {
		return "", err
	}
	if l.cfg.CheckIdentity != nil {
		if err := l.cfg.CheckIdentity(who); err != nil {
			return "", err
		}
	}
	return who, nil
}

func (l *Ledger) authorized(resolver string) bool {
	if l.cfg.Resolver == "" {
		return false
	}
	who, err := domain.ParseIdentity(resolver)
	if err != nil {
		return false
	}
	return who.Equal(l.cfg.Resolver)
}

// SettleFunc decides which bet a claim pays and how much. It sees a
// consistent snapshot and must not keep references to it.
type SettleFunc func(m domain.Market, bets []domain.Bet) (domain.Bet, decimal.Decimal, error)

// Settle marks one of the bettor's bets as claimed, using decide to pick the
// bet and compute the payout. The check and the flag update happen under the
// market lock together with the commit, so a position pays at most once.
func (l *Ledger) Settle(ctx context.Context, id domain.MarketID, bettor string, decide SettleFunc) (decimal.Decimal, error) {
	who, err := l.identity(bettor)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.Settle: %w", err)
	}
	e, err := l.entry(id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.Settle: %w", err)
	}

	key := fmt.Sprintf("claim:%d:%s", id, who)
	v, leader, err := l.do(key, func() (any, error) {
		e.op.Lock()
		defer e.op.Unlock()

		m := e.snapshot()
		bet, amount, err := decide(m, e.betsOf(who))
		if err != nil {
			return nil, err
		}
		stored := e.bet(bet.Key())
		if stored.Claimed {
			return nil, domain.ErrAlreadyClaimed
		}

		now := l.cfg.Now().UTC()
		stored.Claimed = true
		stored.Version++
		stored.UpdatedAt = now
		m.Version++
		m.UpdatedAt = now

		mut := domain.Mutation{
			ID:     uuid.NewString(),
			Kind:   domain.MutationClaim,
			Actor:  who,
			Market: m,
			Bet:    &stored,
			Amount: amount,
			At:     now,
		}
		if err := l.commit(ctx, mut); err != nil {
			return nil, err
		}
		e.store(m, &stored)

		slog.Info("ledger: winnings claimed", "market", id, "bettor", who, "amount", amount.String())
		return amount, nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.Settle: %w", err)
	}
	if !leader {
		// Another identical claim paid out while this one waited.
		return decimal.Zero, fmt.Errorf("ledger.Settle: %w", domain.ErrAlreadyClaimed)
	}
	return v.(decimal.Decimal), nil
}

func (l *Ledger) commit(ctx context.Context, mut domain.Mutation) error {
	if err := l.store.Commit(ctx, mut); err != nil {
		l.cfg.Recorder.MutationRejected(mut.Kind, domain.KindOf(err))
		return fmt.Errorf("commit %s: %w", mut.Kind, err)
	}
	l.cfg.Recorder.MutationCommitted(mut.Kind)
	return nil
}

func (e *entry) snapshot() domain.Market {
	e.data.RLock()
	defer e.data.RUnlock()
	return e.market
}

func (e *entry) bet(k domain.BetKey) domain.Bet {
	e.data.RLock()
	defer e.data.RUnlock()
	if b, ok := e.bets[k]; ok {
		return b
	}
	return domain.Bet{MarketID: k.MarketID, Bettor: k.Bettor, Side: k.Side, Amount: decimal.Zero}
}

func (e *entry) betsOf(who domain.Identity) []domain.Bet {
	e.data.RLock()
	defer e.data.RUnlock()
	var out []domain.Bet
	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		if b, ok := e.bets[domain.BetKey{MarketID: e.market.ID, Bettor: who, Side: side}]; ok {
			out = append(out, b)
		}
	}
	return out
}

func (e *entry) store(m domain.Market, b *domain.Bet) {
	e.data.Lock()
	defer e.data.Unlock()
	e.market = m
	if b != nil {
		e.bets[b.Key()] = *b
	}
}
