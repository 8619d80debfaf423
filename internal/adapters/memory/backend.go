// Package memory provides an in-process ledger backend for dry runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// ErrDown is returned while the backend is switched off.
var ErrDown = errors.New("memory backend down")

// Backend keeps records in maps. It can be switched off to simulate an
// unreachable primary.
type Backend struct {
	name string

	mu      sync.Mutex
	markets map[domain.MarketID]domain.Market
	bets    map[domain.BetKey]domain.Bet
	applied []domain.Mutation
	down    bool
	reject  func(domain.Mutation) error
}

// New creates an empty backend.
func New(name string) *Backend {
	return &Backend{
		name:    name,
		markets: make(map[domain.MarketID]domain.Market),
		bets:    make(map[domain.BetKey]domain.Bet),
	}
}

func (b *Backend) Name() string { return b.name }

// SetDown switches the backend off or on.
func (b *Backend) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// RejectWith makes Apply consult fn before storing a mutation.
func (b *Backend) RejectWith(fn func(domain.Mutation) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = fn
}

// Applied returns the mutations stored so far, in order.
func (b *Backend) Applied() []domain.Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Mutation(nil), b.applied...)
}

func (b *Backend) Load(ctx context.Context) (domain.LedgerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return domain.LedgerState{}, err
	}
	var s domain.LedgerState
	for _, m := range b.markets {
		s.Markets = append(s.Markets, m)
	}
	for _, bet := range b.bets {
		s.Bets = append(s.Bets, bet)
	}
	return s, nil
}

func (b *Backend) Apply(ctx context.Context, m domain.Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}
	if b.reject != nil {
		if err := b.reject(m); err != nil {
			return err
		}
	}
	if cur, ok := b.markets[m.Market.ID]; ok && cur.Version > m.Market.Version {
		return fmt.Errorf("memory: market %d at version %d, mutation at %d: %w",
			m.Market.ID, cur.Version, m.Market.Version, domain.ErrRecordConflict)
	}
	b.markets[m.Market.ID] = m.Market
	if m.Bet != nil {
		b.bets[m.Bet.Key()] = *m.Bet
	}
	b.applied = append(b.applied, m)
	return nil
}

func (b *Backend) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.down {
		return ErrDown
	}
	return nil
}
