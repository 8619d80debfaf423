package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MutationKind is the ledger operation a mutation records.
type MutationKind string

const (
	MutationCreateMarket MutationKind = "create_market"
	MutationPlaceBet     MutationKind = "place_bet"
	MutationResolve      MutationKind = "resolve"
	MutationClaim        MutationKind = "claim"
)

// Mutation is one committed ledger operation together with the post-state
// of every record it touched. Backends that store records upsert Market and
// Bet; backends that execute operations use Kind, Actor and Amount.
type Mutation struct {
	ID     string
	Kind   MutationKind
	Actor  Identity
	Market Market
	Bet    *Bet            // nil for create_market and resolve
	Amount decimal.Decimal // stake for place_bet, payout for claim
	At     time.Time

	// TxHash is set when the mutation was broadcast to the external ledger
	// without a confirmation.
	TxHash string
}

// TxStatus is the state of a broadcast transaction.
type TxStatus int

const (
	TxUnknown TxStatus = iota // not mined yet, or not found
	TxConfirmed
	TxReverted
)

// Claimable is the result of a claim preview.
type Claimable struct {
	MarketID MarketID
	Bettor   Identity
	Eligible bool
	Amount   decimal.Decimal
}

// ClaimResult is one entry of a batch claim.
type ClaimResult struct {
	MarketID MarketID
	Amount   decimal.Decimal
	Err      error
}

// OK reports whether the claim paid out.
func (r ClaimResult) OK() bool { return r.Err == nil }

// ReconcileConflict records an aggregate whose backends disagreed.
type ReconcileConflict struct {
	MarketID        MarketID
	PrimaryVersion  uint64
	FallbackVersion uint64
	Chosen          string // backend name whose copy was kept
	Reason          string
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Replayed  int // journal entries applied to the primary
	Confirmed int // journal entries whose broadcast tx turned out mined
	Dropped   int // journal entries the primary rejected
	Remaining int // journal entries left pending
	Adopted   int // aggregates taken from the fallback
	Refreshed int // aggregates taken from the primary
	Conflicts []ReconcileConflict
	Finished  time.Time
}
