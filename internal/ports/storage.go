package ports

import (
	"context"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// LedgerBackend durably stores ledger records.
type LedgerBackend interface {
	// Name identifies the backend in logs and reconcile reports.
	Name() string

	// Load returns every market and bet the backend holds.
	Load(ctx context.Context) (domain.LedgerState, error)

	// Apply commits one mutation. It must be all-or-nothing.
	Apply(ctx context.Context, m domain.Mutation) error
}

// FallbackStore is the local backend used while the primary is unavailable.
// Besides storing records it keeps a journal of mutations the primary has
// not seen yet.
type FallbackStore interface {
	LedgerBackend

	// ApplyPending applies m and appends it to the journal in one transaction.
	ApplyPending(ctx context.Context, m domain.Mutation) error

	// Pending returns journal entries in commit order.
	Pending(ctx context.Context) ([]domain.Mutation, error)

	// Ack removes a journal entry.
	Ack(ctx context.Context, mutationID string) error

	// MarkBroadcast records the tx hash of a journal entry that was sent to
	// the primary without confirmation.
	MarkBroadcast(ctx context.Context, mutationID, txHash string) error

	// Replace overwrites the stored records with state. The journal is kept.
	Replace(ctx context.Context, state domain.LedgerState) error

	Close() error
}
