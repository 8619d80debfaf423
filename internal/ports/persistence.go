package ports

import (
	"context"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// Persistence is what the ledger needs from storage. The ledger never knows
// which backend served a call.
type Persistence interface {
	Load(ctx context.Context) (domain.LedgerState, error)
	Commit(ctx context.Context, m domain.Mutation) error
}
