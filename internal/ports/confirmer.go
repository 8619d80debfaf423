package ports

import (
	"context"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// TxConfirmer is implemented by backends that broadcast transactions and can
// later tell whether one was mined.
type TxConfirmer interface {
	Confirm(ctx context.Context, txHash string) (domain.TxStatus, error)
}
