package ports

import (
	"time"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// Reporter presents ledger data to the user.
type Reporter interface {
	PrintMarkets(markets []domain.Market, now time.Time)
	PrintMarket(m domain.Market, positions []domain.Position, now time.Time)
	PrintClaims(results []domain.ClaimResult)
	PrintClaimables(items []domain.Claimable)
	PrintStats(stats domain.MarketStats)
	PrintReconcile(report domain.ReconcileReport)
}
