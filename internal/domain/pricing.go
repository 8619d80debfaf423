package domain

import "github.com/shopspring/decimal"

// AmountScale is the number of fractional digits a stake may carry.
// It matches the 18-decimal base unit used by the external ledger.
const AmountScale = 18

var (
	half = decimal.New(5, -1)
	one  = decimal.NewFromInt(1)
)

// Price is the implied probability of side: sidePool / (yes + no).
// With no stake on either side the market is quoted 50/50.
func Price(side Side, yesPool, noPool decimal.Decimal) decimal.Decimal {
	total := yesPool.Add(noPool)
	if !total.IsPositive() {
		return half
	}
	if side == SideYes {
		return yesPool.Div(total)
	}
	return noPool.Div(total)
}

// Odds is the multiplier paid to the side holding myPool:
// (my + other) / my, or 1 when my side has no stake yet.
func Odds(myPool, otherPool decimal.Decimal) decimal.Decimal {
	if !myPool.IsPositive() {
		return one
	}
	return myPool.Add(otherPool).Div(myPool)
}

// PotentialReturn is stake * odds. It is not binding since pools keep moving
// until the market closes.
func PotentialReturn(stake, odds decimal.Decimal) decimal.Decimal {
	return stake.Mul(odds)
}

// Payout is the pari-mutuel payout for a winning stake: the principal plus
// a pro-rata share of the losing pool. The share is truncated to AmountScale
// digits so the sum of payouts never exceeds the pools. ok is false when
// nobody staked on the winning side.
func Payout(stake, winningPool, losingPool decimal.Decimal) (amount decimal.Decimal, ok bool) {
	if !winningPool.IsPositive() || !stake.IsPositive() {
		return decimal.Zero, false
	}
	share, _ := stake.Mul(losingPool).QuoRem(winningPool, AmountScale)
	return stake.Add(share), true
}

// ValidStake reports whether amount is a positive value with at most
// AmountScale fractional digits.
func ValidStake(amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	return amount.Equal(amount.Truncate(AmountScale))
}
