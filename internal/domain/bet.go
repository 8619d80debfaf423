package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is YES or NO.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ParseSide accepts yes/no in any case, and true/false as the contract encodes it.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true":
		return SideYes, nil
	case "no", "n", "false":
		return SideNo, nil
	}
	return "", fmt.Errorf("invalid side %q: want yes or no", s)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Choice is the contract's boolean encoding of a side.
func (s Side) Choice() bool { return s == SideYes }

// SideFromChoice converts the contract's boolean choice.
func SideFromChoice(choice bool) Side {
	if choice {
		return SideYes
	}
	return SideNo
}

// BetKey identifies one logical position.
type BetKey struct {
	MarketID MarketID
	Bettor   Identity
	Side     Side
}

func (k BetKey) String() string {
	return fmt.Sprintf("%d:%s:%s", k.MarketID, k.Bettor, k.Side)
}

// Bet is the cumulative stake of one bettor on one side of a market.
type Bet struct {
	MarketID  MarketID
	Bettor    Identity
	Side      Side
	Amount    decimal.Decimal
	Claimed   bool
	Version   uint64
	UpdatedAt time.Time
}

// Key returns the composite key of the bet.
func (b Bet) Key() BetKey {
	return BetKey{MarketID: b.MarketID, Bettor: b.Bettor, Side: b.Side}
}

// BetReceipt is returned by a successful bet placement.
type BetReceipt struct {
	Market     Market
	Bet        Bet
	YesPool    decimal.Decimal
	NoPool     decimal.Decimal
	QuotedOdds decimal.Decimal // odds before this stake was added
	Potential  decimal.Decimal // stake * QuotedOdds, informational
}

// Position is a bettor's stake on both sides of one market.
type Position struct {
	MarketID MarketID
	Bettor   Identity
	Yes      decimal.Decimal
	No       decimal.Decimal
}
