package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketID is the sequential market identifier. The first market is 1.
type MarketID uint64

// Phase is the lifecycle phase of a market. It is always derived, never stored.
type Phase string

const (
	PhaseOpen               Phase = "OPEN"
	PhaseAwaitingResolution Phase = "AWAITING_RESOLUTION"
	PhaseResolved           Phase = "RESOLVED"
)

// Outcome is either unresolved or resolved to YES/NO.
// The zero value is Unresolved.
type Outcome struct {
	resolved bool
	yes      bool
}

// Unresolved returns the outcome of a market that has not been resolved.
func Unresolved() Outcome { return Outcome{} }

// ResolvedAs returns a resolved outcome; yes=true means YES won.
func ResolvedAs(yes bool) Outcome { return Outcome{resolved: true, yes: yes} }

// IsResolved reports whether the outcome has been decided.
func (o Outcome) IsResolved() bool { return o.resolved }

// Value returns the winning answer and whether there is one.
func (o Outcome) Value() (yes bool, ok bool) { return o.yes, o.resolved }

// WinningSide returns the side that won. ok is false while unresolved.
func (o Outcome) WinningSide() (Side, bool) {
	if !o.resolved {
		return "", false
	}
	if o.yes {
		return SideYes, true
	}
	return SideNo, true
}

func (o Outcome) String() string {
	switch {
	case !o.resolved:
		return "UNRESOLVED"
	case o.yes:
		return "YES"
	default:
		return "NO"
	}
}

// Market is a binary pari-mutuel prediction market.
type Market struct {
	ID           MarketID
	Question     string
	Deadline     time.Time // betting closes at Deadline (exclusive)
	Creator      Identity
	YesPool      decimal.Decimal
	NoPool       decimal.Decimal
	TotalYesBets int // number of stakes on YES
	TotalNoBets  int
	Outcome      Outcome
	CreatedAt    time.Time
	ResolvedAt   time.Time // zero while unresolved

	// Version is the logical timestamp of the market aggregate: one tick per
	// mutation applied to the market or any of its bets.
	Version   uint64
	UpdatedAt time.Time
}

// PhaseAt classifies the market against now.
func (m Market) PhaseAt(now time.Time) Phase {
	if m.Outcome.IsResolved() {
		return PhaseResolved
	}
	if now.Before(m.Deadline) {
		return PhaseOpen
	}
	return PhaseAwaitingResolution
}

// IsResolved mirrors the contract's isResolved flag.
func (m Market) IsResolved() bool { return m.Outcome.IsResolved() }

// Volume is the total stake on both sides.
func (m Market) Volume() decimal.Decimal {
	return m.YesPool.Add(m.NoPool)
}

// Pool returns the pool for side.
func (m Market) Pool(side Side) decimal.Decimal {
	if side == SideYes {
		return m.YesPool
	}
	return m.NoPool
}

// Quote returns the current price and odds for both sides.
func (m Market) Quote() MarketQuote {
	return MarketQuote{
		YesPrice: Price(SideYes, m.YesPool, m.NoPool),
		NoPrice:  Price(SideNo, m.YesPool, m.NoPool),
		YesOdds:  Odds(m.YesPool, m.NoPool),
		NoOdds:   Odds(m.NoPool, m.YesPool),
	}
}

// MarketQuote is a read-only price snapshot for display.
type MarketQuote struct {
	YesPrice decimal.Decimal
	NoPrice  decimal.Decimal
	YesOdds  decimal.Decimal
	NoOdds   decimal.Decimal
}

// Identity is a participant identity, usually a 0x-prefixed address.
type Identity string

// ParseIdentity trims s and lowercases hex addresses so that the same
// account always maps to the same key.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidIdentity
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = "0x" + strings.ToLower(s[2:])
	}
	return Identity(s), nil
}

// Equal compares identities case-insensitively.
func (id Identity) Equal(other Identity) bool {
	return strings.EqualFold(string(id), string(other))
}

func (id Identity) String() string { return string(id) }

// TruncateQuestion shortens a question to at most maxLen runes for table
// output, marking the cut with "...".
func TruncateQuestion(question string, maxLen int) string {
	r := []rune(question)
	if len(r) <= maxLen {
		return question
	}
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-3]) + "..."
}
