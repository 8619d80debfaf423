package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

const questionWidth = 48

// Console implements ports.Reporter.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole writes to stdout. table=false prints one line per row.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter writes to w, for tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// PrintMarkets lists markets with pools and current prices.
func (c *Console) PrintMarkets(markets []domain.Market, now time.Time) {
	if len(markets) == 0 {
		fmt.Fprintln(c.out, "No markets found")
		return
	}

	if !c.table {
		for _, m := range markets {
			q := m.Quote()
			fmt.Fprintf(c.out, "#%d %s | %s | YES %s%% NO %s%% | vol %s | %s\n",
				m.ID, domain.TruncateQuestion(m.Question, questionWidth), m.PhaseAt(now),
				percent(q.YesPrice), percent(q.NoPrice), eth(m.Volume()), timeLeft(m, now))
		}
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Question", "Phase", "YES pool", "NO pool", "YES %", "NO %", "Bets", "Ends")
	for _, m := range markets {
		q := m.Quote()
		table.Append(
			fmt.Sprintf("%d", m.ID),
			domain.TruncateQuestion(m.Question, questionWidth),
			phaseLabel(m, now),
			eth(m.YesPool),
			eth(m.NoPool),
			percent(q.YesPrice),
			percent(q.NoPrice),
			fmt.Sprintf("%d/%d", m.TotalYesBets, m.TotalNoBets),
			timeLeft(m, now),
		)
	}
	table.Render()
}

// PrintMarket shows one market in detail with the given positions.
func (c *Console) PrintMarket(m domain.Market, positions []domain.Position, now time.Time) {
	q := m.Quote()
	fmt.Fprintf(c.out, "\nMarket #%d: %s\n", m.ID, m.Question)
	fmt.Fprintf(c.out, "  phase:    %s\n", phaseLabel(m, now))
	fmt.Fprintf(c.out, "  creator:  %s\n", m.Creator)
	fmt.Fprintf(c.out, "  deadline: %s (%s)\n", m.Deadline.Format(time.RFC3339), timeLeft(m, now))
	fmt.Fprintf(c.out, "  YES:      %s ETH  price %s%%  odds %sx  (%d bets)\n",
		eth(m.YesPool), percent(q.YesPrice), q.YesOdds.StringFixed(2), m.TotalYesBets)
	fmt.Fprintf(c.out, "  NO:       %s ETH  price %s%%  odds %sx  (%d bets)\n",
		eth(m.NoPool), percent(q.NoPrice), q.NoOdds.StringFixed(2), m.TotalNoBets)
	fmt.Fprintf(c.out, "  volume:   %s ETH\n", eth(m.Volume()))
	if m.Outcome.IsResolved() {
		fmt.Fprintf(c.out, "  outcome:  %s (resolved %s)\n", m.Outcome, m.ResolvedAt.Format(time.RFC3339))
	}

	if len(positions) == 0 {
		return
	}
	fmt.Fprintln(c.out)
	table := tablewriter.NewWriter(c.out)
	table.Header("Bettor", "YES", "NO")
	for _, p := range positions {
		table.Append(string(p.Bettor), eth(p.Yes), eth(p.No))
	}
	table.Render()
}

// PrintClaims reports the outcome of each claim in a batch.
func (c *Console) PrintClaims(results []domain.ClaimResult) {
	if len(results) == 0 {
		fmt.Fprintln(c.out, "Nothing to claim")
		return
	}

	total := decimal.Zero
	paid := 0
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Status", "Amount")
	for _, r := range results {
		status := "paid"
		if !r.OK() {
			status = r.Err.Error()
		} else {
			total = total.Add(r.Amount)
			paid++
		}
		table.Append(fmt.Sprintf("%d", r.MarketID), status, eth(r.Amount))
	}
	table.Render()
	fmt.Fprintf(c.out, "%d/%d claims paid, total %s ETH\n", paid, len(results), eth(total))
}

// PrintClaimables shows what a bettor could claim.
func (c *Console) PrintClaimables(items []domain.Claimable) {
	if len(items) == 0 {
		fmt.Fprintln(c.out, "No resolved markets with positions")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Eligible", "Amount")
	for _, it := range items {
		eligible := "no"
		if it.Eligible {
			eligible = "yes"
		}
		table.Append(fmt.Sprintf("%d", it.MarketID), eligible, eth(it.Amount))
	}
	table.Render()
}

// PrintStats prints ledger-wide totals.
func (c *Console) PrintStats(s domain.MarketStats) {
	if !c.table {
		fmt.Fprintf(c.out, "markets %d (active %d) | volume %s ETH | users %d\n",
			s.TotalMarkets, s.ActiveMarkets, eth(s.TotalVolume), s.TotalUsers)
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Total volume", "Active markets", "Total markets", "Users")
	table.Append(eth(s.TotalVolume)+" ETH",
		fmt.Sprintf("%d", s.ActiveMarkets),
		fmt.Sprintf("%d", s.TotalMarkets),
		fmt.Sprintf("%d", s.TotalUsers))
	table.Render()
}

// PrintReconcile summarises a reconciliation pass.
func (c *Console) PrintReconcile(r domain.ReconcileReport) {
	fmt.Fprintf(c.out, "replayed %d, confirmed %d, dropped %d, remaining %d | adopted %d, refreshed %d\n",
		r.Replayed, r.Confirmed, r.Dropped, r.Remaining, r.Adopted, r.Refreshed)
	if r.Remaining > 0 {
		fmt.Fprintln(c.out, "journal not fully replayed, still degraded")
	}
	if len(r.Conflicts) == 0 {
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Primary v", "Fallback v", "Kept", "Reason")
	for _, cf := range r.Conflicts {
		table.Append(
			fmt.Sprintf("%d", cf.MarketID),
			fmt.Sprintf("%d", cf.PrimaryVersion),
			fmt.Sprintf("%d", cf.FallbackVersion),
			cf.Chosen,
			cf.Reason,
		)
	}
	table.Render()
}

func phaseLabel(m domain.Market, now time.Time) string {
	p := m.PhaseAt(now)
	if p == domain.PhaseResolved {
		return fmt.Sprintf("%s (%s)", p, m.Outcome)
	}
	return string(p)
}

// timeLeft renders the time until the deadline like "2d 3h" or "Ended".
func timeLeft(m domain.Market, now time.Time) string {
	d := m.Deadline.Sub(now)
	if d <= 0 {
		return "Ended"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}

func percent(price decimal.Decimal) string {
	return price.Shift(2).StringFixed(1)
}

// eth formats an amount with up to 4 decimals, trimming trailing zeros.
func eth(d decimal.Decimal) string {
	s := d.Truncate(4).StringFixed(4)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
