package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/predictledger/internal/adapters/metrics"
	"github.com/alejandrodnm/predictledger/internal/domain"
)

var errUsage = errors.New("bad arguments")

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "markets":
		return a.markets(args)
	case "market":
		return a.market(args)
	case "create":
		return a.create(ctx, args)
	case "bet":
		return a.bet(ctx, args)
	case "resolve":
		return a.resolve(ctx, args)
	case "claimable":
		return a.claimable(ctx, args)
	case "claim":
		return a.claim(ctx, args)
	case "claim-all":
		return a.claimAll(ctx)
	case "stats":
		a.report.PrintStats(a.ledger.Stats(time.Now()))
		return nil
	case "reconcile":
		return a.reconcile(ctx)
	case "watch":
		return a.watch(ctx)
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

func (a *app) markets(args []string) error {
	fs := flag.NewFlagSet("markets", flag.ContinueOnError)
	filter := fs.String("filter", string(domain.FilterAll), "all|open|awaiting|resolved")
	order := fs.String("sort", string(domain.SortVolume), "volume|newest|ending-soon")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := domain.Filter(*filter)
	switch f {
	case domain.FilterAll, domain.FilterOpen, domain.FilterAwaitingResolution, domain.FilterResolved:
	default:
		return fmt.Errorf("unknown filter %q: %w", *filter, errUsage)
	}
	o := domain.SortOrder(*order)
	switch o {
	case domain.SortVolume, domain.SortNewest, domain.SortEndingSoon:
	default:
		return fmt.Errorf("unknown sort %q: %w", *order, errUsage)
	}

	now := time.Now()
	a.report.PrintMarkets(a.ledger.ListMarkets(f, o, now), now)
	return nil
}

func (a *app) market(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("market <id>: %w", errUsage)
	}
	id, err := parseMarketID(args[0])
	if err != nil {
		return err
	}
	m, err := a.ledger.GetMarket(id)
	if err != nil {
		return err
	}
	positions, err := a.ledger.Positions(id)
	if err != nil {
		return err
	}
	a.report.PrintMarket(m, positions, time.Now())
	return nil
}

func (a *app) create(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("create <question> <deadline>: %w", errUsage)
	}
	who, err := a.requireActor()
	if err != nil {
		return err
	}
	deadline, err := parseDeadline(args[1], time.Now())
	if err != nil {
		return err
	}
	m, err := a.ledger.CreateMarket(ctx, args[0], deadline, who)
	if err != nil {
		return err
	}
	fmt.Printf("created market #%d, betting closes %s\n", m.ID, m.Deadline.Format(time.RFC3339))
	return nil
}

func (a *app) bet(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("bet <id> yes|no <amount>: %w", errUsage)
	}
	who, err := a.requireActor()
	if err != nil {
		return err
	}
	id, err := parseMarketID(args[0])
	if err != nil {
		return err
	}
	side, err := domain.ParseSide(args[1])
	if err != nil {
		return fmt.Errorf("%v: %w", err, errUsage)
	}
	amount, err := decimal.NewFromString(args[2])
	if err != nil {
		return fmt.Errorf("amount %q: %w", args[2], domain.ErrInvalidAmount)
	}

	r, err := a.ledger.PlaceBet(ctx, id, who, side, amount)
	if err != nil {
		return err
	}
	fmt.Printf("bet %s ETH on %s in market #%d at odds %sx (potential %s ETH)\n",
		amount, side, id, r.QuotedOdds.StringFixed(2), r.Potential.StringFixed(4))
	fmt.Printf("pools now YES %s / NO %s\n", r.YesPool, r.NoPool)
	return nil
}

func (a *app) resolve(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("resolve <id> yes|no: %w", errUsage)
	}
	who, err := a.requireActor()
	if err != nil {
		return err
	}
	id, err := parseMarketID(args[0])
	if err != nil {
		return err
	}
	side, err := domain.ParseSide(args[1])
	if err != nil {
		return fmt.Errorf("%v: %w", err, errUsage)
	}
	m, err := a.ledger.ResolveMarket(ctx, id, side.Choice(), who)
	if err != nil {
		return err
	}
	fmt.Printf("market #%d resolved %s\n", m.ID, m.Outcome)
	return nil
}

func (a *app) claimable(ctx context.Context, args []string) error {
	who, err := a.requireActor()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		items, err := a.settle.ClaimableAll(ctx, who)
		if err != nil {
			return err
		}
		a.report.PrintClaimables(items)
		return nil
	}
	id, err := parseMarketID(args[0])
	if err != nil {
		return err
	}
	c, err := a.settle.Claimable(ctx, id, who)
	if err != nil {
		return err
	}
	a.report.PrintClaimables([]domain.Claimable{c})

	if a.chain != nil && !a.store.Degraded() {
		ok, amount, err := a.chain.Claimable(ctx, id, c.Bettor)
		if err != nil {
			slog.Warn("on-chain claim check failed", "market", id, "err", err)
			return nil
		}
		fmt.Printf("contract view: eligible %t, amount %s ETH\n", ok, amount)
		if ok != c.Eligible || !amount.Equal(c.Amount) {
			slog.Warn("ledger and contract disagree on claim", "market", id,
				"ledger_amount", c.Amount.String(), "contract_amount", amount.String())
		}
	}
	return nil
}

func (a *app) claim(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("claim <id>: %w", errUsage)
	}
	who, err := a.requireActor()
	if err != nil {
		return err
	}
	id, err := parseMarketID(args[0])
	if err != nil {
		return err
	}
	amount, err := a.settle.Claim(ctx, id, who)
	if err != nil {
		return err
	}
	if a.store.Degraded() {
		fmt.Printf("claim of %s ETH from market #%d recorded locally, not yet confirmed by %s: run reconcile\n",
			amount, id, a.primaryName)
		return nil
	}
	fmt.Printf("claimed %s ETH from market #%d\n", amount, id)
	return nil
}

func (a *app) claimAll(ctx context.Context) error {
	who, err := a.requireActor()
	if err != nil {
		return err
	}
	a.report.PrintClaims(a.settle.ClaimBatch(ctx, who, nil))
	if a.store.Degraded() {
		slog.Warn("claims recorded locally only, run reconcile to settle them", "primary", a.primaryName)
	}
	return nil
}

func (a *app) reconcile(ctx context.Context) error {
	report, err := a.store.Reconcile(ctx)
	a.report.PrintReconcile(report)
	return err
}

// watch reconciles on a ticker and serves metrics until ctx is cancelled.
func (a *app) watch(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srv := metrics.Serve(addr, a.registry, func(context.Context) error {
			if a.store.Degraded() {
				return fmt.Errorf("degraded: %s unavailable or journal pending", a.primaryName)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.ReconcileInterval())
		defer ticker.Stop()

		slog.Info("watch: started", "interval", a.cfg.ReconcileInterval(), "primary", a.primaryName)
		for {
			a.reconcileOnce(gctx)
			select {
			case <-gctx.Done():
				slog.Info("watch: stopped")
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

func (a *app) reconcileOnce(ctx context.Context) {
	report, err := a.store.Reconcile(ctx)
	if err != nil {
		slog.Warn("watch: reconcile failed", "err", err, "remaining", report.Remaining)
		return
	}
	if report.Replayed+report.Confirmed+report.Dropped+report.Adopted > 0 || len(report.Conflicts) > 0 {
		a.report.PrintReconcile(report)
	}
	if err := a.ledger.Load(ctx); err != nil {
		slog.Warn("watch: reload failed", "err", err)
		return
	}
	s := a.ledger.Stats(time.Now())
	slog.Debug("watch: ledger refreshed", "markets", s.TotalMarkets, "active", s.ActiveMarkets, "volume", s.TotalVolume.String())
}

func parseMarketID(s string) (domain.MarketID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("market id %q: %w", s, domain.ErrMarketNotFound)
	}
	return domain.MarketID(n), nil
}

// parseDeadline accepts unix seconds, RFC3339, or a duration from now.
func parseDeadline(s string, now time.Time) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("deadline %q: %w", s, domain.ErrInvalidDeadline)
}
