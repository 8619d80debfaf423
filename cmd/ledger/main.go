package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alejandrodnm/predictledger/config"
	"github.com/alejandrodnm/predictledger/internal/adapters/memory"
	"github.com/alejandrodnm/predictledger/internal/adapters/metrics"
	"github.com/alejandrodnm/predictledger/internal/adapters/notify"
	"github.com/alejandrodnm/predictledger/internal/adapters/onchain"
	"github.com/alejandrodnm/predictledger/internal/adapters/persistence"
	"github.com/alejandrodnm/predictledger/internal/adapters/storage"
	"github.com/alejandrodnm/predictledger/internal/application/ledger"
	"github.com/alejandrodnm/predictledger/internal/application/settlement"
	"github.com/alejandrodnm/predictledger/internal/domain"
	"github.com/alejandrodnm/predictledger/internal/ports"
)

const usage = `usage: predictledger [flags] <command> [args]

commands:
  markets [-filter all|open|awaiting|resolved] [-sort volume|newest|ending-soon]
  market <id>
  create <question> <deadline>     deadline: unix seconds, RFC3339 or a duration like 48h
  bet <id> yes|no <amount>
  resolve <id> yes|no
  claimable [id]
  claim <id>
  claim-all
  stats
  reconcile
  watch                            reconcile periodically and serve /metrics

flags:
`

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full tables (default: compact 1-line)")
	dryRun := flag.Bool("dry-run", false, "in-process primary and in-memory fallback, nothing is persisted")
	as := flag.String("as", "", "acting identity (default: first signer address)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *dryRun {
		cfg.Persistence.PrimaryEnabled = false
		cfg.Storage.DSN = ":memory:"
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, *table, *as)
	if err != nil {
		slog.Error("failed to start", "err", err)
		os.Exit(1)
	}
	defer a.close()

	slog.Debug("predictledger starting",
		"config", *configPath,
		"primary", a.primaryName,
		"dsn", cfg.Storage.DSN,
		"dry_run", *dryRun,
		"as", a.actor,
	)

	if err := a.ledger.Load(ctx); err != nil {
		slog.Error("failed to load ledger", "err", err)
		os.Exit(1)
	}
	if a.store.Degraded() {
		slog.Warn("running degraded: primary unreachable or journal not replayed, run reconcile")
	}

	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		slog.Error("command failed", "command", flag.Arg(0), "err", err, "kind", domain.KindOf(err))
		a.close()
		os.Exit(1)
	}
}

// app holds the wired components for one invocation.
type app struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	settle   *settlement.Engine
	store    *persistence.Adapter
	report   ports.Reporter
	registry *prometheus.Registry
	chain    *onchain.ContractBackend // nil without the on-chain primary

	primaryName string
	actor       string
	closers     []func()
	closed      bool
}

func newApp(cfg *config.Config, table bool, as string) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}

	rec, err := metrics.NewRecorder(a.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var primary ports.LedgerBackend
	if cfg.Persistence.PrimaryEnabled {
		signer, err := onchain.NewKeyringSigner(cfg.Chain.SignerKeys...)
		if err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
		if addrs := signer.Addresses(); len(addrs) > 0 && as == "" {
			as = addrs[0].Hex()
		}
		backend, err := onchain.Dial(onchain.Config{
			RPCURL:            cfg.Chain.RPCURL,
			Contract:          cfg.Chain.ContractAddress,
			ChainID:           cfg.Chain.ChainID,
			StartBlock:        cfg.Chain.StartBlock,
			LogChunk:          cfg.Chain.LogChunk,
			ReceiptTimeout:    cfg.ReceiptTimeout(),
			RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		}, signer)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, backend.Close)
		a.chain = backend
		primary = backend
	} else {
		primary = memory.New("memory")
	}
	a.primaryName = primary.Name()

	fallback, err := storage.NewLedgerStore(cfg.Storage.DSN)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = persistence.New(primary, fallback, persistence.Config{
		PrimaryTimeout: cfg.PrimaryTimeout(),
		Recorder:       rec,
	})
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			slog.Warn("failed to close storage", "err", err)
		}
	})

	var resolver domain.Identity
	if cfg.Ledger.ResolverAddress != "" {
		resolver, err = domain.ParseIdentity(cfg.Ledger.ResolverAddress)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("resolver address: %w", err)
		}
	}
	if as == "" {
		as = string(resolver)
	}
	a.actor = as

	lcfg := ledger.Config{Resolver: resolver, Recorder: rec}
	if a.chain != nil {
		lcfg.CheckIdentity = onchain.CheckIdentity
	}
	a.ledger = ledger.New(a.store, lcfg)
	a.settle = settlement.New(a.ledger, settlement.Config{BatchWorkers: cfg.Settlement.BatchWorkers})
	a.report = notify.NewConsole(table)
	return a, nil
}

// close runs in reverse order of acquisition; it is safe to call twice.
func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) requireActor() (string, error) {
	if strings.TrimSpace(a.actor) == "" {
		return "", fmt.Errorf("no acting identity: pass -as or configure SIGNER_KEYS: %w", domain.ErrInvalidIdentity)
	}
	return a.actor, nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Command output goes to stdout, logs to stderr.
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
