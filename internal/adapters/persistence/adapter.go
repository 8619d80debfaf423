package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/predictledger/internal/domain"
	"github.com/alejandrodnm/predictledger/internal/ports"
)

const defaultPrimaryTimeout = 90 * time.Second

// Config tunes the adapter.
type Config struct {
	// PrimaryTimeout bounds every call to the primary backend. When it
	// expires the call falls back instead of retrying.
	PrimaryTimeout time.Duration
	Recorder       ports.Recorder
}

// broadcastError is implemented by primary errors for operations that were
// sent but not confirmed.
type broadcastError interface {
	TxHash() string
}

// Adapter commits through a primary backend and falls back to a local store
// when the primary is unavailable. While degraded, every commit goes to the
// fallback journal so the primary later sees mutations in their original order.
type Adapter struct {
	primary  ports.LedgerBackend
	fallback ports.FallbackStore
	cfg      Config

	mu       sync.RWMutex // Commit holds it shared, Reconcile exclusively
	degraded atomic.Bool
}

// New creates an adapter over the two backends.
func New(primary ports.LedgerBackend, fallback ports.FallbackStore, cfg Config) *Adapter {
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = defaultPrimaryTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = ports.NopRecorder{}
	}
	return &Adapter{primary: primary, fallback: fallback, cfg: cfg}
}

// Degraded reports whether the fallback is currently authoritative.
func (a *Adapter) Degraded() bool { return a.degraded.Load() }

func (a *Adapter) setDegraded(on bool) {
	if a.degraded.Swap(on) != on {
		if on {
			slog.Warn("persistence: entering degraded mode", "primary", a.primary.Name(), "fallback", a.fallback.Name())
		} else {
			slog.Info("persistence: primary restored", "primary", a.primary.Name())
		}
	}
	a.cfg.Recorder.Degraded(on)
}

// Commit durably records m. Any primary failure, including an explicit
// rejection, falls back; a rejected entry is dropped at reconciliation. It
// returns ErrStorageUnavailable only when neither backend accepted it.
func (a *Adapter) Commit(ctx context.Context, m domain.Mutation) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var primaryErr error
	if !a.degraded.Load() {
		primaryErr = a.applyPrimary(ctx, m)
		if primaryErr == nil {
			if err := a.fallback.Apply(ctx, m); err != nil {
				slog.Warn("persistence: fallback mirror failed", "mutation", m.ID, "kind", m.Kind, "err", err)
			}
			return nil
		}

		var be broadcastError
		if errors.As(primaryErr, &be) {
			m.TxHash = be.TxHash()
		}
		if errors.Is(primaryErr, domain.ErrRecordConflict) {
			slog.Error("persistence: primary refused mutation, kept in journal until reconcile drops it",
				"mutation", m.ID, "kind", m.Kind, "market", m.Market.ID, "err", primaryErr)
			a.cfg.Recorder.MutationRejected(m.Kind, domain.KindState)
		}
		slog.Warn("persistence: primary failed, using fallback",
			"mutation", m.ID, "kind", m.Kind, "market", m.Market.ID, "tx", m.TxHash, "err", primaryErr)
		a.setDegraded(true)
	}

	if err := a.fallback.ApplyPending(ctx, m); err != nil {
		a.cfg.Recorder.StorageUnavailable("commit")
		slog.Error("persistence: both backends failed", "mutation", m.ID, "kind", m.Kind, "err", err)
		return fmt.Errorf("persistence.Commit: %w", errors.Join(domain.ErrStorageUnavailable, primaryErr, err))
	}
	a.cfg.Recorder.FallbackUsed("commit")
	return nil
}

// Load returns the ledger state. When both backends answer, aggregates are
// merged by logical version; when only one answers it is used alone.
func (a *Adapter) Load(ctx context.Context) (domain.LedgerState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	pstate, perr := a.loadPrimary(ctx)
	fstate, ferr := a.fallback.Load(ctx)

	switch {
	case perr != nil && ferr != nil:
		a.cfg.Recorder.StorageUnavailable("load")
		return domain.LedgerState{}, fmt.Errorf("persistence.Load: %w", errors.Join(domain.ErrStorageUnavailable, perr, ferr))
	case perr != nil:
		slog.Warn("persistence: primary load failed, using fallback", "err", perr)
		a.cfg.Recorder.FallbackUsed("load")
		a.setDegraded(true)
		return fstate, nil
	case ferr != nil:
		slog.Warn("persistence: fallback load failed, using primary only", "err", ferr)
		return pstate, nil
	}

	if pending, err := a.fallback.Pending(ctx); err == nil && len(pending) > 0 {
		slog.Warn("persistence: fallback journal not yet replayed", "pending", len(pending))
		a.setDegraded(true)
	}

	merged, res := merge(pstate, fstate, a.primary.Name(), nil)
	for _, c := range res.conflicts {
		slog.Warn("persistence: diverging aggregate, keeping primary copy",
			"market", c.MarketID, "primary_version", c.PrimaryVersion, "fallback_version", c.FallbackVersion)
	}
	return merged, nil
}

// Reconcile replays the fallback journal into the primary, then aligns the
// fallback with the newest copy of every aggregate. It requires the primary
// to be reachable; on failure the adapter stays degraded.
func (a *Adapter) Reconcile(ctx context.Context) (domain.ReconcileReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var report domain.ReconcileReport
	rejected := make(map[domain.MarketID]bool)

	pending, err := a.fallback.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("persistence.Reconcile: read journal: %w", err)
	}

	for i, m := range pending {
		done, err := a.replay(ctx, m, &report, rejected)
		if err != nil {
			report.Remaining = len(pending) - i
			a.setDegraded(true)
			return report, fmt.Errorf("persistence.Reconcile: replay %s: %w", m.ID, err)
		}
		if !done {
			report.Remaining = len(pending) - i
			a.setDegraded(true)
			slog.Info("persistence: replay paused on unconfirmed transaction", "mutation", m.ID, "tx", m.TxHash)
			return report, nil
		}
	}

	pstate, err := a.loadPrimary(ctx)
	if err != nil {
		a.setDegraded(true)
		return report, fmt.Errorf("persistence.Reconcile: load primary: %w", err)
	}
	fstate, err := a.fallback.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("persistence.Reconcile: load fallback: %w", err)
	}

	merged, res := merge(pstate, fstate, a.primary.Name(), rejected)
	report.Adopted = res.adopted
	report.Refreshed = res.refreshed
	report.Conflicts = append(report.Conflicts, res.conflicts...)

	if err := a.fallback.Replace(ctx, merged); err != nil {
		return report, fmt.Errorf("persistence.Reconcile: rewrite fallback: %w", err)
	}

	a.setDegraded(false)
	report.Finished = time.Now().UTC()
	slog.Info("persistence: reconciled",
		"replayed", report.Replayed, "confirmed", report.Confirmed, "dropped", report.Dropped,
		"adopted", report.Adopted, "refreshed", report.Refreshed, "conflicts", len(report.Conflicts))
	return report, nil
}

// replay pushes one journal entry to the primary. done is false when the
// entry must wait for a broadcast transaction to settle.
func (a *Adapter) replay(ctx context.Context, m domain.Mutation, report *domain.ReconcileReport, rejected map[domain.MarketID]bool) (done bool, err error) {
	if m.TxHash != "" {
		if c, ok := a.primary.(ports.TxConfirmer); ok {
			cctx, cancel := context.WithTimeout(ctx, a.cfg.PrimaryTimeout)
			status, err := c.Confirm(cctx, m.TxHash)
			cancel()
			if err != nil {
				return false, fmt.Errorf("confirm %s: %w", m.TxHash, err)
			}
			switch status {
			case domain.TxConfirmed:
				report.Confirmed++
				return true, a.fallback.Ack(ctx, m.ID)
			case domain.TxUnknown:
				return false, nil
			}
			// reverted: the operation never happened, replay it
			m.TxHash = ""
		}
	}

	if rejected[m.Market.ID] {
		// An earlier entry for this market was refused, so this one was
		// computed from state the primary never held.
		report.Dropped++
		report.Conflicts = append(report.Conflicts, domain.ReconcileConflict{
			MarketID:        m.Market.ID,
			FallbackVersion: m.Market.Version,
			Chosen:          a.primary.Name(),
			Reason:          fmt.Sprintf("%s depends on an entry rejected by primary", m.Kind),
		})
		slog.Error("persistence: journal entry dropped after earlier rejection", "mutation", m.ID, "kind", m.Kind, "market", m.Market.ID)
		a.cfg.Recorder.MutationRejected(m.Kind, domain.KindState)
		return true, a.fallback.Ack(ctx, m.ID)
	}

	err = a.applyPrimary(ctx, m)
	switch {
	case err == nil:
		report.Replayed++
		return true, a.fallback.Ack(ctx, m.ID)
	case errors.Is(err, domain.ErrRecordConflict):
		report.Dropped++
		rejected[m.Market.ID] = true
		report.Conflicts = append(report.Conflicts, domain.ReconcileConflict{
			MarketID:        m.Market.ID,
			FallbackVersion: m.Market.Version,
			Chosen:          a.primary.Name(),
			Reason:          fmt.Sprintf("%s rejected by primary: %v", m.Kind, err),
		})
		slog.Error("persistence: journal entry rejected by primary", "mutation", m.ID, "kind", m.Kind, "err", err)
		a.cfg.Recorder.MutationRejected(m.Kind, domain.KindState)
		return true, a.fallback.Ack(ctx, m.ID)
	}

	var be broadcastError
	if errors.As(err, &be) {
		if merr := a.fallback.MarkBroadcast(ctx, m.ID, be.TxHash()); merr != nil {
			return false, errors.Join(err, merr)
		}
		return false, nil
	}
	return false, err
}

func (a *Adapter) applyPrimary(ctx context.Context, m domain.Mutation) error {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.PrimaryTimeout)
	defer cancel()
	return a.primary.Apply(pctx, m)
}

func (a *Adapter) loadPrimary(ctx context.Context) (domain.LedgerState, error) {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.PrimaryTimeout)
	defer cancel()
	return a.primary.Load(pctx)
}

// Close releases the fallback store.
func (a *Adapter) Close() error {
	return a.fallback.Close()
}
