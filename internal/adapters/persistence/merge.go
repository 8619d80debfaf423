package persistence

import (
	"sort"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

type mergeResult struct {
	adopted   int
	refreshed int
	conflicts []domain.ReconcileConflict
}

// merge picks, for every market aggregate, the copy with the higher logical
// version. Aggregates are taken whole: pools are never added across
// backends. Equal versions with different contents keep the primary copy
// and are reported. For markets in rejected the primary copy always wins,
// and a market only the fallback knows is discarded.
func merge(primary, fallback domain.LedgerState, primaryName string, rejected map[domain.MarketID]bool) (domain.LedgerState, mergeResult) {
	var res mergeResult

	fb := make(map[domain.MarketID]domain.Aggregate)
	for _, a := range fallback.Aggregates() {
		fb[a.Market.ID] = a
	}

	var out []domain.Aggregate
	for _, p := range primary.Aggregates() {
		f, ok := fb[p.Market.ID]
		delete(fb, p.Market.ID)
		switch {
		case !ok:
			res.refreshed++
			out = append(out, p)
		case rejected[p.Market.ID]:
			if !p.SameContent(f) {
				res.refreshed++
			}
			out = append(out, p)
		case f.Market.Version > p.Market.Version:
			res.adopted++
			out = append(out, f)
		case f.Market.Version < p.Market.Version:
			res.refreshed++
			out = append(out, p)
		default:
			if !p.SameContent(f) {
				res.conflicts = append(res.conflicts, domain.ReconcileConflict{
					MarketID:        p.Market.ID,
					PrimaryVersion:  p.Market.Version,
					FallbackVersion: f.Market.Version,
					Chosen:          primaryName,
					Reason:          "same version, different contents",
				})
			}
			out = append(out, p)
		}
	}

	// Aggregates only the fallback knows about.
	for _, f := range fallback.Aggregates() {
		if _, ok := fb[f.Market.ID]; ok && !rejected[f.Market.ID] {
			res.adopted++
			out = append(out, f)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Market.ID < out[j].Market.ID })
	return domain.StateFromAggregates(out), res
}
