package ledger

import (
	"sort"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// do runs fn once per key among concurrent callers. Every caller gets the
// same result; leader is true only for the caller whose fn actually ran.
func (l *Ledger) do(key string, fn func() (any, error)) (v any, leader bool, err error) {
	l.enter(key)
	defer l.leave(key)

	v, err, _ = l.flight.Do(key, func() (any, error) {
		leader = true
		return fn()
	})
	return v, leader, err
}

func (l *Ledger) enter(key string) {
	l.pendMu.Lock()
	defer l.pendMu.Unlock()
	if op, ok := l.pending[key]; ok {
		op.Waiters++
		return
	}
	l.pending[key] = &domain.PendingOp{Key: key, StartedAt: l.cfg.Now(), Waiters: 1}
}

func (l *Ledger) leave(key string) {
	l.pendMu.Lock()
	defer l.pendMu.Unlock()
	op, ok := l.pending[key]
	if !ok {
		return
	}
	op.Waiters--
	if op.Waiters <= 0 {
		delete(l.pending, key)
	}
}

// Pending lists operations currently in flight, oldest first.
func (l *Ledger) Pending() []domain.PendingOp {
	l.pendMu.Lock()
	out := make([]domain.PendingOp, 0, len(l.pending))
	for _, op := range l.pending {
		out = append(out, *op)
	}
	l.pendMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// IsPending reports whether an operation with key is in flight.
func (l *Ledger) IsPending(key string) bool {
	l.pendMu.Lock()
	defer l.pendMu.Unlock()
	_, ok := l.pending[key]
	return ok
}
