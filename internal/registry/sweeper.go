package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/phraseclaim/internal/metrics"
)

// Skip reasons reported in SweepOutcome.Reason.
const (
	SkipNotFound    = "not_found"
	SkipNotAwaiting = "not_awaiting"
	SkipNoWindow    = "no_window"
	SkipWindowOpen  = "window_open"
)

// SweepExpired reverts every listed item whose confirmation window has lapsed
// back to the admin. Keys that are missing or still inside their window are
// skipped. One failing key never aborts the rest of the batch.
//
// Unless the policy allows open sweeps, only the admin may call it.
func (s *Service) SweepExpired(ctx context.Context, caller common.Address, keys []common.Hash) (outcomes []SweepOutcome, err error) {
	ctx, span := s.start(ctx, "SweepExpired", common.Hash{}, caller)
	defer func() { s.finish(span, "sweep", err) }()

	if !s.policy.OpenSweep {
		if _, err := s.authority.Require(ctx, caller); err != nil {
			return nil, err
		}
	}
	return s.Reconcile(ctx, keys), nil
}

// Reconcile is the unauthenticated core of SweepExpired, used by the
// background Timer.
func (s *Service) Reconcile(ctx context.Context, keys []common.Hash) []SweepOutcome {
	now := s.now()
	outcomes := make([]SweepOutcome, 0, len(keys))
	for _, key := range keys {
		out := s.sweepOne(ctx, key, now)
		metrics.SweepOutcomesTotal.WithLabelValues(string(out.Result)).Inc()
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (s *Service) sweepOne(ctx context.Context, key common.Hash, now time.Time) SweepOutcome {
	out := SweepOutcome{Key: key}

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return failed(out, err)
	}
	defer unlock()

	item, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		out.Result, out.Reason = SweepSkipped, SkipNotFound
		return out
	}
	if err != nil {
		return failed(out, err)
	}

	switch {
	case item.Status != StatusConfirmationAwaiting:
		out.Result, out.Reason = SweepSkipped, SkipNotAwaiting
		return out
	case item.Window == nil || item.Window.StartedAt.IsZero():
		out.Result, out.Reason = SweepSkipped, SkipNoWindow
		return out
	case !item.Lapsed(now, s.policy.DefaultPeriod):
		out.Result, out.Reason = SweepSkipped, SkipWindowOpen
		return out
	}

	admin, err := s.authority.Admin(ctx)
	if err != nil {
		return failed(out, err)
	}
	if admin == (common.Address{}) {
		return failed(out, errors.New("no admin installed"))
	}

	old := item.Owner
	item.Owner = admin
	item.Status = StatusCreated
	item.Window = nil
	item.UpdatedAt = now

	events := []Event{
		newEvent(EventItemRevertedToAdmin, key, old, admin, now, nil),
		newEvent(EventOwnershipTransferred, key, old, admin, now, nil),
	}
	if err := s.commit(ctx, &Change{Kind: ChangeUpdate, Item: item, Admin: admin, Events: events}); err != nil {
		return failed(out, err)
	}

	s.logger.Info("confirmation window lapsed, item reverted to admin",
		"key", key.Hex(), "previousOwner", old.Hex(), "admin", admin.Hex())
	out.Result = SweepReverted
	return out
}

func failed(out SweepOutcome, err error) SweepOutcome {
	out.Result = SweepFailed
	out.Reason = err.Error()
	return out
}
