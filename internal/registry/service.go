package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/phraseclaim/internal/metrics"
	"github.com/mbd888/phraseclaim/internal/syncutil"
	"github.com/mbd888/phraseclaim/internal/traces"
)

// adminLockName serializes admin rotation against itself.
const adminLockName = "registry:admin"

// Locker gives a single writer per name at a time.
type Locker interface {
	LockContext(ctx context.Context, name string) (func(), error)
}

// Service implements the ownership-transfer state machine.
type Service struct {
	store     Store
	authority *Authority
	tokens    *Tokens
	policy    Policy
	locks     Locker
	clock     Clock
	notifiers []Notifier
	logger    *slog.Logger
}

// NewService creates a new registry service.
func NewService(store Store, policy Policy) *Service {
	if policy.Mode == "" {
		policy.Mode = ModeAdmin
	}
	return &Service{
		store:     store,
		authority: NewAuthority(store),
		tokens:    NewTokens(store),
		policy:    policy,
		locks:     syncutil.NewContextShardedMutex(),
		clock:     SystemClock,
		logger:    slog.Default(),
	}
}

// WithLocker replaces the in-process per-key lock, e.g. with a Redis lock
// shared by every replica.
func (s *Service) WithLocker(l Locker) *Service {
	s.locks = l
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(c Clock) *Service {
	s.clock = c
	return s
}

// WithNotifier adds a sink for committed events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifiers = append(s.notifiers, n)
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Policy returns the enforced policy.
func (s *Service) Policy() Policy { return s.policy }

// Authority returns the admin authority.
func (s *Service) Authority() *Authority { return s.authority }

// Tokens returns the claim token registry.
func (s *Service) Tokens() *Tokens { return s.tokens }

// -----------------------------------------------------------------------------
// Admin
// -----------------------------------------------------------------------------

// ChangeAdmin hands the admin role to newAdmin.
func (s *Service) ChangeAdmin(ctx context.Context, caller, newAdmin common.Address) (err error) {
	ctx, span := s.start(ctx, "ChangeAdmin", common.Hash{}, caller)
	defer func() { s.finish(span, "change_admin", err) }()

	unlock, err := s.locks.LockContext(ctx, adminLockName)
	if err != nil {
		return err
	}
	defer unlock()

	old, err := s.authority.Require(ctx, caller)
	if err != nil {
		return err
	}
	if newAdmin == (common.Address{}) {
		return fmt.Errorf("%w: new admin must not be the zero address", ErrInvalidArgument)
	}

	event := newEvent(EventAdminChanged, common.Hash{}, old, newAdmin, s.now(), nil)
	if err := s.store.SwapAdmin(ctx, old, newAdmin, &event); err != nil {
		return err
	}
	s.notify(ctx, event)
	s.logger.Info("admin changed", "old", old.Hex(), "new", newAdmin.Hex())
	return nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Create provisions a new item owned by the admin.
func (s *Service) Create(ctx context.Context, caller common.Address, req CreateRequest) (item *Item, err error) {
	ctx, span := s.start(ctx, "Create", req.Key, caller)
	defer func() { s.finish(span, "create", err) }()

	admin, err := s.authority.Require(ctx, caller)
	if err != nil {
		return nil, err
	}
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	item = &Item{
		Key:        req.Key,
		Owner:      admin,
		Status:     StatusCreated,
		Delay:      req.Delay,
		Period:     req.Period,
		ClaimToken: req.ClaimToken,
		Payload:    req.Payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	event := newEvent(EventItemAdded, item.Key, common.Address{}, admin, now, map[string]string{
		"claimToken": item.ClaimToken.Hex(),
		"delay":      seconds(item.Delay),
		"period":     seconds(item.Period),
	})
	if err := s.commit(ctx, &Change{Kind: ChangeInsert, Item: item, Bind: req.ClaimToken, Admin: admin, Events: []Event{event}}); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	if req.Key == (common.Hash{}) {
		return fmt.Errorf("%w: zero item key", ErrInvalidArgument)
	}
	if max := s.policy.maxPayload(); max >= 0 && len(req.Payload) > max {
		return fmt.Errorf("%w: payload is %d bytes, limit is %d", ErrInvalidArgument, len(req.Payload), max)
	}
	if err := checkDuration("delay", req.Delay); err != nil {
		return err
	}
	if err := checkDuration("period", req.Period); err != nil {
		return err
	}
	if s.policy.RequireClaimToken && req.ClaimToken == (common.Hash{}) {
		return fmt.Errorf("%w: claim token is required", ErrInvalidArgument)
	}
	return nil
}

// ArmConfirmation opens the confirmation window of a created item.
func (s *Service) ArmConfirmation(ctx context.Context, caller common.Address, key common.Hash, req ArmRequest) (item *Item, err error) {
	ctx, span := s.start(ctx, "ArmConfirmation", key, caller)
	defer func() { s.finish(span, "arm", err) }()

	var admin common.Address
	if s.policy.Mode == ModeAdmin {
		if admin, err = s.authority.Require(ctx, caller); err != nil {
			return nil, err
		}
	}

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	item, err = s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	switch s.policy.Mode {
	case ModeOwner:
		if caller != item.Owner {
			return nil, ErrUnauthorized
		}
		if req.Delay != nil || req.Period != nil {
			return nil, fmt.Errorf("%w: window durations are set by the admin", ErrInvalidArgument)
		}
	default:
		if req.Delay != nil {
			if err := checkDuration("delay", *req.Delay); err != nil {
				return nil, err
			}
			item.Delay = *req.Delay
		}
		if req.Period != nil {
			if err := checkDuration("period", *req.Period); err != nil {
				return nil, err
			}
			item.Period = *req.Period
		}
	}

	if item.Status != StatusCreated {
		return nil, fmt.Errorf("%w: item is %s", ErrInvalidState, item.Status)
	}
	if s.policy.Mode == ModeOwner && (item.Delay == 0 || item.EffectivePeriod(s.policy.DefaultPeriod) == 0) {
		return nil, fmt.Errorf("%w: delay and period must be configured before arming", ErrPreconditionFailed)
	}

	now := s.now()
	item.Status = StatusConfirmationAwaiting
	item.Window = &Window{StartedAt: now}
	item.UpdatedAt = now

	event := newEvent(EventConfirmationStarted, key, item.Owner, common.Address{}, now, map[string]string{
		"startedAt": strconv.FormatInt(now.Unix(), 10),
		"delay":     seconds(item.Delay),
		"period":    seconds(item.EffectivePeriod(s.policy.DefaultPeriod)),
	})
	if err := s.commit(ctx, &Change{Kind: ChangeUpdate, Item: item, Admin: admin, Events: []Event{event}}); err != nil {
		return nil, err
	}
	return item, nil
}

// Finalize completes a pending confirmation and hands the item to newOwner.
func (s *Service) Finalize(ctx context.Context, caller common.Address, key common.Hash, newOwner common.Address) (item *Item, err error) {
	ctx, span := s.start(ctx, "Finalize", key, caller)
	defer func() { s.finish(span, "finalize", err) }()

	admin, err := s.precheckFinalize(ctx, caller, newOwner)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	item, err = s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.finalizeLocked(ctx, caller, admin, item, newOwner)
}

// FinalizeByToken finalizes the item a claim token is bound to. The token's
// binding and the item's current token must both point at key.
func (s *Service) FinalizeByToken(ctx context.Context, caller common.Address, token, key common.Hash, newOwner common.Address) (item *Item, err error) {
	ctx, span := s.start(ctx, "FinalizeByToken", key, caller)
	defer func() { s.finish(span, "finalize_by_token", err) }()

	if token == (common.Hash{}) {
		return nil, fmt.Errorf("%w: zero claim token", ErrInvalidArgument)
	}
	admin, err := s.precheckFinalize(ctx, caller, newOwner)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bound, err := s.tokens.Item(ctx, token)
	if err != nil {
		return nil, err
	}
	if bound != key {
		return nil, fmt.Errorf("%w: claim token is bound to a different item", ErrInvalidArgument)
	}
	item, err = s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if item.ClaimToken != token {
		return nil, fmt.Errorf("%w: claim token is no longer attached to the item", ErrInvalidArgument)
	}
	return s.finalizeLocked(ctx, caller, admin, item, newOwner)
}

// precheckFinalize returns the admin the commit must still see in admin
// mode, and the zero address in owner mode.
func (s *Service) precheckFinalize(ctx context.Context, caller, newOwner common.Address) (common.Address, error) {
	trace.SpanFromContext(ctx).SetAttributes(traces.NewOwner(newOwner))
	var admin common.Address
	if s.policy.Mode == ModeAdmin {
		var err error
		if admin, err = s.authority.Require(ctx, caller); err != nil {
			return common.Address{}, err
		}
	}
	if newOwner == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: new owner must not be the zero address", ErrInvalidArgument)
	}
	return admin, nil
}

func (s *Service) finalizeLocked(ctx context.Context, caller, admin common.Address, item *Item, newOwner common.Address) (*Item, error) {
	if s.policy.Mode == ModeOwner && caller != item.Owner {
		return nil, ErrUnauthorized
	}
	if item.Status != StatusConfirmationAwaiting {
		return nil, fmt.Errorf("%w: item is %s", ErrInvalidState, item.Status)
	}
	if item.Window == nil || item.Window.StartedAt.IsZero() {
		return nil, ErrNotStarted
	}

	now := s.now()
	if now.Before(item.DelayEnd()) {
		return nil, fmt.Errorf("%w: finalize allowed from %s", ErrTooEarly, item.DelayEnd().UTC().Format(time.RFC3339))
	}
	if item.Lapsed(now, s.policy.DefaultPeriod) {
		return nil, ErrExpired
	}

	startedAt := item.Window.StartedAt
	old := item.Owner
	item.Status = StatusConfirmed
	item.Owner = newOwner
	item.Delay = 0
	item.Period = 0
	item.Window = nil
	item.ClaimToken = common.Hash{}
	item.UpdatedAt = now

	event := newEvent(EventOwnershipConfirmed, item.Key, old, newOwner, now, nil)
	if err := s.commit(ctx, &Change{Kind: ChangeUpdate, Item: item, Admin: admin, Events: []Event{event}}); err != nil {
		return nil, err
	}
	metrics.ConfirmationLatency.Observe(now.Sub(startedAt).Seconds())
	return item, nil
}

// TransferImmediate lets the current owner hand the item to newOwner in any
// status. A pending confirmation window stays armed.
func (s *Service) TransferImmediate(ctx context.Context, caller common.Address, key common.Hash, newOwner common.Address) (item *Item, err error) {
	ctx, span := s.start(ctx, "TransferImmediate", key, caller)
	defer func() { s.finish(span, "transfer", err) }()

	if newOwner == (common.Address{}) {
		return nil, fmt.Errorf("%w: new owner must not be the zero address", ErrInvalidArgument)
	}

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	item, err = s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if caller != item.Owner {
		return nil, ErrUnauthorized
	}

	now := s.now()
	old := item.Owner
	item.Owner = newOwner
	item.UpdatedAt = now

	event := newEvent(EventOwnershipTransferred, key, old, newOwner, now, nil)
	if err := s.commit(ctx, &Change{Kind: ChangeUpdate, Item: item, Events: []Event{event}}); err != nil {
		return nil, err
	}
	return item, nil
}

// Revoke cancels a pending confirmation and attaches a fresh claim token.
func (s *Service) Revoke(ctx context.Context, caller common.Address, key, newToken common.Hash) (item *Item, err error) {
	ctx, span := s.start(ctx, "Revoke", key, caller)
	defer func() { s.finish(span, "revoke", err) }()

	admin, err := s.authority.Require(ctx, caller)
	if err != nil {
		return nil, err
	}
	if newToken == (common.Hash{}) {
		return nil, fmt.Errorf("%w: zero claim token", ErrInvalidArgument)
	}

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	item, err = s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusConfirmationAwaiting {
		return nil, fmt.Errorf("%w: item is %s", ErrInvalidState, item.Status)
	}

	now := s.now()
	item.Status = StatusCreated
	item.Delay = 0
	item.Window = nil
	item.ClaimToken = newToken
	item.UpdatedAt = now

	event := newEvent(EventConfirmationRevoked, key, item.Owner, common.Address{}, now, map[string]string{
		"claimToken": newToken.Hex(),
	})
	if err := s.commit(ctx, &Change{Kind: ChangeUpdate, Item: item, Bind: newToken, Admin: admin, Events: []Event{event}}); err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes an item the admin still holds.
func (s *Service) Delete(ctx context.Context, caller common.Address, key common.Hash) (err error) {
	ctx, span := s.start(ctx, "Delete", key, caller)
	defer func() { s.finish(span, "delete", err) }()

	admin, err := s.authority.Require(ctx, caller)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	item, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if item.Owner != admin {
		return ErrForbidden
	}

	event := newEvent(EventItemDeleted, key, item.Owner, common.Address{}, s.now(), nil)
	return s.commit(ctx, &Change{Kind: ChangeDelete, Key: key, Admin: admin, Events: []Event{event}})
}

// Reassign is the admin override: it hands the item to newOwner, drops any
// pending confirmation and installs a new delay and period.
func (s *Service) Reassign(ctx context.Context, caller common.Address, key common.Hash, newOwner common.Address, delay, period time.Duration) (item *Item, err error) {
	ctx, span := s.start(ctx, "Reassign", key, caller)
	defer func() { s.finish(span, "reassign", err) }()

	admin, err := s.authority.Require(ctx, caller)
	if err != nil {
		return nil, err
	}
	if newOwner == (common.Address{}) {
		return nil, fmt.Errorf("%w: new owner must not be the zero address", ErrInvalidArgument)
	}
	if err := checkDuration("delay", delay); err != nil {
		return nil, err
	}
	if err := checkDuration("period", period); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	item, err = s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.now()
	old := item.Owner
	item.Owner = newOwner
	item.Status = StatusCreated
	item.Window = nil
	item.Delay = delay
	item.Period = period
	item.UpdatedAt = now

	events := []Event{
		newEvent(EventOwnershipReassigned, key, old, newOwner, now, map[string]string{
			"delay":  seconds(delay),
			"period": seconds(period),
		}),
		newEvent(EventOwnershipTransferred, key, old, newOwner, now, nil),
	}
	if err := s.commit(ctx, &Change{Kind: ChangeUpdate, Item: item, Admin: admin, Events: events}); err != nil {
		return nil, err
	}
	return item, nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get returns the full item record.
func (s *Service) Get(ctx context.Context, key common.Hash) (*Item, error) {
	return s.store.Get(ctx, key)
}

// GetInfo returns the read view of an item.
func (s *Service) GetInfo(ctx context.Context, key common.Hash) (*Info, error) {
	item, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return InfoOf(item), nil
}

// Exists reports whether key is currently provisioned.
func (s *Service) Exists(ctx context.Context, key common.Hash) (bool, error) {
	return s.store.Exists(ctx, key)
}

// TokenUsed reports whether a claim token has been bound.
func (s *Service) TokenUsed(ctx context.Context, token common.Hash) (bool, error) {
	return s.tokens.Used(ctx, token)
}

// TokenItem returns the key a claim token is bound to.
func (s *Service) TokenItem(ctx context.Context, token common.Hash) (common.Hash, error) {
	return s.tokens.Item(ctx, token)
}

// Events returns the journal of an item, newest first.
func (s *Service) Events(ctx context.Context, key common.Hash, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Events(ctx, key, limit)
}

// Admin returns the current admin.
func (s *Service) Admin(ctx context.Context) (common.Address, error) {
	return s.authority.Admin(ctx)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// now is the single time reading of a call. Stores keep whole seconds, so
// it is truncated to make every store agree on window boundaries.
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}

// checkDuration rejects negative and sub-second window durations.
func checkDuration(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative %s", ErrInvalidArgument, name)
	}
	if d%time.Second != 0 {
		return fmt.Errorf("%w: %s must be whole seconds", ErrInvalidArgument, name)
	}
	return nil
}

func (s *Service) lock(ctx context.Context, key common.Hash) (func(), error) {
	return s.locks.LockContext(ctx, "registry:item:"+key.Hex())
}

// commit applies change and, once it is durable, fans its events out.
func (s *Service) commit(ctx context.Context, change *Change) error {
	if err := s.store.Commit(ctx, change); err != nil {
		return err
	}
	for _, e := range change.Events {
		s.notify(ctx, e)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, e Event) {
	for _, n := range s.notifiers {
		n.Notify(ctx, e)
	}
}

func (s *Service) start(ctx context.Context, op string, key common.Hash, caller common.Address) (context.Context, trace.Span) {
	return traces.StartOperation(ctx, op, key, caller)
}

func (s *Service) finish(span trace.Span, op string, err error) {
	code := Code(err)
	metrics.RegistryOperationsTotal.WithLabelValues(op, code).Inc()
	if code == "internal_error" {
		s.logger.Error("registry operation failed", "op", op, "error", err)
	}
	traces.EndOperation(span, code, err)
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
