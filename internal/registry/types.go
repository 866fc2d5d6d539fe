// Package registry holds claimable items whose ownership moves through a
// two-phase, time-gated confirmation protocol.
//
// Lifecycle:
//  1. Admin creates an item → owner is the admin, status created
//  2. Confirmation is armed → status confirmation_awaiting, window opens
//  3. Finalize inside [start+delay, start+delay+period] → status confirmed
//  4. Window lapses unfinalized → sweep reverts the item to the admin
//
// The current owner may hand the item to someone else at any time.
package registry

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status represents the lifecycle state of an item.
type Status string

const (
	StatusCreated              Status = "created"               // Provisioned, held by its owner
	StatusConfirmationAwaiting Status = "confirmation_awaiting" // Window armed, waiting for finalize
	StatusConfirmed            Status = "confirmed"             // Ownership change finalized
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusConfirmationAwaiting, StatusConfirmed:
		return true
	}
	return false
}

// Mode selects who drives arming and finalizing a confirmation.
type Mode string

const (
	// ModeAdmin lets only the admin arm and finalize.
	ModeAdmin Mode = "admin"
	// ModeOwner lets the current owner arm and finalize on their own item,
	// using the delay and period the admin installed.
	ModeOwner Mode = "owner"
)

// DefaultMaxPayloadBytes bounds Item.Payload unless the policy says otherwise.
const DefaultMaxPayloadBytes = 256

// Policy configures the variant of the protocol a Service enforces.
type Policy struct {
	Mode Mode

	// MaxPayloadBytes caps the payload size. Zero means
	// DefaultMaxPayloadBytes, negative means unbounded.
	MaxPayloadBytes int

	// DefaultPeriod applies to items created without a period. Zero keeps
	// such windows open-ended after the delay.
	DefaultPeriod time.Duration

	// RequireClaimToken rejects creation without a claim token.
	RequireClaimToken bool

	// OpenSweep lets any caller run SweepExpired. The sweep only ever
	// restores admin ownership of lapsed items.
	OpenSweep bool
}

func (p Policy) maxPayload() int {
	if p.MaxPayloadBytes == 0 {
		return DefaultMaxPayloadBytes
	}
	return p.MaxPayloadBytes
}

// Window records when a confirmation was armed.
type Window struct {
	StartedAt time.Time `json:"startedAt"`
}

// Item is a claimable record addressed by an opaque 32-byte key.
type Item struct {
	Key        common.Hash    `json:"key"`
	Owner      common.Address `json:"owner"`
	Status     Status         `json:"status"`
	Delay      time.Duration  `json:"delay"`
	Period     time.Duration  `json:"period"`
	Window     *Window        `json:"window,omitempty"`
	ClaimToken common.Hash    `json:"claimToken"`
	Payload    string         `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Clone returns a copy that shares no pointers with i.
func (i *Item) Clone() *Item {
	cp := *i
	if i.Window != nil {
		w := *i.Window
		cp.Window = &w
	}
	return &cp
}

// EffectivePeriod returns the item's period, falling back to def.
func (i *Item) EffectivePeriod(def time.Duration) time.Duration {
	if i.Period > 0 {
		return i.Period
	}
	return def
}

// DelayEnd is the first instant at which the pending confirmation may be
// finalized. Zero when no window is armed.
func (i *Item) DelayEnd() time.Time {
	if i.Window == nil {
		return time.Time{}
	}
	return i.Window.StartedAt.Add(i.Delay)
}

// Deadline is the last instant at which the pending confirmation may be
// finalized. ok is false when no window is armed or the window is
// open-ended.
func (i *Item) Deadline(defaultPeriod time.Duration) (deadline time.Time, ok bool) {
	if i.Window == nil {
		return time.Time{}, false
	}
	period := i.EffectivePeriod(defaultPeriod)
	if period <= 0 {
		return time.Time{}, false
	}
	return i.DelayEnd().Add(period), true
}

// Lapsed reports whether a pending confirmation can no longer be finalized
// at now. Finalize and the sweep share this rule.
func (i *Item) Lapsed(now time.Time, defaultPeriod time.Duration) bool {
	if i.Status != StatusConfirmationAwaiting {
		return false
	}
	deadline, ok := i.Deadline(defaultPeriod)
	return ok && now.After(deadline)
}

// Info is the read view of an item.
type Info struct {
	Key           common.Hash    `json:"key"`
	Owner         common.Address `json:"owner"`
	Status        Status         `json:"status"`
	DelaySeconds  int64          `json:"delaySeconds"`
	PeriodSeconds int64          `json:"periodSeconds"`
	WindowStart   int64          `json:"windowStart"`
	ClaimToken    common.Hash    `json:"claimToken"`
	Payload       string         `json:"payload,omitempty"`
}

// InfoOf builds the read view of item.
func InfoOf(item *Item) *Info {
	info := &Info{
		Key:           item.Key,
		Owner:         item.Owner,
		Status:        item.Status,
		DelaySeconds:  int64(item.Delay / time.Second),
		PeriodSeconds: int64(item.Period / time.Second),
		ClaimToken:    item.ClaimToken,
		Payload:       item.Payload,
	}
	if item.Window != nil {
		info.WindowStart = item.Window.StartedAt.Unix()
	}
	return info
}

// CreateRequest contains the parameters for provisioning an item.
type CreateRequest struct {
	Key        common.Hash
	ClaimToken common.Hash // zero means no token
	Delay      time.Duration
	Period     time.Duration
	Payload    string
}

// ArmRequest optionally overrides the window durations when arming.
type ArmRequest struct {
	Delay  *time.Duration
	Period *time.Duration
}

// SweepResult is the outcome of reconciling one key.
type SweepResult string

const (
	SweepReverted SweepResult = "reverted"
	SweepSkipped  SweepResult = "skipped"
	SweepFailed   SweepResult = "failed"
)

// SweepOutcome reports what the sweep did with one key.
type SweepOutcome struct {
	Key    common.Hash `json:"key"`
	Result SweepResult `json:"result"`
	Reason string      `json:"reason,omitempty"`
}

// Clock supplies the current time. It must never go backwards.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
