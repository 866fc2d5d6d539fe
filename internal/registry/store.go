package registry

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChangeKind says how a Change touches the item record.
type ChangeKind int

const (
	ChangeNone   ChangeKind = iota // token bind and/or events only
	ChangeInsert                   // item must not exist yet
	ChangeUpdate                   // item must exist
	ChangeDelete                   // item and its token bindings are removed
)

// Change is one atomic write. Either every part of it is applied or none is.
type Change struct {
	Kind ChangeKind
	Item *Item

	// Key addresses the record for ChangeDelete and the binding target for
	// ChangeNone. Defaults to Item.Key.
	Key common.Hash

	// Bind, when non-zero, binds the claim token to the item key. Commit
	// fails with ErrTokenAlreadyUsed if the token is bound already, and with
	// ErrNotFound if a ChangeNone bind targets a missing item.
	Bind common.Hash

	// Admin, when non-zero, must still be the stored admin when the change
	// is applied; otherwise Commit fails with ErrUnauthorized. The check and
	// the write are one atomic step with respect to SwapAdmin.
	Admin common.Address

	// Events are appended to the journal.
	Events []Event
}

func (c *Change) key() common.Hash {
	if c.Key != (common.Hash{}) {
		return c.Key
	}
	if c.Item != nil {
		return c.Item.Key
	}
	return common.Hash{}
}

// Store persists items, claim token bindings, the admin identity and the
// event journal.
//
// Commit is the only write path and must be atomic. Callers serialize
// writers per key with a Locker; the store serializes token binds globally.
type Store interface {
	Get(ctx context.Context, key common.Hash) (*Item, error)
	Exists(ctx context.Context, key common.Hash) (bool, error)
	TokenItem(ctx context.Context, token common.Hash) (common.Hash, error)
	Commit(ctx context.Context, change *Change) error

	// ListLapsed returns items whose confirmation window had lapsed at now,
	// earliest deadline first. defaultPeriod stands in for a zero item
	// period; windows with no period at all never lapse.
	ListLapsed(ctx context.Context, now time.Time, defaultPeriod time.Duration, limit int) ([]*Item, error)
	Events(ctx context.Context, key common.Hash, limit int) ([]Event, error)

	// Admin returns the zero address when no admin is installed.
	Admin(ctx context.Context) (common.Address, error)
	// SwapAdmin replaces old with next. It fails with ErrUnauthorized if the
	// stored admin is not old.
	SwapAdmin(ctx context.Context, old, next common.Address, event *Event) error

	Ping(ctx context.Context) error
}
