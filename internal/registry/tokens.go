package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Tokens tracks single-use claim tokens. A bound token maps to its item
// for as long as the item exists, and can never be bound again.
type Tokens struct {
	store Store
}

// NewTokens creates a token registry backed by store.
func NewTokens(store Store) *Tokens {
	return &Tokens{store: store}
}

// Used reports whether token has been bound to any item.
func (t *Tokens) Used(ctx context.Context, token common.Hash) (bool, error) {
	if token == (common.Hash{}) {
		return false, nil
	}
	_, err := t.store.TokenItem(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Item returns the key token is bound to.
func (t *Tokens) Item(ctx context.Context, token common.Hash) (common.Hash, error) {
	if token == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("%w: zero claim token", ErrInvalidArgument)
	}
	return t.store.TokenItem(ctx, token)
}

// Bind records token -> key permanently. The zero token means "no token"
// and is rejected rather than silently skipped. The item must exist; Commit
// checks that in the same step as the bind (ErrNotFound).
func (t *Tokens) Bind(ctx context.Context, token, key common.Hash) error {
	if token == (common.Hash{}) {
		return fmt.Errorf("%w: zero claim token", ErrInvalidArgument)
	}
	if key == (common.Hash{}) {
		return fmt.Errorf("%w: zero item key", ErrInvalidArgument)
	}
	return t.store.Commit(ctx, &Change{Kind: ChangeNone, Key: key, Bind: token})
}
