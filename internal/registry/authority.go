package registry

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Authority gates privileged operations on the single admin identity. The
// admin is read from the store on every check.
type Authority struct {
	store Store
}

// NewAuthority creates an authority backed by store.
func NewAuthority(store Store) *Authority {
	return &Authority{store: store}
}

// Admin returns the current admin.
func (a *Authority) Admin(ctx context.Context) (common.Address, error) {
	admin, err := a.store.Admin(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("load admin: %w", err)
	}
	return admin, nil
}

// Require fails with ErrUnauthorized unless caller is the admin.
func (a *Authority) Require(ctx context.Context, caller common.Address) (common.Address, error) {
	admin, err := a.Admin(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if admin == (common.Address{}) || caller != admin {
		return admin, ErrUnauthorized
	}
	return admin, nil
}

// Bootstrap installs admin when the store has none yet. An existing admin
// is left alone, so restarts never override a changeAdmin.
func (a *Authority) Bootstrap(ctx context.Context, admin common.Address) (common.Address, error) {
	if admin == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: admin must not be the zero address", ErrInvalidArgument)
	}
	current, err := a.Admin(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if current != (common.Address{}) {
		return current, nil
	}
	if err := a.store.SwapAdmin(ctx, common.Address{}, admin, nil); err != nil {
		return common.Address{}, fmt.Errorf("install admin: %w", err)
	}
	return admin, nil
}
