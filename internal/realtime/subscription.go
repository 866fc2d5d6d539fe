package realtime

import (
	"fmt"
	"net/url"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/phraseclaim/internal/registry"
	"github.com/mbd888/phraseclaim/internal/validation"
)

// Subscription filters what a client receives. Empty lists match everything;
// every non-empty list must match.
type Subscription struct {
	Events    []registry.EventName `json:"events,omitempty"`
	Keys      []common.Hash        `json:"keys,omitempty"`
	Addresses []common.Address     `json:"addresses,omitempty"` // From or To
}

// Matches reports whether e passes the subscription filters.
func (s Subscription) Matches(e registry.Event) bool {
	if len(s.Events) > 0 && !contains(s.Events, e.Name) {
		return false
	}
	if len(s.Keys) > 0 && !contains(s.Keys, e.Key) {
		return false
	}
	if len(s.Addresses) > 0 && !contains(s.Addresses, e.From) && !contains(s.Addresses, e.To) {
		return false
	}
	return true
}

// Validate rejects unknown event names and oversized filters.
func (s Subscription) Validate() error {
	if n := len(s.Events) + len(s.Keys) + len(s.Addresses); n > MaxFilters {
		return fmt.Errorf("subscription has %d filters, max %d", n, MaxFilters)
	}
	for _, name := range s.Events {
		if !name.Known() {
			return fmt.Errorf("unknown event %q", name)
		}
	}
	return nil
}

// MaxFilters bounds the total entries of one subscription.
const MaxFilters = 256

// SubscriptionFromQuery reads repeated event, key and address parameters,
// e.g. /ws?key=0x..&event=OwnershipConfirmed.
func SubscriptionFromQuery(q url.Values) (Subscription, error) {
	var sub Subscription
	for _, name := range q["event"] {
		sub.Events = append(sub.Events, registry.EventName(name))
	}
	for _, k := range q["key"] {
		if !validation.IsValidHash(k) {
			return Subscription{}, fmt.Errorf("key %q is not a 0x-prefixed 32-byte hex value", k)
		}
		sub.Keys = append(sub.Keys, common.HexToHash(k))
	}
	for _, a := range q["address"] {
		if !validation.IsValidEthAddress(a) {
			return Subscription{}, fmt.Errorf("address %q is not a valid address", a)
		}
		sub.Addresses = append(sub.Addresses, common.HexToAddress(a))
	}
	return sub, sub.Validate()
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
