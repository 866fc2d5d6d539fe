package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/phraseclaim/internal/idgen"
)

// EventName identifies a notification emitted by a committed operation.
type EventName string

const (
	EventAdminChanged         EventName = "AdminChanged"
	EventItemAdded            EventName = "ItemAdded"
	EventConfirmationStarted  EventName = "ConfirmationStarted"
	EventOwnershipConfirmed   EventName = "OwnershipConfirmed"
	EventOwnershipTransferred EventName = "OwnershipTransferred"
	EventConfirmationRevoked  EventName = "ConfirmationRevoked"
	EventItemDeleted          EventName = "ItemDeleted"
	EventItemRevertedToAdmin  EventName = "ItemRevertedToAdmin"
	EventOwnershipReassigned  EventName = "OwnershipReassigned"
)

// EventNames lists every event the registry emits.
var EventNames = []EventName{
	EventAdminChanged,
	EventItemAdded,
	EventConfirmationStarted,
	EventOwnershipConfirmed,
	EventOwnershipTransferred,
	EventConfirmationRevoked,
	EventItemDeleted,
	EventItemRevertedToAdmin,
	EventOwnershipReassigned,
}

// Known reports whether n is an event the registry emits.
func (n EventName) Known() bool {
	for _, known := range EventNames {
		if n == known {
			return true
		}
	}
	return false
}

// Event is a notification record. Key is the indexed item key (zero for
// registry-wide events such as AdminChanged).
type Event struct {
	ID     string            `json:"id"`
	Name   EventName         `json:"name"`
	Key    common.Hash       `json:"key"`
	From   common.Address    `json:"from"`
	To     common.Address    `json:"to"`
	Fields map[string]string `json:"fields,omitempty"`
	At     time.Time         `json:"at"`
}

func newEvent(name EventName, key common.Hash, from, to common.Address, at time.Time, fields map[string]string) Event {
	return Event{
		ID:     idgen.WithPrefix("evt_"),
		Name:   name,
		Key:    key,
		From:   from,
		To:     to,
		Fields: fields,
		At:     at,
	}
}

// Notifier receives events after the change that produced them has been
// committed. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// LogNotifier writes every event to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, e Event) {
	n.Logger.InfoContext(ctx, "registry event",
		"event", string(e.Name),
		"key", e.Key.Hex(),
		"from", e.From.Hex(),
		"to", e.To.Hex(),
		"id", e.ID,
	)
}
