package billing

import (
	"errors"

	"github.com/code-payments/flipchat-billing/event"
)

// InventoryEvent is the outcome of an inventory query. Err is set when the
// query never reached the provider, for example an *InProgressError; Result
// always describes the outcome.
type InventoryEvent struct {
	Result    Result
	Inventory *Inventory
	Err       error
}

// PurchaseEvent is the outcome of a purchase flow.
type PurchaseEvent struct {
	Result   Result
	Purchase *Purchase
	Err      error
}

// ConsumeEvent is the outcome of a consume.
type ConsumeEvent struct {
	Purchase *Purchase
	Result   Result
	Err      error
}

// Listener receives the outcome of every inventory query.
type Listener = event.Handler[InventoryEvent]

// ListenerFunc adapts a function to a Listener.
func ListenerFunc(f func(InventoryEvent)) Listener {
	return event.HandlerFunc(f)
}

func inventoryEventFor(err error) InventoryEvent {
	return InventoryEvent{Result: resultFor(err), Err: err}
}

func purchaseEventFor(err error) PurchaseEvent {
	return PurchaseEvent{Result: resultFor(err), Err: err}
}

func consumeEventFor(purchase *Purchase, err error) ConsumeEvent {
	return ConsumeEvent{Purchase: purchase, Result: resultFor(err), Err: err}
}

func resultFor(err error) Result {
	var inProgress *InProgressError
	if errors.As(err, &inProgress) {
		return inProgress.Result
	}
	return NewResult(HelperUnknownError, err.Error())
}
