package billing

// Operation names a provider operation.
type Operation string

const (
	OperationSetup          Operation = "setup"
	OperationQueryInventory Operation = "query_inventory"
	OperationPurchase       Operation = "purchase"
	OperationConsume        Operation = "consume"
)

func (o Operation) String() string {
	return string(o)
}

// Observer is notified of coordinator activity, for metrics.
type Observer interface {
	OnOperationStarted(op Operation)
	OnOperationRejected(op Operation)
	OnFanOut(delivered int)
	OnListenersChanged(registered int)
}

type nopObserver struct{}

func (nopObserver) OnOperationStarted(Operation)  {}
func (nopObserver) OnOperationRejected(Operation) {}
func (nopObserver) OnFanOut(int)                  {}
func (nopObserver) OnListenersChanged(int)        {}
