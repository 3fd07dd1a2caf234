package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/event"
)

type state uint8

const (
	stateUninitialized state = iota
	stateStarted
	stateDestroyed
)

// Reaction is a named effect the coordinator runs in response to an
// out-of-band signal.
type Reaction uint8

const (
	// ReactionRequery runs one unscoped inventory query.
	ReactionRequery Reaction = iota + 1
)

func (r Reaction) String() string {
	switch r {
	case ReactionRequery:
		return "requery"
	default:
		return "unknown"
	}
}

// Coordinator drives a Provider on behalf of the application: it owns the
// provider's lifecycle, fans inventory results out to registered listeners,
// and re-queries when purchases change elsewhere.
//
// The provider enforces the single-flight rule; the coordinator never retries
// or queues a rejected operation.
//
// Inventory outcomes are delivered one at a time, in the order they were
// produced. An outcome produced while another is being delivered, including
// one started by a listener, is queued and delivered by the goroutine that is
// already dispatching.
type Coordinator struct {
	log      *zap.Logger
	factory  ProviderFactory
	observer Observer

	mu       sync.Mutex
	state    state
	provider Provider

	listeners *event.Bus[InventoryEvent]

	dispatchMu  sync.Mutex
	dispatching bool
	queue       []InventoryEvent
}

type Option func(c *Coordinator)

// WithObserver reports coordinator activity to o.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

func New(log *zap.Logger, factory ProviderFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:       log,
		factory:   factory,
		observer:  nopObserver{},
		listeners: event.NewBus[InventoryEvent](),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Init builds the provider binding. It must be called once before any other
// operation; a destroyed coordinator cannot be started again.
func (c *Coordinator) Init(ctx context.Context, publicKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateDestroyed:
		return ErrDestroyed
	}

	provider, err := c.factory(ctx, publicKey)
	if err != nil {
		return fmt.Errorf("failed to create billing provider: %w", err)
	}

	c.provider = provider
	c.state = stateStarted

	c.log.Debug("Billing coordinator started")
	return nil
}

func (c *Coordinator) IsStarted() bool {
	return c.current() != nil
}

// Destroy releases the provider binding. A failure to release is logged and
// otherwise ignored; the coordinator is no longer started afterwards.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	provider := c.provider
	if provider == nil {
		c.mu.Unlock()
		return
	}
	c.provider = nil
	c.state = stateDestroyed
	c.mu.Unlock()

	if err := provider.Dispose(); err != nil {
		c.log.Warn("Failed to dispose billing provider", zap.Error(err))
		return
	}

	c.log.Debug("Billing coordinator destroyed")
}

// StartSetup connects the provider to the billing service.
func (c *Coordinator) StartSetup(onComplete func(Result)) error {
	provider := c.current()
	if provider == nil {
		return ErrNotStarted
	}
	if onComplete == nil {
		onComplete = func(Result) {}
	}

	log := c.log.With(zap.String("op_id", uuid.NewString()))
	c.observer.OnOperationStarted(OperationSetup)

	provider.StartSetup(func(result Result) {
		if result.Failed() {
			log.Warn("Billing setup failed", zap.String("result", result.Message))
		} else {
			log.Debug("Billing setup finished")
		}
		onComplete(result)
	})

	return nil
}

// RegisterListener adds l to the listeners notified of every inventory query.
// Registering a nil or already registered listener does nothing.
func (c *Coordinator) RegisterListener(l Listener) {
	if l == nil {
		return
	}
	if c.listeners.AddHandler(l) {
		c.observer.OnListenersChanged(c.listeners.Len())
		return
	}
	if !c.listeners.Contains(l) {
		c.log.Warn("Ignoring listener that cannot be registered", zap.String("type", fmt.Sprintf("%T", l)))
	}
}

func (c *Coordinator) UnregisterListener(l Listener) {
	if l == nil {
		return
	}
	if c.listeners.RemoveHandler(l) {
		c.observer.OnListenersChanged(c.listeners.Len())
	}
}

// QueryInventory refreshes the inventory, scoped to skus when any are given.
// The outcome, including an *InProgressError when another operation is
// outstanding, is delivered to every registered listener in registration
// order. Only ErrNotStarted is returned.
func (c *Coordinator) QueryInventory(skus ...string) error {
	provider := c.current()
	if provider == nil {
		return ErrNotStarted
	}

	log := c.log.With(
		zap.String("op_id", uuid.NewString()),
		zap.Strings("skus", skus),
	)

	started := c.startOnce(OperationQueryInventory)
	err := provider.QueryInventoryAsync(len(skus) > 0, skus, func(result Result, inv *Inventory) {
		started()
		log.Debug("Inventory query finished", zap.String("result", result.Message))
		c.notifyInventory(InventoryEvent{Result: result, Inventory: inv})
	})
	if err != nil {
		c.rejected(log, OperationQueryInventory, err)
		c.notifyInventory(inventoryEventFor(err))
		return nil
	}

	started()
	return nil
}

// RequestPurchase starts the provider's purchase flow for product. The outcome
// is delivered to onComplete only.
func (c *Coordinator) RequestPurchase(host Host, product *Product, requestCode int, developerPayload string, onComplete func(PurchaseEvent)) error {
	provider := c.current()
	if provider == nil {
		return ErrNotStarted
	}
	if product == nil {
		return fmt.Errorf("%w: product is required", ErrInvalidArgument)
	}
	if onComplete == nil {
		onComplete = func(PurchaseEvent) {}
	}

	log := c.log.With(
		zap.String("op_id", uuid.NewString()),
		zap.String("sku", product.SKU),
		zap.Int("request_code", requestCode),
	)

	started := c.startOnce(OperationPurchase)
	err := provider.LaunchPurchaseFlow(host, product.SKU, requestCode, developerPayload, func(result Result, purchase *Purchase) {
		started()
		log.Debug("Purchase flow finished", zap.String("result", result.Message))
		onComplete(PurchaseEvent{Result: result, Purchase: purchase})
	})
	if err != nil {
		c.rejected(log, OperationPurchase, err)
		onComplete(purchaseEventFor(err))
		return nil
	}

	started()
	return nil
}

// HandleExternalResult forwards the outcome of a purchase flow delivered to
// the host. It reports whether the provider consumed it.
func (c *Coordinator) HandleExternalResult(requestCode, resultCode int, payload []byte) bool {
	provider := c.current()
	if provider == nil {
		c.log.Debug("Dropping external result, not started", zap.Int("request_code", requestCode))
		return false
	}

	return provider.HandleExternalResult(requestCode, resultCode, payload)
}

// ConsumePurchase consumes purchase. The outcome is delivered to onComplete
// only.
func (c *Coordinator) ConsumePurchase(purchase *Purchase, onComplete func(ConsumeEvent)) error {
	provider := c.current()
	if provider == nil {
		return ErrNotStarted
	}
	if purchase == nil {
		return fmt.Errorf("%w: purchase is required", ErrInvalidArgument)
	}
	if onComplete == nil {
		onComplete = func(ConsumeEvent) {}
	}

	log := c.log.With(
		zap.String("op_id", uuid.NewString()),
		zap.String("sku", purchase.SKU),
	)

	started := c.startOnce(OperationConsume)
	err := provider.ConsumeAsync(purchase, func(consumed *Purchase, result Result) {
		started()
		log.Debug("Consume finished", zap.String("result", result.Message))
		onComplete(ConsumeEvent{Purchase: consumed, Result: result})
	})
	if err != nil {
		c.rejected(log, OperationConsume, err)
		onComplete(consumeEventFor(purchase, err))
		return nil
	}

	started()
	return nil
}

// OnPurchasesUpdated handles a notification that purchases changed outside
// this process.
func (c *Coordinator) OnPurchasesUpdated() {
	c.react(ReactionRequery)
}

func (c *Coordinator) react(r Reaction) {
	c.log.Debug("Reacting to purchases update", zap.Stringer("reaction", r))

	switch r {
	case ReactionRequery:
		if err := c.QueryInventory(); err != nil {
			c.log.Warn("Failed to query inventory", zap.Error(err))
		}
	}
}

// notifyInventory queues e and, unless another goroutine is already
// dispatching, delivers the queue until it is empty.
func (c *Coordinator) notifyInventory(e InventoryEvent) {
	c.dispatchMu.Lock()
	c.queue = append(c.queue, e)
	if c.dispatching {
		c.dispatchMu.Unlock()
		return
	}
	c.dispatching = true
	c.dispatchMu.Unlock()

	for {
		next, ok := c.dequeue()
		if !ok {
			return
		}
		c.fanOut(next)
	}
}

// dequeue pops the next queued event, or ends the dispatch when the queue is
// empty.
func (c *Coordinator) dequeue() (InventoryEvent, bool) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	if len(c.queue) == 0 {
		c.dispatching = false
		return InventoryEvent{}, false
	}

	next := c.queue[0]
	c.queue[0] = InventoryEvent{}
	c.queue = c.queue[1:]
	return next, true
}

func (c *Coordinator) fanOut(e InventoryEvent) {
	completed := false
	defer func() {
		if !completed {
			// Release the dispatch if a listener panicked.
			c.dispatchMu.Lock()
			c.dispatching = false
			c.dispatchMu.Unlock()
		}
	}()

	delivered := c.listeners.OnEvent(e)
	c.observer.OnFanOut(delivered)
	completed = true
}

// startOnce reports op as started the first time the returned func is called.
// Providers may complete before returning, so both the completion and the
// accepted return call it.
func (c *Coordinator) startOnce(op Operation) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.observer.OnOperationStarted(op)
		})
	}
}

func (c *Coordinator) rejected(log *zap.Logger, op Operation, err error) {
	if IsInProgress(err) {
		c.observer.OnOperationRejected(op)
		log.Debug("Operation rejected, another is in progress", zap.Stringer("operation", op), zap.Error(err))
		return
	}

	log.Warn("Failed to start operation", zap.Stringer("operation", op), zap.Error(err))
}

func (c *Coordinator) current() Provider {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.provider
}
