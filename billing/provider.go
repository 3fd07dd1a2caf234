package billing

import "context"

// Host is the caller's purchase surface (the screen or session that runs the
// provider's purchase flow). It is passed through to the provider untouched.
type Host any

// Result codes a host reports when it forwards the outcome of a purchase flow.
const (
	HostResultOK       = -1
	HostResultCanceled = 0
)

// ExternalResult is the payload a host forwards when a purchase flow ends.
type ExternalResult struct {
	ResponseCode  int    `json:"responseCode"`
	PurchaseData  string `json:"purchaseData,omitempty"`
	DataSignature string `json:"dataSignature,omitempty"`
}

// DefaultPurchaseRequestCode is the request code used to correlate purchase
// flows with the external results the host forwards.
const DefaultPurchaseRequestCode = 2323

// Provider is a binding to a billing service.
//
// A Provider runs at most one asynchronous operation at a time. Starting a
// second one while the first is outstanding fails synchronously with an
// *InProgressError; nothing is queued. Completion callbacks may be invoked on
// any goroutine, and may be invoked before the starting call returns.
type Provider interface {
	// StartSetup connects to the billing service.
	StartSetup(onComplete func(Result))

	// QueryInventoryAsync loads purchases, and product details for skus when
	// scoped.
	QueryInventoryAsync(scoped bool, skus []string, onComplete func(Result, *Inventory)) error

	// LaunchPurchaseFlow starts purchasing sku. The flow completes once the
	// host forwards the external result with the same request code.
	LaunchPurchaseFlow(host Host, sku string, requestCode int, developerPayload string, onComplete func(Result, *Purchase)) error

	// ConsumeAsync consumes a previously granted purchase.
	ConsumeAsync(purchase *Purchase, onComplete func(*Purchase, Result)) error

	// HandleExternalResult resolves a pending purchase flow and reports
	// whether the result was consumed.
	HandleExternalResult(requestCode, resultCode int, payload []byte) bool

	// Dispose releases the binding. It fails with an *InProgressError while an
	// operation is outstanding.
	Dispose() error
}

// ProviderFactory builds a Provider for the application's public key.
type ProviderFactory func(ctx context.Context, publicKey string) (Provider, error)
