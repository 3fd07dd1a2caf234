package memory

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/billing"
)

var (
	ErrDisposed     = errors.New("billing provider disposed")
	ErrSetupNotDone = errors.New("billing setup not done")
)

type pendingFlow struct {
	requestCode      int
	sku              string
	developerPayload string
	onComplete       func(billing.Result, *billing.Purchase)
}

// Provider is a billing.Provider backed by a Service.
//
// Queries and consumes run on their own goroutine. A purchase flow stays in
// flight until the host forwards its external result.
type Provider struct {
	log       *zap.Logger
	service   *Service
	publicKey ed25519.PublicKey

	mu       sync.Mutex
	setup    bool
	disposed bool
	inFlight string
	pending  *pendingFlow
	wg       sync.WaitGroup
}

// NewFactory returns a billing.ProviderFactory for providers bound to service.
func NewFactory(log *zap.Logger, service *Service) billing.ProviderFactory {
	return func(_ context.Context, publicKey string) (billing.Provider, error) {
		return NewProvider(log, service, publicKey)
	}
}

func NewProvider(log *zap.Logger, service *Service, publicKey string) (*Provider, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	return &Provider{
		log:       log,
		service:   service,
		publicKey: pub,
	}, nil
}

// Wait blocks until every operation running on its own goroutine has
// completed.
func (p *Provider) Wait() {
	p.wg.Wait()
}

func (p *Provider) StartSetup(onComplete func(billing.Result)) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		onComplete(billing.NewResult(billing.ResponseBillingUnavailable, "Provider was disposed."))
		return
	}
	p.setup = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		onComplete(billing.NewResult(billing.ResponseOK, "Setup successful."))
	}()
}

func (p *Provider) QueryInventoryAsync(scoped bool, skus []string, onComplete func(billing.Result, *billing.Inventory)) error {
	gate, err := p.begin("refresh inventory")
	if err != nil {
		return err
	}

	var scope []string
	if scoped {
		scope = append([]string{}, skus...)
	}

	p.run(gate, func() {
		result, inv := p.queryInventory(scope)
		onComplete(result, inv)
	})

	return nil
}

func (p *Provider) queryInventory(skus []string) (billing.Result, *billing.Inventory) {
	inv := billing.NewInventory()
	listings, receipts := p.service.snapshot(skus)

	for _, l := range listings {
		product, err := billing.ParseProduct(l.itemType, l.json)
		if err != nil {
			p.log.Warn("Failed to parse product listing", zap.Error(err))
			return billing.NewResult(billing.HelperBadResponse, "Error parsing product details."), inv
		}
		inv.AddProduct(product)
	}

	verificationFailed := false
	for _, r := range receipts {
		if !verify(p.publicKey, r.json, r.signature) {
			p.log.Warn("Purchase signature verification failed, not adding item", zap.String("sku", r.sku))
			verificationFailed = true
			continue
		}

		purchase, err := billing.ParsePurchase(r.itemType, r.json, r.signature)
		if err != nil {
			p.log.Warn("Failed to parse purchase", zap.String("sku", r.sku), zap.Error(err))
			return billing.NewResult(billing.HelperBadResponse, "Error parsing purchase data."), inv
		}
		if purchase.Token == "" {
			p.log.Warn("Purchase has no token", zap.String("sku", r.sku))
			continue
		}
		inv.AddPurchase(purchase)
	}

	if verificationFailed {
		return billing.NewResult(billing.HelperVerificationFailed, "Error refreshing inventory (querying owned items)."), inv
	}
	return billing.NewResult(billing.ResponseOK, "Inventory refresh successful."), inv
}

func (p *Provider) LaunchPurchaseFlow(_ billing.Host, sku string, requestCode int, developerPayload string, onComplete func(billing.Result, *billing.Purchase)) error {
	// The flow completes when the host forwards its result, so a held gate
	// does not apply.
	if _, err := p.begin("launchPurchaseFlow"); err != nil {
		return err
	}

	p.mu.Lock()
	p.pending = &pendingFlow{
		requestCode:      requestCode,
		sku:              sku,
		developerPayload: developerPayload,
		onComplete:       onComplete,
	}
	p.mu.Unlock()

	p.log.Debug("Launched purchase flow", zap.String("sku", sku), zap.Int("request_code", requestCode))
	return nil
}

func (p *Provider) HandleExternalResult(requestCode, resultCode int, payload []byte) bool {
	p.mu.Lock()
	flow := p.pending
	if flow == nil || flow.requestCode != requestCode {
		p.mu.Unlock()
		return false
	}
	p.pending = nil
	p.inFlight = ""
	p.mu.Unlock()

	result, purchase := p.resolve(flow, resultCode, payload)
	flow.onComplete(result, purchase)

	return true
}

func (p *Provider) resolve(flow *pendingFlow, resultCode int, payload []byte) (billing.Result, *billing.Purchase) {
	switch resultCode {
	case billing.HostResultOK:
	case billing.HostResultCanceled:
		return billing.NewResult(billing.HelperUserCancelled, "User canceled."), nil
	default:
		return billing.NewResult(billing.HelperUnknownPurchaseResponse, "Unknown purchase response."), nil
	}

	var ext billing.ExternalResult
	if err := json.Unmarshal(payload, &ext); err != nil {
		p.log.Warn("Failed to decode external result", zap.Error(err))
		return billing.NewResult(billing.HelperBadResponse, "Failed to parse purchase data."), nil
	}
	if ext.ResponseCode != billing.ResponseOK {
		return billing.NewResult(ext.ResponseCode, "Problem purchasing item."), nil
	}
	if ext.PurchaseData == "" || ext.DataSignature == "" {
		return billing.NewResult(billing.HelperUnknownError, "IAB returned null purchaseData or dataSignature"), nil
	}

	itemType := billing.ItemTypeInApp
	if l, ok := p.listing(flow.sku); ok {
		itemType = l.itemType
	}
	purchase, err := billing.ParsePurchase(itemType, ext.PurchaseData, ext.DataSignature)
	if err != nil {
		p.log.Warn("Failed to parse purchase data", zap.Error(err))
		return billing.NewResult(billing.HelperBadResponse, "Failed to parse purchase data."), nil
	}
	if purchase.SKU != flow.sku {
		return billing.NewResult(billing.HelperUnknownPurchaseResponse, "Purchase is for "+purchase.SKU+", expected "+flow.sku), nil
	}
	if !verify(p.publicKey, ext.PurchaseData, ext.DataSignature) {
		return billing.NewResult(billing.HelperVerificationFailed, "Signature verification failed for sku "+purchase.SKU), purchase
	}
	if purchase.DeveloperPayload != flow.developerPayload {
		return billing.NewResult(billing.HelperVerificationFailed, "Developer payload mismatch for sku "+purchase.SKU), purchase
	}

	return billing.NewResult(billing.ResponseOK, "Success"), purchase
}

func (p *Provider) listing(sku string) (listing, bool) {
	listings, _ := p.service.snapshot([]string{sku})
	if len(listings) == 0 {
		return listing{}, false
	}
	return listings[0], true
}

func (p *Provider) ConsumeAsync(purchase *billing.Purchase, onComplete func(*billing.Purchase, billing.Result)) error {
	gate, err := p.begin("consume")
	if err != nil {
		return err
	}

	p.run(gate, func() {
		onComplete(purchase, p.consume(purchase))
	})

	return nil
}

func (p *Provider) consume(purchase *billing.Purchase) billing.Result {
	if purchase.ItemType != billing.ItemTypeInApp {
		return billing.NewResult(billing.HelperInvalidConsumption, "Items of type '"+purchase.ItemType.String()+"' can't be consumed.")
	}
	if purchase.Token == "" {
		return billing.NewResult(billing.HelperMissingToken, "PurchaseInfo is missing token for sku: "+purchase.SKU)
	}
	if err := p.service.consume(purchase.Token); err != nil {
		return billing.NewResult(billing.ResponseItemNotOwned, "Error consuming sku "+purchase.SKU)
	}

	return billing.NewResult(billing.ResponseOK, "Successful consume of sku "+purchase.SKU)
}

func (p *Provider) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight != "" {
		return billing.NewInProgressError("dispose", p.inFlight)
	}
	p.disposed = true
	p.setup = false

	return nil
}

// begin claims the single in-flight slot for op.
func (p *Provider) begin(op string) (chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil, ErrDisposed
	}
	if !p.setup {
		return nil, ErrSetupNotDone
	}
	if p.inFlight != "" {
		return nil, billing.NewInProgressError(op, p.inFlight)
	}
	p.inFlight = op

	return p.service.currentGate(), nil
}

// run completes an operation on its own goroutine. The in-flight slot is
// released before the callback so the callback may start the next operation.
func (p *Provider) run(gate chan struct{}, f func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if gate != nil {
			<-gate
		}

		p.mu.Lock()
		p.inFlight = ""
		p.mu.Unlock()

		f()
	}()
}
