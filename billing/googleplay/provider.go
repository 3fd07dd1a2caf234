package googleplay

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/code-payments/flipchat-billing/billing"
)

var (
	ErrDisposed     = errors.New("billing provider disposed")
	ErrSetupNotDone = errors.New("billing setup not done")
)

const requestTimeout = 30 * time.Second

type Config struct {
	// PackageName is the Android application's package name.
	PackageName string

	// CatalogTTL is how long the in-app product listing is cached.
	CatalogTTL time.Duration
}

type pendingFlow struct {
	requestCode int
	sku         string
	onComplete  func(billing.Result, *billing.Purchase)
}

type purchaseData struct {
	OrderID          string `json:"orderId"`
	PackageName      string `json:"packageName"`
	ProductID        string `json:"productId"`
	PurchaseTime     int64  `json:"purchaseTime"`
	PurchaseState    int64  `json:"purchaseState"`
	DeveloperPayload string `json:"developerPayload"`
	PurchaseToken    string `json:"purchaseToken"`
	AutoRenewing     bool   `json:"autoRenewing,omitempty"`
}

// Provider is a billing.Provider on the Google Play Developer API.
type Provider struct {
	log     *zap.Logger
	svc     *androidpublisher.Service
	cfg     Config
	key     *rsa.PublicKey
	catalog *catalog
	tokens  *Tokens
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	setup    bool
	disposed bool
	inFlight string
	pending  *pendingFlow
}

// NewFactory returns a billing.ProviderFactory that connects to the Play
// Developer API with opts.
func NewFactory(log *zap.Logger, cfg Config, tokens *Tokens, opts ...option.ClientOption) billing.ProviderFactory {
	return func(ctx context.Context, publicKey string) (billing.Provider, error) {
		svc, err := androidpublisher.NewService(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create android publisher client")
		}

		return NewProvider(log, svc, cfg, tokens, publicKey)
	}
}

func NewProvider(log *zap.Logger, svc *androidpublisher.Service, cfg Config, tokens *Tokens, publicKey string) (*Provider, error) {
	if cfg.PackageName == "" {
		return nil, errors.New("package name is required")
	}

	key, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		log:     log.With(zap.String("package", cfg.PackageName)),
		svc:     svc,
		cfg:     cfg,
		key:     key,
		catalog: newCatalog(svc, cfg.PackageName, cfg.CatalogTTL),
		tokens:  tokens,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (p *Provider) StartSetup(onComplete func(billing.Result)) {
	p.mu.Lock()
	disposed := p.disposed
	p.mu.Unlock()

	if disposed {
		onComplete(billing.NewResult(billing.ResponseBillingUnavailable, "Provider was disposed."))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, requestTimeout)
		defer cancel()

		if _, err := p.catalog.products(ctx); err != nil {
			p.log.Warn("Failed to reach billing service", zap.Error(err))
			onComplete(billing.NewResult(billing.ResponseBillingUnavailable, "Error checking for billing support."))
			return
		}

		p.mu.Lock()
		p.setup = !p.disposed
		p.mu.Unlock()

		onComplete(billing.NewResult(billing.ResponseOK, "Setup successful."))
	}()
}

func (p *Provider) QueryInventoryAsync(scoped bool, skus []string, onComplete func(billing.Result, *billing.Inventory)) error {
	if err := p.begin("refresh inventory"); err != nil {
		return err
	}

	var scope []string
	if scoped {
		scope = append([]string{}, skus...)
	}

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, requestTimeout)
		defer cancel()

		result, inv := p.queryInventory(ctx, scoped, scope)
		p.end()
		onComplete(result, inv)
	}()

	return nil
}

func (p *Provider) queryInventory(ctx context.Context, scoped bool, skus []string) (billing.Result, *billing.Inventory) {
	inv := billing.NewInventory()

	products, err := p.catalog.products(ctx)
	if err != nil {
		p.log.Warn("Failed to load product details", zap.Error(err))
		return billing.NewResult(billing.HelperRemoteException, "Error refreshing inventory (querying prices of items)."), inv
	}

	if !scoped {
		skus = make([]string, 0, len(products))
		for sku := range products {
			skus = append(skus, sku)
		}
	}
	for _, sku := range skus {
		product, ok := products[sku]
		if !ok {
			continue
		}

		rendered, err := renderProduct(product)
		if err != nil {
			p.log.Warn("Failed to render product details", zap.String("sku", sku), zap.Error(err))
			return billing.NewResult(billing.HelperBadResponse, "Error parsing product details."), inv
		}
		parsed, err := billing.ParseProduct(itemTypeOf(product), rendered)
		if err != nil {
			return billing.NewResult(billing.HelperBadResponse, "Error parsing product details."), inv
		}
		inv.AddProduct(parsed)
	}

	for sku, token := range p.tokens.snapshot() {
		purchase, owned, err := p.fetchPurchase(ctx, itemTypeOf(products[sku]), sku, token)
		if err != nil {
			p.log.Warn("Failed to load purchase", zap.String("sku", sku), zap.Error(err))
			return billing.NewResult(billing.HelperRemoteException, "Error refreshing inventory (querying owned items)."), inv
		}
		if !owned {
			p.tokens.Forget(sku, token)
			continue
		}
		inv.AddPurchase(purchase)
	}

	return billing.NewResult(billing.ResponseOK, "Inventory refresh successful."), inv
}

// fetchPurchase loads a purchase token and reports whether it is still owned.
func (p *Provider) fetchPurchase(ctx context.Context, itemType billing.ItemType, sku, token string) (*billing.Purchase, bool, error) {
	var data purchaseData

	switch itemType {
	case billing.ItemTypeSubscription:
		sub, err := p.svc.Purchases.Subscriptions.Get(p.cfg.PackageName, sku, token).Context(ctx).Do()
		if isGone(err) {
			return nil, false, nil
		} else if err != nil {
			return nil, false, errors.Wrapf(err, "failed to get subscription %s", sku)
		}
		if sub.ExpiryTimeMillis <= p.now().UnixMilli() {
			return nil, false, nil
		}

		data = purchaseData{
			OrderID:          sub.OrderId,
			PackageName:      p.cfg.PackageName,
			ProductID:        sku,
			PurchaseTime:     sub.StartTimeMillis,
			PurchaseState:    billing.PurchaseStatePurchased,
			DeveloperPayload: sub.DeveloperPayload,
			PurchaseToken:    token,
			AutoRenewing:     sub.AutoRenewing,
		}
	default:
		purchase, err := p.svc.Purchases.Products.Get(p.cfg.PackageName, sku, token).Context(ctx).Do()
		if isGone(err) {
			return nil, false, nil
		} else if err != nil {
			return nil, false, errors.Wrapf(err, "failed to get purchase %s", sku)
		}
		// Only completed, unconsumed purchases are owned.
		if purchase.PurchaseState != billing.PurchaseStatePurchased || purchase.ConsumptionState != 0 {
			return nil, false, nil
		}

		data = purchaseData{
			OrderID:          purchase.OrderId,
			PackageName:      p.cfg.PackageName,
			ProductID:        sku,
			PurchaseTime:     purchase.PurchaseTimeMillis,
			PurchaseState:    purchase.PurchaseState,
			DeveloperPayload: purchase.DeveloperPayload,
			PurchaseToken:    token,
		}
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, false, err
	}

	parsed, err := billing.ParsePurchase(itemType, string(encoded), "")
	if err != nil {
		return nil, false, err
	}
	return parsed, true, nil
}

func (p *Provider) LaunchPurchaseFlow(_ billing.Host, sku string, requestCode int, _ string, onComplete func(billing.Result, *billing.Purchase)) error {
	if err := p.begin("launchPurchaseFlow"); err != nil {
		return err
	}

	p.mu.Lock()
	p.pending = &pendingFlow{
		requestCode: requestCode,
		sku:         sku,
		onComplete:  onComplete,
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
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, requestTimeout)
		defer cancel()

		result, purchase := p.resolve(ctx, flow, resultCode, payload)
		p.end()
		flow.onComplete(result, purchase)
	}()

	return true
}

func (p *Provider) resolve(ctx context.Context, flow *pendingFlow, resultCode int, payload []byte) (billing.Result, *billing.Purchase) {
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
	if products, err := p.catalog.products(ctx); err == nil {
		itemType = itemTypeOf(products[flow.sku])
	}

	purchase, err := billing.ParsePurchase(itemType, ext.PurchaseData, ext.DataSignature)
	if err != nil {
		p.log.Warn("Failed to parse purchase data", zap.Error(err))
		return billing.NewResult(billing.HelperBadResponse, "Failed to parse purchase data."), nil
	}
	if purchase.SKU != flow.sku {
		return billing.NewResult(billing.HelperUnknownPurchaseResponse, "Purchase is for "+purchase.SKU+", expected "+flow.sku), nil
	}
	if p.key != nil && !verifySignature(p.key, ext.PurchaseData, ext.DataSignature) {
		return billing.NewResult(billing.HelperVerificationFailed, "Signature verification failed for sku "+purchase.SKU), purchase
	}

	_, owned, err := p.fetchPurchase(ctx, itemType, purchase.SKU, purchase.Token)
	if err != nil {
		p.log.Warn("Failed to confirm purchase", zap.String("sku", purchase.SKU), zap.Error(err))
		return billing.NewResult(billing.HelperRemoteException, "Failed to confirm purchase."), purchase
	}
	if !owned {
		return billing.NewResult(billing.HelperVerificationFailed, "Purchase not confirmed for sku "+purchase.SKU), purchase
	}

	p.tokens.Track(purchase.SKU, purchase.Token)
	return billing.NewResult(billing.ResponseOK, "Success"), purchase
}

func (p *Provider) ConsumeAsync(purchase *billing.Purchase, onComplete func(*billing.Purchase, billing.Result)) error {
	if err := p.begin("consume"); err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, requestTimeout)
		defer cancel()

		result := p.consume(ctx, purchase)
		p.end()
		onComplete(purchase, result)
	}()

	return nil
}

func (p *Provider) consume(ctx context.Context, purchase *billing.Purchase) billing.Result {
	if purchase.ItemType != billing.ItemTypeInApp {
		return billing.NewResult(billing.HelperInvalidConsumption, "Items of type '"+purchase.ItemType.String()+"' can't be consumed.")
	}
	if purchase.Token == "" {
		return billing.NewResult(billing.HelperMissingToken, "PurchaseInfo is missing token for sku: "+purchase.SKU)
	}

	err := p.svc.Purchases.Products.Consume(p.cfg.PackageName, purchase.SKU, purchase.Token).Context(ctx).Do()
	if isGone(err) {
		p.tokens.Forget(purchase.SKU, purchase.Token)
		return billing.NewResult(billing.ResponseItemNotOwned, "Error consuming sku "+purchase.SKU)
	} else if err != nil {
		p.log.Warn("Failed to consume purchase", zap.String("sku", purchase.SKU), zap.Error(err))
		return billing.NewResult(billing.HelperRemoteException, "Remote exception while consuming. PurchaseInfo: "+purchase.String())
	}

	p.tokens.Forget(purchase.SKU, purchase.Token)
	return billing.NewResult(billing.ResponseOK, "Successful consume of sku "+purchase.SKU)
}

func (p *Provider) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight != "" {
		return billing.NewInProgressError("dispose", p.inFlight)
	}
	if p.disposed {
		return nil
	}

	p.disposed = true
	p.setup = false
	p.pending = nil
	p.cancel()
	p.catalog.close()

	return nil
}

func (p *Provider) begin(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return ErrDisposed
	}
	if !p.setup {
		return ErrSetupNotDone
	}
	if p.inFlight != "" {
		return billing.NewInProgressError(op, p.inFlight)
	}
	p.inFlight = op

	return nil
}

func (p *Provider) end() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inFlight = ""
}

// isGone reports whether the API no longer knows a purchase token.
func isGone(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}

	switch apiErr.Code {
	case http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}
