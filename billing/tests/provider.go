package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-billing/billing"
)

const timeout = 5 * time.Second

// Listing describes a product the backend should offer.
type Listing struct {
	SKU         string
	ItemType    billing.ItemType
	Title       string
	Description string
	PriceMicros int64
	Currency    string
}

// Backend is the billing service behind the providers under test.
type Backend interface {
	// AddProduct offers a product.
	AddProduct(t *testing.T, l Listing)

	// Grant gives the user sku, as if it was bought on another device.
	Grant(t *testing.T, sku string)

	// Revoke takes sku away from the user, as if it was consumed or refunded
	// on another device.
	Revoke(t *testing.T, sku string)

	// Owns reports whether the service considers sku owned by the user.
	Owns(t *testing.T, sku string) bool

	// Checkout completes the purchase UI for sku and returns the payload the
	// host forwards to the provider.
	Checkout(t *testing.T, sku, developerPayload string) []byte

	// Hold keeps every provider operation started from now on in flight until
	// release is called.
	Hold() (release func())
}

// Harness binds a provider factory to the backend it talks to.
type Harness struct {
	Factory   billing.ProviderFactory
	PublicKey string
	Backend   Backend
}

var (
	diamante = Listing{
		SKU:         "diamante",
		ItemType:    billing.ItemTypeInApp,
		Title:       "Diamante",
		Description: "Um diamante",
		PriceMicros: 3_190_000,
		Currency:    "BRL",
	}
	plus = Listing{
		SKU:         "plus",
		ItemType:    billing.ItemTypeSubscription,
		Title:       "Plus",
		Description: "Monthly plus",
		PriceMicros: 9_990_000,
		Currency:    "USD",
	}
)

// RunProviderTests runs a set of tests against a billing.Provider.
func RunProviderTests(t *testing.T, h Harness, teardown func()) {
	for _, tf := range []func(t *testing.T, h Harness){
		testSetupRequired,
		testQueryInventory,
		testSingleFlight,
		testPurchaseFlow,
		testPurchaseCanceled,
		testPurchaseRejectedByService,
		testConsume,
		testConsumeSubscription,
		testExternalChanges,
		testDispose,
	} {
		tf(t, h)
		teardown()
	}
}

func testSetupRequired(t *testing.T, h Harness) {
	p := newProvider(t, h)

	err := p.QueryInventoryAsync(false, nil, func(billing.Result, *billing.Inventory) {
		t.Error("unexpected completion")
	})
	require.Error(t, err)
	require.False(t, billing.IsInProgress(err))

	require.False(t, p.HandleExternalResult(billing.DefaultPurchaseRequestCode, billing.HostResultOK, nil))
}

func testQueryInventory(t *testing.T, h Harness) {
	h.Backend.AddProduct(t, diamante)
	h.Backend.AddProduct(t, plus)
	h.Backend.Grant(t, plus.SKU)

	p := newStartedProvider(t, h)

	t.Run("Unscoped", func(t *testing.T) {
		result, inv := queryInventory(t, p, false)
		require.True(t, result.Succeeded(), result.Message)

		requireListing(t, inv, diamante)
		requireListing(t, inv, plus)

		require.Equal(t, []string{plus.SKU}, inv.AllOwnedSKUs())
		purchase, ok := inv.Purchase(plus.SKU)
		require.True(t, ok)
		require.Equal(t, billing.ItemTypeSubscription, purchase.ItemType)
		require.NotEmpty(t, purchase.Token)
		require.NotEmpty(t, purchase.RawJSON)
	})

	t.Run("Scoped", func(t *testing.T) {
		result, inv := queryInventory(t, p, true, diamante.SKU, "missing")
		require.True(t, result.Succeeded(), result.Message)

		requireListing(t, inv, diamante)
		require.False(t, inv.HasProduct(plus.SKU))
		require.False(t, inv.HasProduct("missing"))
		require.True(t, inv.HasPurchase(plus.SKU))
	})
}

func testSingleFlight(t *testing.T, h Harness) {
	h.Backend.AddProduct(t, diamante)
	h.Backend.Grant(t, diamante.SKU)

	p := newStartedProvider(t, h)
	_, inv := queryInventory(t, p, false)
	purchase, ok := inv.Purchase(diamante.SKU)
	require.True(t, ok)

	release := h.Backend.Hold()
	defer release()

	done := make(chan billing.Result, 1)
	require.NoError(t, p.QueryInventoryAsync(false, nil, func(result billing.Result, _ *billing.Inventory) {
		done <- result
	}))

	err := p.QueryInventoryAsync(true, []string{diamante.SKU}, func(billing.Result, *billing.Inventory) {
		t.Error("unexpected completion of rejected query")
	})
	require.True(t, billing.IsInProgress(err), "err: %v", err)

	var inProgress *billing.InProgressError
	require.ErrorAs(t, err, &inProgress)
	require.Equal(t, billing.HelperAsyncInProgress, inProgress.Result.Code)

	err = p.ConsumeAsync(purchase, func(*billing.Purchase, billing.Result) {
		t.Error("unexpected completion of rejected consume")
	})
	require.True(t, billing.IsInProgress(err), "err: %v", err)

	err = p.LaunchPurchaseFlow(nil, diamante.SKU, billing.DefaultPurchaseRequestCode, "", func(billing.Result, *billing.Purchase) {
		t.Error("unexpected completion of rejected purchase")
	})
	require.True(t, billing.IsInProgress(err), "err: %v", err)

	require.True(t, billing.IsInProgress(p.Dispose()))

	release()
	select {
	case result := <-done:
		require.True(t, result.Succeeded(), result.Message)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for held query")
	}

	result, _ := queryInventory(t, p, false)
	require.True(t, result.Succeeded(), result.Message)
}

func testPurchaseFlow(t *testing.T, h Harness) {
	h.Backend.AddProduct(t, diamante)

	p := newStartedProvider(t, h)

	done := make(chan billing.PurchaseEvent, 1)
	require.NoError(t, p.LaunchPurchaseFlow(nil, diamante.SKU, billing.DefaultPurchaseRequestCode, "payload", func(result billing.Result, purchase *billing.Purchase) {
		done <- billing.PurchaseEvent{Result: result, Purchase: purchase}
	}))

	err := p.QueryInventoryAsync(false, nil, func(billing.Result, *billing.Inventory) {
		t.Error("unexpected completion of rejected query")
	})
	require.True(t, billing.IsInProgress(err), "err: %v", err)

	payload := h.Backend.Checkout(t, diamante.SKU, "payload")
	require.False(t, p.HandleExternalResult(billing.DefaultPurchaseRequestCode+1, billing.HostResultOK, payload))
	require.True(t, p.HandleExternalResult(billing.DefaultPurchaseRequestCode, billing.HostResultOK, payload))

	var e billing.PurchaseEvent
	select {
	case e = <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for purchase")
	}
	require.True(t, e.Result.Succeeded(), e.Result.Message)
	require.NotNil(t, e.Purchase)
	require.Equal(t, diamante.SKU, e.Purchase.SKU)
	require.Equal(t, billing.ItemTypeInApp, e.Purchase.ItemType)
	require.Equal(t, "payload", e.Purchase.DeveloperPayload)
	require.NotEmpty(t, e.Purchase.Token)

	require.False(t, p.HandleExternalResult(billing.DefaultPurchaseRequestCode, billing.HostResultOK, payload))

	result, inv := queryInventory(t, p, false)
	require.True(t, result.Succeeded(), result.Message)
	owned, ok := inv.Purchase(diamante.SKU)
	require.True(t, ok)
	require.Equal(t, e.Purchase.Token, owned.Token)
}

func testPurchaseCanceled(t *testing.T, h Harness) {
	h.Backend.AddProduct(t, diamante)

	p := newStartedProvider(t, h)

	e := purchase(t, p, diamante.SKU, func() {
		require.True(t, p.HandleExternalResult(billing.DefaultPurchaseRequestCode, billing.HostResultCanceled, nil))
	})
	require.Equal(t, billing.HelperUserCancelled, e.Result.Code)
	require.Nil(t, e.Purchase)

	result, inv := queryInventory(t, p, false)
	require.True(t, result.Succeeded(), result.Message)
	require.Empty(t, inv.AllOwnedSKUs())
}

func testPurchaseRejectedByService(t *testing.T, h Harness) {
	h.Backend.AddProduct(t, diamante)
	h.Backend.Grant(t, diamante.SKU)

	p := newStartedProvider(t, h)

	e := purchase(t, p, diamante.SKU, func() {
		payload := h.Backend.Checkout(t, diamante.SKU, "")
		require.True(t, p.HandleExternalResult(billing.DefaultPurchaseRequestCode, billing.HostResultOK, payload))
	})
	require.Equal(t, billing.ResponseItemAlreadyOwned, e.Result.Code)
	require.True(t, e.Result.Failed())
}

func testConsume(t *testing.T, h Harness) {
	h.Backend.AddProduct(t, diamante)
	h.Backend.Grant(t, diamante.SKU)

	p := newStartedProvider(t, h)

	_, inv := queryInventory(t, p, true, diamante.SKU)
	owned, ok := inv.Purchase(diamante.SKU)
	require.True(t, ok)

	consumed, result := consume(t, p, owned)
	require.True(t, result.Succeeded(), result.Message)
	require.Same(t, owned, consumed)
	require.False(t, h.Backend.Owns(t, diamante.SKU))

	result, inv = queryInventory(t, p, false)
	require.True(t, result.Succeeded(), result.Message)
	require.False(t, inv.HasPurchase(diamante.SKU))

	_, result = consume(t, p, owned)
	require.True(t, result.Failed())

	_, result = consume(t, p, &billing.Purchase{ItemType: billing.ItemTypeInApp, SKU: diamante.SKU})
	require.Equal(t, billing.HelperMissingToken, result.Code)
}

func testConsumeSubscription(t *testing.T, h Harness) {
	h.Backend.AddProduct(t, plus)
	h.Backend.Grant(t, plus.SKU)

	p := newStartedProvider(t, h)

	_, inv := queryInventory(t, p, false)
	owned, ok := inv.Purchase(plus.SKU)
	require.True(t, ok)

	_, result := consume(t, p, owned)
	require.Equal(t, billing.HelperInvalidConsumption, result.Code)
	require.True(t, h.Backend.Owns(t, plus.SKU))
}

func testExternalChanges(t *testing.T, h Harness) {
	h.Backend.AddProduct(t, diamante)

	p := newStartedProvider(t, h)

	_, inv := queryInventory(t, p, false)
	require.Empty(t, inv.AllOwnedSKUs())

	h.Backend.Grant(t, diamante.SKU)
	_, inv = queryInventory(t, p, false)
	require.Equal(t, []string{diamante.SKU}, inv.AllOwnedSKUs())

	h.Backend.Revoke(t, diamante.SKU)
	_, inv = queryInventory(t, p, false)
	require.Empty(t, inv.AllOwnedSKUs())
}

func testDispose(t *testing.T, h Harness) {
	p := newStartedProvider(t, h)

	require.NoError(t, p.Dispose())

	err := p.QueryInventoryAsync(false, nil, func(billing.Result, *billing.Inventory) {
		t.Error("unexpected completion after dispose")
	})
	require.Error(t, err)
	require.False(t, billing.IsInProgress(err))
}

func newProvider(t *testing.T, h Harness) billing.Provider {
	p, err := h.Factory(context.Background(), h.PublicKey)
	require.NoError(t, err)
	return p
}

func newStartedProvider(t *testing.T, h Harness) billing.Provider {
	p := newProvider(t, h)

	done := make(chan billing.Result, 1)
	p.StartSetup(func(result billing.Result) {
		done <- result
	})

	select {
	case result := <-done:
		require.True(t, result.Succeeded(), result.Message)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for setup")
	}

	return p
}

func queryInventory(t *testing.T, p billing.Provider, scoped bool, skus ...string) (billing.Result, *billing.Inventory) {
	done := make(chan billing.InventoryEvent, 1)
	require.NoError(t, p.QueryInventoryAsync(scoped, skus, func(result billing.Result, inv *billing.Inventory) {
		done <- billing.InventoryEvent{Result: result, Inventory: inv}
	}))

	select {
	case e := <-done:
		require.NotNil(t, e.Inventory)
		return e.Result, e.Inventory
	case <-time.After(timeout):
		t.Fatal("timed out waiting for inventory")
		return billing.Result{}, nil
	}
}

func purchase(t *testing.T, p billing.Provider, sku string, complete func()) billing.PurchaseEvent {
	done := make(chan billing.PurchaseEvent, 1)
	require.NoError(t, p.LaunchPurchaseFlow(nil, sku, billing.DefaultPurchaseRequestCode, "", func(result billing.Result, purchase *billing.Purchase) {
		done <- billing.PurchaseEvent{Result: result, Purchase: purchase}
	}))

	complete()

	select {
	case e := <-done:
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for purchase")
		return billing.PurchaseEvent{}
	}
}

func consume(t *testing.T, p billing.Provider, purchase *billing.Purchase) (*billing.Purchase, billing.Result) {
	done := make(chan billing.ConsumeEvent, 1)
	require.NoError(t, p.ConsumeAsync(purchase, func(consumed *billing.Purchase, result billing.Result) {
		done <- billing.ConsumeEvent{Purchase: consumed, Result: result}
	}))

	select {
	case e := <-done:
		return e.Purchase, e.Result
	case <-time.After(timeout):
		t.Fatal("timed out waiting for consume")
		return nil, billing.Result{}
	}
}

func requireListing(t *testing.T, inv *billing.Inventory, l Listing) {
	product, ok := inv.Product(l.SKU)
	require.True(t, ok, "missing product %s", l.SKU)

	assert.Equal(t, l.ItemType, product.ItemType)
	assert.Equal(t, l.ItemType.String(), product.Type)
	assert.Equal(t, l.Title, product.Title)
	assert.Equal(t, l.Description, product.Description)
	assert.Equal(t, l.PriceMicros, product.PriceMicros)
	assert.Equal(t, l.Currency, product.CurrencyCode)
	assert.NotEmpty(t, product.Price)
}
