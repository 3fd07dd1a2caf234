package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diamanteListing = `{"productId":"diamante","type":"inapp","price":"R$3.19","price_amount_micros":3190000,"price_currency_code":"BRL","title":"Diamante (Mapa da Saúde)","description":"Diamante"}`

func TestResult(t *testing.T) {
	ok := NewResult(ResponseOK, "")
	require.True(t, ok.Succeeded())
	require.False(t, ok.Failed())
	require.Equal(t, "OK", ok.Message)
	require.Equal(t, "Result: OK", ok.String())

	for _, code := range []int{
		ResponseUserCanceled,
		ResponseItemAlreadyOwned,
		HelperVerificationFailed,
		HelperAsyncInProgress,
		42,
		-1999,
	} {
		r := NewResult(code, "")
		assert.True(t, r.Failed(), "code %d", code)
		assert.False(t, r.Succeeded(), "code %d", code)
		assert.Contains(t, r.Message, Description(code), "code %d", code)
		assert.Contains(t, r.String(), r.Message, "code %d", code)
	}
}

func TestResult_MessageComposition(t *testing.T) {
	r := NewResult(ResponseItemNotOwned, "Error consuming diamante")
	require.Equal(t, "Error consuming diamante (response: Item not owned)", r.Message)

	blank := NewResult(ResponseItemNotOwned, "   ")
	require.Equal(t, "Item not owned", blank.Message)
}

func TestDescription_Unknown(t *testing.T) {
	require.Equal(t, "42:Unknown", Description(42))
	require.Equal(t, "-1500:Unknown IAB Helper Error", Description(-1500))
	require.Equal(t, "Another async operation is in progress", Description(HelperAsyncInProgress))
}

func TestInProgressError(t *testing.T) {
	err := NewInProgressError("consume", "refresh inventory")
	require.Equal(t, HelperAsyncInProgress, err.Result.Code)
	require.Contains(t, err.Error(), "consume")
	require.Contains(t, err.Error(), "refresh inventory")
	require.True(t, IsInProgress(err))
	require.False(t, IsInProgress(ErrNotStarted))
}

func TestParseProduct(t *testing.T) {
	p, err := ParseProduct(ItemTypeInApp, diamanteListing)
	require.NoError(t, err)

	require.Equal(t, "diamante", p.SKU)
	require.Equal(t, ItemTypeInApp, p.ItemType)
	require.Equal(t, "inapp", p.Type)
	require.Equal(t, "R$3.19", p.Price)
	require.EqualValues(t, 3190000, p.PriceMicros)
	require.Equal(t, "BRL", p.CurrencyCode)
	require.Equal(t, "Diamante (Mapa da Saúde)", p.Title)
	require.Equal(t, "Diamante", p.Description)
	require.Equal(t, diamanteListing, p.RawJSON)
	require.Equal(t, "Product:"+diamanteListing, p.String())
}

func TestParseProduct_MissingFields(t *testing.T) {
	p, err := ParseProduct(ItemTypeSubscription, `{}`)
	require.NoError(t, err)

	require.Equal(t, &Product{ItemType: ItemTypeSubscription, RawJSON: `{}`}, p)
}

func TestParseProduct_LenientTypes(t *testing.T) {
	p, err := ParseProduct(ItemTypeInApp, `{"productId":7,"price_amount_micros":"990000","title":null}`)
	require.NoError(t, err)

	require.Equal(t, "7", p.SKU)
	require.EqualValues(t, 990000, p.PriceMicros)
	require.Empty(t, p.Title)
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`{"productId":`,
		`[1,2,3]`,
		`null`,
		`{} {}`,
	} {
		_, err := ParseProduct(ItemTypeInApp, raw)
		assert.ErrorIs(t, err, ErrMalformedPayload, "payload %q", raw)

		_, err = ParsePurchase(ItemTypeInApp, raw, "sig")
		assert.ErrorIs(t, err, ErrMalformedPayload, "payload %q", raw)
	}
}

func TestParsePurchase(t *testing.T) {
	raw := `{"orderId":"GPA.1234","packageName":"xyz.flipchat.app","productId":"diamante","purchaseTime":1477000000000,"purchaseState":0,"developerPayload":"payload","purchaseToken":"tok-1","autoRenewing":true}`

	p, err := ParsePurchase(ItemTypeSubscription, raw, "c2ln")
	require.NoError(t, err)

	require.Equal(t, ItemTypeSubscription, p.ItemType)
	require.Equal(t, "diamante", p.SKU)
	require.Equal(t, "tok-1", p.Token)
	require.Equal(t, "GPA.1234", p.OrderID)
	require.Equal(t, "xyz.flipchat.app", p.PackageName)
	require.Equal(t, "payload", p.DeveloperPayload)
	require.EqualValues(t, 1477000000000, p.PurchaseTimeMillis)
	require.Equal(t, PurchaseStatePurchased, p.PurchaseState)
	require.True(t, p.AutoRenewing)
	require.Equal(t, raw, p.RawJSON)
	require.Equal(t, "c2ln", p.Signature)
	require.Equal(t, "Purchase(type:subs):"+raw, p.String())
}

func TestParsePurchase_MissingFields(t *testing.T) {
	p, err := ParsePurchase(ItemTypeInApp, `{"productId":"diamante"}`, "")
	require.NoError(t, err)

	require.Equal(t, &Purchase{
		ItemType: ItemTypeInApp,
		SKU:      "diamante",
		RawJSON:  `{"productId":"diamante"}`,
	}, p)
}

func TestParsePurchase_TokenPrecedence(t *testing.T) {
	p, err := ParsePurchase(ItemTypeInApp, `{"purchaseToken":"fallback"}`, "")
	require.NoError(t, err)
	require.Equal(t, "fallback", p.Token)

	p, err = ParsePurchase(ItemTypeInApp, `{"token":"primary","purchaseToken":"fallback"}`, "")
	require.NoError(t, err)
	require.Equal(t, "primary", p.Token)

	p, err = ParsePurchase(ItemTypeInApp, `{"token":null,"purchaseToken":"fallback"}`, "")
	require.NoError(t, err)
	require.Equal(t, "fallback", p.Token)

	p, err = ParsePurchase(ItemTypeInApp, `{}`, "")
	require.NoError(t, err)
	require.Empty(t, p.Token)
}

func TestInventory(t *testing.T) {
	inv := NewInventory()

	product, err := ParseProduct(ItemTypeInApp, diamanteListing)
	require.NoError(t, err)
	inv.AddProduct(product)

	gem := &Purchase{ItemType: ItemTypeInApp, SKU: "diamante", Token: "t1"}
	sub := &Purchase{ItemType: ItemTypeSubscription, SKU: "plus", Token: "t2"}
	inv.AddPurchase(sub)
	inv.AddPurchase(gem)

	require.True(t, inv.HasProduct("diamante"))
	require.False(t, inv.HasProduct("plus"))
	require.True(t, inv.HasPurchase("plus"))

	got, ok := inv.Product("diamante")
	require.True(t, ok)
	require.Same(t, product, got)

	_, ok = inv.Purchase("missing")
	require.False(t, ok)

	require.Equal(t, []string{"diamante", "plus"}, inv.AllOwnedSKUs())
	require.Equal(t, []string{"plus"}, inv.AllOwnedSKUsOfType(ItemTypeSubscription))
	require.Equal(t, []string{"diamante"}, inv.AllOwnedSKUsOfType(ItemTypeInApp))
	require.Equal(t, []*Purchase{gem, sub}, inv.AllPurchases())
	require.Equal(t, []*Product{product}, inv.AllProducts())

	replacement := &Purchase{ItemType: ItemTypeInApp, SKU: "diamante", Token: "t3"}
	inv.AddPurchase(replacement)
	got2, _ := inv.Purchase("diamante")
	require.Same(t, replacement, got2)
	require.Len(t, inv.AllPurchases(), 2)
}

func TestInventory_ErasePurchase(t *testing.T) {
	inv := NewInventory()
	inv.AddPurchase(&Purchase{ItemType: ItemTypeInApp, SKU: "diamante"})

	inv.ErasePurchase("missing")
	require.Equal(t, []string{"diamante"}, inv.AllOwnedSKUs())

	inv.ErasePurchase("diamante")
	require.False(t, inv.HasPurchase("diamante"))
	require.Empty(t, inv.AllOwnedSKUs())

	inv.ErasePurchase("diamante")
	require.Empty(t, inv.AllPurchases())
}

func TestInventory_SnapshotsAreIndependent(t *testing.T) {
	inv := NewInventory()
	inv.AddPurchase(&Purchase{ItemType: ItemTypeInApp, SKU: "a"})
	inv.AddPurchase(&Purchase{ItemType: ItemTypeInApp, SKU: "b"})

	skus := inv.AllOwnedSKUs()
	skus[0] = "mutated"
	purchases := inv.AllPurchases()
	purchases[0] = nil
	typed := inv.AllOwnedSKUsOfType(ItemTypeInApp)
	_ = append(typed[:0], "mutated")

	require.Equal(t, []string{"a", "b"}, inv.AllOwnedSKUs())
	require.NotNil(t, inv.AllPurchases()[0])
	require.True(t, inv.HasPurchase("a"))
}
