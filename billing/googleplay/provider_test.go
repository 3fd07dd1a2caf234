package googleplay

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"github.com/code-payments/flipchat-billing/billing"
	"github.com/code-payments/flipchat-billing/billing/tests"
)

const testPackageName = "xyz.flipchat.app"

type fakePurchase struct {
	sku              string
	itemType         billing.ItemType
	orderID          string
	state            int64
	consumed         bool
	startMillis      int64
	expiryMillis     int64
	developerPayload string
}

// fakePlay serves the parts of the Play Developer API the provider uses.
type fakePlay struct {
	key    *rsa.PrivateKey
	tokens *Tokens

	mu        sync.Mutex
	products  map[string]*androidpublisher.InAppProduct
	purchases map[string]*fakePurchase
	orders    int
	listCalls int
	failGets  bool
	gate      chan struct{}
}

func newFakePlay(t *testing.T, tokens *Tokens) (*fakePlay, *httptest.Server) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakePlay{
		key:       key,
		tokens:    tokens,
		products:  map[string]*androidpublisher.InAppProduct{},
		purchases: map[string]*fakePurchase{},
	}

	r := chi.NewRouter()
	r.Use(f.hold)
	r.Route("/androidpublisher/v3/applications/{packageName}", func(r chi.Router) {
		r.Get("/inappproducts", f.listProducts)
		r.Get("/purchases/products/{sku}/tokens/{token}", f.getProduct)
		r.Post("/purchases/products/{sku}/tokens/{token}", f.consumeProduct)
		r.Get("/purchases/subscriptions/{sku}/tokens/{token}", f.getSubscription)
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return f, server
}

func (f *fakePlay) publicKey(t *testing.T) string {
	raw, err := x509.MarshalPKIXPublicKey(&f.key.PublicKey)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func (f *fakePlay) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.products = map[string]*androidpublisher.InAppProduct{}
	f.purchases = map[string]*fakePurchase{}
	f.orders = 0
	f.listCalls = 0
	f.failGets = false
	f.gate = nil
	f.tokens.reset()
}

func (f *fakePlay) hold(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		gate := f.gate
		f.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakePlay) listProducts(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++

	skus := make([]string, 0, len(f.products))
	for sku := range f.products {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	// One product per page.
	page := 0
	if token := r.URL.Query().Get("token"); token != "" {
		page, _ = strconv.Atoi(token)
	}

	resp := &androidpublisher.InappproductsListResponse{}
	if page < len(skus) {
		resp.Inappproduct = []*androidpublisher.InAppProduct{f.products[skus[page]]}
	}
	if page+1 < len(skus) {
		resp.TokenPagination = &androidpublisher.TokenPagination{NextPageToken: strconv.Itoa(page + 1)}
	}

	writeJSON(w, resp)
}

func (f *fakePlay) getProduct(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failGets {
		writeError(w, http.StatusInternalServerError)
		return
	}

	p, ok := f.purchases[chi.URLParam(r, "token")]
	if !ok || p.sku != chi.URLParam(r, "sku") || p.itemType != billing.ItemTypeInApp {
		writeError(w, http.StatusNotFound)
		return
	}

	consumption := int64(0)
	if p.consumed {
		consumption = 1
	}

	writeJSON(w, &androidpublisher.ProductPurchase{
		OrderId:            p.orderID,
		ProductId:          p.sku,
		PurchaseState:      p.state,
		ConsumptionState:   consumption,
		PurchaseTimeMillis: p.startMillis,
		DeveloperPayload:   p.developerPayload,
	})
}

func (f *fakePlay) consumeProduct(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutSuffix(chi.URLParam(r, "token"), ":consume")
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.purchases[token]
	if !ok || p.sku != chi.URLParam(r, "sku") || p.consumed || p.state != billing.PurchaseStatePurchased {
		writeError(w, http.StatusNotFound)
		return
	}

	p.consumed = true
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakePlay) getSubscription(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.purchases[chi.URLParam(r, "token")]
	if !ok || p.sku != chi.URLParam(r, "sku") || p.itemType != billing.ItemTypeSubscription {
		writeError(w, http.StatusNotFound)
		return
	}

	writeJSON(w, &androidpublisher.SubscriptionPurchase{
		OrderId:          p.orderID,
		StartTimeMillis:  p.startMillis,
		ExpiryTimeMillis: p.expiryMillis,
		AutoRenewing:     true,
		DeveloperPayload: p.developerPayload,
	})
}

func (f *fakePlay) AddProduct(_ *testing.T, l tests.Listing) {
	purchaseType := "managedUser"
	if l.ItemType == billing.ItemTypeSubscription {
		purchaseType = purchaseTypeSubscription
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.products[l.SKU] = &androidpublisher.InAppProduct{
		Sku:             l.SKU,
		PackageName:     testPackageName,
		PurchaseType:    purchaseType,
		Status:          "active",
		DefaultLanguage: "pt-BR",
		DefaultPrice: &androidpublisher.Price{
			Currency:    l.Currency,
			PriceMicros: strconv.FormatInt(l.PriceMicros, 10),
		},
		Listings: map[string]androidpublisher.InAppProductListing{
			"pt-BR": {Title: l.Title, Description: l.Description},
		},
	}
}

func (f *fakePlay) Grant(t *testing.T, sku string) {
	f.mu.Lock()
	token, _, err := f.purchaseLocked(sku, "")
	f.mu.Unlock()
	require.NoError(t, err)

	// Real-time developer notifications announce purchases made elsewhere.
	f.tokens.Track(sku, token)
}

func (f *fakePlay) Revoke(t *testing.T, sku string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.ownedLocked(sku)
	require.True(t, ok)

	p.state = billing.PurchaseStateCanceled
	p.expiryMillis = time.Now().Add(-time.Hour).UnixMilli()
}

func (f *fakePlay) Owns(_ *testing.T, sku string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.ownedLocked(sku)
	return ok
}

func (f *fakePlay) Checkout(t *testing.T, sku, developerPayload string) []byte {
	f.mu.Lock()
	token, p, err := f.purchaseLocked(sku, developerPayload)
	f.mu.Unlock()

	var result billing.ExternalResult
	switch {
	case errors.Is(err, errUnknownProduct):
		result.ResponseCode = billing.ResponseItemUnavailable
	case errors.Is(err, errAlreadyOwned):
		result.ResponseCode = billing.ResponseItemAlreadyOwned
	default:
		require.NoError(t, err)

		data, err := json.Marshal(purchaseData{
			OrderID:          p.orderID,
			PackageName:      testPackageName,
			ProductID:        sku,
			PurchaseTime:     p.startMillis,
			DeveloperPayload: developerPayload,
			PurchaseToken:    token,
		})
		require.NoError(t, err)

		result.PurchaseData = string(data)
		result.DataSignature = f.sign(t, result.PurchaseData)
	}

	payload, err := json.Marshal(result)
	require.NoError(t, err)
	return payload
}

func (f *fakePlay) Hold() func() {
	gate := make(chan struct{})

	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakePlay) sign(t *testing.T, data string) string {
	digest := sha1.Sum([]byte(data))
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.key, crypto.SHA1, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(signature)
}

var (
	errUnknownProduct = errors.New("unknown product")
	errAlreadyOwned   = errors.New("already owned")
)

func (f *fakePlay) purchaseLocked(sku, developerPayload string) (string, *fakePurchase, error) {
	product, ok := f.products[sku]
	if !ok {
		return "", nil, errUnknownProduct
	}
	if _, owned := f.ownedLocked(sku); owned {
		return "", nil, errAlreadyOwned
	}

	f.orders++
	now := time.Now()
	p := &fakePurchase{
		sku:              sku,
		itemType:         itemTypeOf(product),
		orderID:          fmt.Sprintf("GPA.%04d", f.orders),
		state:            billing.PurchaseStatePurchased,
		startMillis:      now.UnixMilli(),
		expiryMillis:     now.Add(30 * 24 * time.Hour).UnixMilli(),
		developerPayload: developerPayload,
	}

	token := uuid.NewString()
	f.purchases[token] = p
	return token, p, nil
}

func (f *fakePlay) ownedLocked(sku string) (*fakePurchase, bool) {
	now := time.Now().UnixMilli()
	for _, p := range f.purchases {
		if p.sku != sku {
			continue
		}
		switch p.itemType {
		case billing.ItemTypeSubscription:
			if p.expiryMillis > now {
				return p, true
			}
		default:
			if p.state == billing.PurchaseStatePurchased && !p.consumed {
				return p, true
			}
		}
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, code, http.StatusText(code))
}

func testOptions(server *httptest.Server) []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(server.URL + "/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(server.Client()),
	}
}

func TestGooglePlayProvider(t *testing.T) {
	tokens := NewTokens()
	play, server := newFakePlay(t, tokens)

	cfg := Config{PackageName: testPackageName, CatalogTTL: time.Minute}
	harness := tests.Harness{
		Factory:   NewFactory(zaptest.NewLogger(t), cfg, tokens, testOptions(server)...),
		PublicKey: play.publicKey(t),
		Backend:   play,
	}
	teardown := func() {
		play.reset()
	}

	tests.RunProviderTests(t, harness, teardown)
}

func TestGooglePlayProvider_Config(t *testing.T) {
	tokens := NewTokens()
	_, server := newFakePlay(t, tokens)

	factory := NewFactory(zaptest.NewLogger(t), Config{}, tokens, testOptions(server)...)
	_, err := factory(context.Background(), "")
	require.Error(t, err)

	factory = NewFactory(zaptest.NewLogger(t), Config{PackageName: testPackageName}, tokens, testOptions(server)...)
	_, err = factory(context.Background(), "not base64!")
	require.Error(t, err)

	_, err = factory(context.Background(), base64.StdEncoding.EncodeToString([]byte("not a key")))
	require.Error(t, err)

	p, err := factory(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, p.Dispose())
	require.NoError(t, p.Dispose())
}

func newTestProvider(t *testing.T, play *fakePlay, server *httptest.Server, publicKey string) *Provider {
	svc, err := androidpublisher.NewService(context.Background(), testOptions(server)...)
	require.NoError(t, err)

	p, err := NewProvider(zaptest.NewLogger(t), svc, Config{PackageName: testPackageName, CatalogTTL: time.Minute}, play.tokens, publicKey)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Dispose()
	})

	done := make(chan billing.Result, 1)
	p.StartSetup(func(r billing.Result) {
		done <- r
	})
	select {
	case r := <-done:
		require.True(t, r.Succeeded(), r.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for setup")
	}

	return p
}

func query(t *testing.T, p *Provider) (billing.Result, *billing.Inventory) {
	done := make(chan billing.InventoryEvent, 1)
	require.NoError(t, p.QueryInventoryAsync(false, nil, func(r billing.Result, inv *billing.Inventory) {
		done <- billing.InventoryEvent{Result: r, Inventory: inv}
	}))

	select {
	case e := <-done:
		return e.Result, e.Inventory
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inventory")
		return billing.Result{}, nil
	}
}

func TestGooglePlayProvider_CatalogIsCached(t *testing.T) {
	play, server := newFakePlay(t, NewTokens())
	play.AddProduct(t, tests.Listing{SKU: "diamante", ItemType: billing.ItemTypeInApp, Title: "Diamante", PriceMicros: 3_190_000, Currency: "BRL"})
	play.AddProduct(t, tests.Listing{SKU: "rubi", ItemType: billing.ItemTypeInApp, Title: "Rubi", PriceMicros: 990_000, Currency: "BRL"})

	p := newTestProvider(t, play, server, "")

	result, inv := query(t, p)
	require.True(t, result.Succeeded(), result.Message)
	require.True(t, inv.HasProduct("diamante"))
	require.True(t, inv.HasProduct("rubi"))

	product, _ := inv.Product("diamante")
	require.Equal(t, "3.19 BRL", product.Price)

	_, _ = query(t, p)

	play.mu.Lock()
	defer play.mu.Unlock()

	// Setup lists both pages once; queries are served from the cache.
	require.Equal(t, 2, play.listCalls)
}

func TestGooglePlayProvider_RemoteFailure(t *testing.T) {
	play, server := newFakePlay(t, NewTokens())
	play.AddProduct(t, tests.Listing{SKU: "diamante", ItemType: billing.ItemTypeInApp})
	play.Grant(t, "diamante")

	p := newTestProvider(t, play, server, "")

	play.mu.Lock()
	play.failGets = true
	play.mu.Unlock()

	result, _ := query(t, p)
	require.Equal(t, billing.HelperRemoteException, result.Code)

	// A failed lookup does not drop the token.
	require.Equal(t, 1, play.tokens.Len())
}

func TestGooglePlayProvider_VerificationFailed(t *testing.T) {
	play, server := newFakePlay(t, NewTokens())
	play.AddProduct(t, tests.Listing{SKU: "diamante", ItemType: billing.ItemTypeInApp})

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	raw, err := x509.MarshalPKIXPublicKey(&other.PublicKey)
	require.NoError(t, err)

	p := newTestProvider(t, play, server, base64.StdEncoding.EncodeToString(raw))

	done := make(chan billing.Result, 1)
	require.NoError(t, p.LaunchPurchaseFlow(nil, "diamante", billing.DefaultPurchaseRequestCode, "", func(r billing.Result, _ *billing.Purchase) {
		done <- r
	}))
	require.True(t, p.HandleExternalResult(billing.DefaultPurchaseRequestCode, billing.HostResultOK, play.Checkout(t, "diamante", "")))

	select {
	case r := <-done:
		require.Equal(t, billing.HelperVerificationFailed, r.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for purchase")
	}
	require.Zero(t, play.tokens.Len())
}

func TestRenderProduct(t *testing.T) {
	rendered, err := renderProduct(&androidpublisher.InAppProduct{
		Sku:             "diamante",
		PurchaseType:    "managedUser",
		DefaultLanguage: "pt-BR",
		DefaultPrice:    &androidpublisher.Price{Currency: "BRL", PriceMicros: "3190000"},
		Listings: map[string]androidpublisher.InAppProductListing{
			"en-US": {Title: "Diamond"},
			"pt-BR": {Title: "Diamante (Mapa da Saúde)", Description: "Diamante"},
		},
	})
	require.NoError(t, err)

	product, err := billing.ParseProduct(billing.ItemTypeInApp, rendered)
	require.NoError(t, err)
	require.Equal(t, "diamante", product.SKU)
	require.Equal(t, "inapp", product.Type)
	require.Equal(t, "3.19 BRL", product.Price)
	require.EqualValues(t, 3_190_000, product.PriceMicros)
	require.Equal(t, "BRL", product.CurrencyCode)
	require.Equal(t, "Diamante (Mapa da Saúde)", product.Title)
	require.Equal(t, "Diamante", product.Description)

	rendered, err = renderProduct(&androidpublisher.InAppProduct{
		Sku:          "plus",
		PurchaseType: purchaseTypeSubscription,
		Listings: map[string]androidpublisher.InAppProductListing{
			"fr-FR": {Title: "Plus FR"},
			"de-DE": {Title: "Plus DE"},
		},
	})
	require.NoError(t, err)

	product, err = billing.ParseProduct(billing.ItemTypeSubscription, rendered)
	require.NoError(t, err)
	require.Equal(t, "subs", product.Type)
	require.Equal(t, "Plus DE", product.Title)
	require.Empty(t, product.Price)

	_, err = renderProduct(&androidpublisher.InAppProduct{
		Sku:          "broken",
		DefaultPrice: &androidpublisher.Price{PriceMicros: "lots"},
	})
	require.Error(t, err)
}

func TestTokens(t *testing.T) {
	tokens := NewTokens()

	tokens.Track("", "t0")
	tokens.Track("diamante", "")
	require.Zero(t, tokens.Len())

	tokens.Track("diamante", "t1")
	tokens.Track("diamante", "t2")
	require.Equal(t, map[string]string{"diamante": "t2"}, tokens.snapshot())

	tokens.Forget("diamante", "t1")
	require.Equal(t, 1, tokens.Len())

	tokens.Forget("diamante", "t2")
	require.Zero(t, tokens.Len())
}
