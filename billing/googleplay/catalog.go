package googleplay

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"google.golang.org/api/androidpublisher/v3"

	"github.com/code-payments/flipchat-billing/billing"
)

const (
	catalogKey = "inappproducts"

	purchaseTypeSubscription = "subscription"
)

// catalog caches the application's in-app products.
type catalog struct {
	svc         *androidpublisher.Service
	packageName string
	cache       *ttlcache.Cache
}

func newCatalog(svc *androidpublisher.Service, packageName string, ttl time.Duration) *catalog {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	cache.SkipTtlExtensionOnHit(true)

	return &catalog{
		svc:         svc,
		packageName: packageName,
		cache:       cache,
	}
}

// products returns the catalog keyed by SKU, listing it when the cached copy
// has expired.
func (c *catalog) products(ctx context.Context) (map[string]*androidpublisher.InAppProduct, error) {
	if cached, ok := c.cache.Get(catalogKey); ok {
		return cached.(map[string]*androidpublisher.InAppProduct), nil
	}

	products := map[string]*androidpublisher.InAppProduct{}

	var token string
	for {
		call := c.svc.Inappproducts.List(c.packageName).Context(ctx)
		if token != "" {
			call = call.Token(token)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, errors.Wrap(err, "failed to list in-app products")
		}

		for _, product := range resp.Inappproduct {
			if product == nil || product.Sku == "" {
				continue
			}
			products[product.Sku] = product
		}

		if resp.TokenPagination == nil || resp.TokenPagination.NextPageToken == "" {
			break
		}
		token = resp.TokenPagination.NextPageToken
	}

	c.cache.Set(catalogKey, products)
	return products, nil
}

func (c *catalog) close() {
	c.cache.Close()
}

func itemTypeOf(product *androidpublisher.InAppProduct) billing.ItemType {
	if product != nil && product.PurchaseType == purchaseTypeSubscription {
		return billing.ItemTypeSubscription
	}
	return billing.ItemTypeInApp
}

type skuDetails struct {
	ProductID         string `json:"productId"`
	Type              string `json:"type"`
	Price             string `json:"price"`
	PriceAmountMicros int64  `json:"price_amount_micros"`
	PriceCurrencyCode string `json:"price_currency_code"`
	Title             string `json:"title"`
	Description       string `json:"description"`
}

// renderProduct turns a catalog entry into the listing shape billing.ParseProduct
// reads.
func renderProduct(product *androidpublisher.InAppProduct) (string, error) {
	itemType := itemTypeOf(product)
	details := skuDetails{
		ProductID: product.Sku,
		Type:      itemType.String(),
	}

	if product.DefaultPrice != nil {
		micros, err := decimal.NewFromString(product.DefaultPrice.PriceMicros)
		if err != nil {
			return "", errors.Wrapf(err, "invalid price for %s", product.Sku)
		}

		details.PriceAmountMicros = micros.IntPart()
		details.PriceCurrencyCode = product.DefaultPrice.Currency
		details.Price = formatPrice(micros, product.DefaultPrice.Currency)
	}

	if listing, ok := defaultListing(product); ok {
		details.Title = listing.Title
		details.Description = listing.Description
	}

	encoded, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// formatPrice renders micros as "<amount> <currency>", e.g. "3.19 BRL".
func formatPrice(micros decimal.Decimal, currency string) string {
	amount := micros.Shift(-6).StringFixed(2)
	if currency == "" {
		return amount
	}
	return amount + " " + currency
}

func defaultListing(product *androidpublisher.InAppProduct) (androidpublisher.InAppProductListing, bool) {
	if listing, ok := product.Listings[product.DefaultLanguage]; ok {
		return listing, true
	}

	languages := make([]string, 0, len(product.Listings))
	for language := range product.Listings {
		languages = append(languages, language)
	}
	if len(languages) == 0 {
		return androidpublisher.InAppProductListing{}, false
	}

	sort.Strings(languages)
	return product.Listings[languages[0]], true
}
