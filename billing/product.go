package billing

// ItemType distinguishes one-time in-app items from subscriptions.
type ItemType string

const (
	ItemTypeInApp        ItemType = "inapp"
	ItemTypeSubscription ItemType = "subs"
)

func (t ItemType) String() string {
	return string(t)
}

// Product is the listing of a purchasable item.
type Product struct {
	SKU          string
	ItemType     ItemType
	Type         string
	Price        string
	PriceMicros  int64
	CurrencyCode string
	Title        string
	Description  string

	// RawJSON is the listing exactly as the provider returned it.
	RawJSON string
}

// ParseProduct normalizes a provider listing. Only a payload that is not a
// JSON object fails; absent fields are left empty.
func ParseProduct(itemType ItemType, json string) (*Product, error) {
	p, err := decodePayload(json)
	if err != nil {
		return nil, err
	}

	return &Product{
		SKU:          p.optString("productId"),
		ItemType:     itemType,
		Type:         p.optString("type"),
		Price:        p.optString("price"),
		PriceMicros:  p.optInt64("price_amount_micros"),
		CurrencyCode: p.optString("price_currency_code"),
		Title:        p.optString("title"),
		Description:  p.optString("description"),
		RawJSON:      json,
	}, nil
}

func (p *Product) String() string {
	return "Product:" + p.RawJSON
}
