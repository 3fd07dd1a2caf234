package billing

// Purchase states reported in purchase payloads.
const (
	PurchaseStatePurchased = 0
	PurchaseStateCanceled  = 1
	PurchaseStateRefunded  = 2
)

// Purchase is a receipt for a granted item.
type Purchase struct {
	ItemType           ItemType
	SKU                string
	Token              string
	OrderID            string
	PackageName        string
	DeveloperPayload   string
	PurchaseTimeMillis int64
	PurchaseState      int
	AutoRenewing       bool

	// RawJSON and Signature are kept untouched so the receipt can be forwarded
	// for verification.
	RawJSON   string
	Signature string
}

// ParsePurchase normalizes a provider receipt. The token is read from "token",
// falling back to "purchaseToken".
func ParsePurchase(itemType ItemType, json, signature string) (*Purchase, error) {
	p, err := decodePayload(json)
	if err != nil {
		return nil, err
	}

	token := p.optString("purchaseToken")
	if p.has("token") {
		token = p.optString("token")
	}

	return &Purchase{
		ItemType:           itemType,
		SKU:                p.optString("productId"),
		Token:              token,
		OrderID:            p.optString("orderId"),
		PackageName:        p.optString("packageName"),
		DeveloperPayload:   p.optString("developerPayload"),
		PurchaseTimeMillis: p.optInt64("purchaseTime"),
		PurchaseState:      p.optInt("purchaseState"),
		AutoRenewing:       p.optBool("autoRenewing"),
		RawJSON:            json,
		Signature:          signature,
	}, nil
}

func (p *Purchase) String() string {
	return "Purchase(type:" + p.ItemType.String() + "):" + p.RawJSON
}
