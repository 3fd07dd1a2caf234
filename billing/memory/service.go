package memory

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/code-payments/flipchat-billing/billing"
)

var (
	ErrUnknownProduct   = errors.New("unknown product")
	ErrItemAlreadyOwned = errors.New("item already owned")
	ErrItemNotOwned     = errors.New("item not owned")
)

type listing struct {
	itemType billing.ItemType
	json     string
}

type receipt struct {
	itemType  billing.ItemType
	sku       string
	token     string
	json      string
	signature string
}

type purchaseData struct {
	OrderID          string `json:"orderId"`
	PackageName      string `json:"packageName"`
	ProductID        string `json:"productId"`
	PurchaseTime     int64  `json:"purchaseTime"`
	PurchaseState    int    `json:"purchaseState"`
	DeveloperPayload string `json:"developerPayload"`
	PurchaseToken    string `json:"purchaseToken"`
	AutoRenewing     bool   `json:"autoRenewing,omitempty"`
}

// Service is an in-memory billing service: a product catalog and the
// purchases owned by a single user, signed with the service's key.
//
// Several providers may share one Service, which is how changes made "on
// another device" are simulated.
type Service struct {
	mu sync.RWMutex

	packageName string
	key         ed25519.PrivateKey
	now         func() time.Time

	catalog map[string]listing
	owned   map[string]*receipt
	orders  int

	gate chan struct{}
}

func NewService(packageName string, key ed25519.PrivateKey) *Service {
	return &Service{
		packageName: packageName,
		key:         key,
		now:         time.Now,
		catalog:     map[string]listing{},
		owned:       map[string]*receipt{},
	}
}

func (s *Service) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.catalog = map[string]listing{}
	s.owned = map[string]*receipt{}
	s.orders = 0
	s.gate = nil
}

// Hold keeps every provider operation started from now on in flight until
// release is called.
func (s *Service) Hold() (release func()) {
	gate := make(chan struct{})

	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *Service) currentGate() chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.gate
}

// PublicKey returns the base64 public key that verifies this service's
// signatures.
func (s *Service) PublicKey() string {
	return EncodePublicKey(s.key.Public().(ed25519.PublicKey))
}

// AddProduct lists a product. The SKU is read from the listing's productId.
func (s *Service) AddProduct(itemType billing.ItemType, productJSON string) error {
	product, err := billing.ParseProduct(itemType, productJSON)
	if err != nil {
		return err
	}
	if product.SKU == "" {
		return fmt.Errorf("listing has no productId: %w", billing.ErrMalformedPayload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.catalog[product.SKU] = listing{itemType: itemType, json: productJSON}
	return nil
}

// Grant gives the user sku, as if it was bought elsewhere, and returns the
// signed receipt.
func (s *Service) Grant(sku, developerPayload string) (*billing.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.grantLocked(sku, developerPayload)
	if err != nil {
		return nil, err
	}

	return billing.ParsePurchase(r.itemType, r.json, r.signature)
}

// Checkout runs the purchase UI for sku and returns the payload the host
// forwards back into the provider. Failures are reported in the payload's
// response code rather than as errors.
func (s *Service) Checkout(sku, developerPayload string) []byte {
	s.mu.Lock()
	r, err := s.grantLocked(sku, developerPayload)
	s.mu.Unlock()

	var result billing.ExternalResult
	switch {
	case errors.Is(err, ErrUnknownProduct):
		result.ResponseCode = billing.ResponseItemUnavailable
	case errors.Is(err, ErrItemAlreadyOwned):
		result.ResponseCode = billing.ResponseItemAlreadyOwned
	case err != nil:
		result.ResponseCode = billing.ResponseError
	default:
		result.ResponseCode = billing.ResponseOK
		result.PurchaseData = r.json
		result.DataSignature = r.signature
	}

	payload, _ := json.Marshal(result)
	return payload
}

// Revoke removes the user's purchase of sku, as if it was consumed or
// refunded elsewhere.
func (s *Service) Revoke(sku string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.owned[sku]
	delete(s.owned, sku)
	return ok
}

// Owns reports whether the user currently owns sku.
func (s *Service) Owns(sku string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.owned[sku]
	return ok
}

func (s *Service) grantLocked(sku, developerPayload string) (*receipt, error) {
	item, ok := s.catalog[sku]
	if !ok {
		return nil, ErrUnknownProduct
	}
	if _, owned := s.owned[sku]; owned {
		return nil, ErrItemAlreadyOwned
	}

	s.orders++
	data := purchaseData{
		OrderID:          fmt.Sprintf("GPA.%04d-%04d", s.orders/10000, s.orders%10000),
		PackageName:      s.packageName,
		ProductID:        sku,
		PurchaseTime:     s.now().UnixMilli(),
		PurchaseState:    billing.PurchaseStatePurchased,
		DeveloperPayload: developerPayload,
		PurchaseToken:    uuid.NewString(),
		AutoRenewing:     item.itemType == billing.ItemTypeSubscription,
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	r := &receipt{
		itemType:  item.itemType,
		sku:       sku,
		token:     data.PurchaseToken,
		json:      string(encoded),
		signature: sign(s.key, string(encoded)),
	}
	s.owned[sku] = r

	return r, nil
}

func (s *Service) consume(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sku, r := range s.owned {
		if r.token == token {
			delete(s.owned, sku)
			return nil
		}
	}

	return ErrItemNotOwned
}

// snapshot returns the listings for skus (every listing when skus is nil) and
// every owned receipt, ordered by SKU.
func (s *Service) snapshot(skus []string) ([]listing, []receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var listings []listing
	if skus == nil {
		for _, l := range s.catalog {
			listings = append(listings, l)
		}
	} else {
		for _, sku := range skus {
			if l, ok := s.catalog[sku]; ok {
				listings = append(listings, l)
			}
		}
	}

	receipts := make([]receipt, 0, len(s.owned))
	for _, r := range s.owned {
		receipts = append(receipts, *r)
	}
	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].sku < receipts[j].sku
	})

	return listings, receipts
}
