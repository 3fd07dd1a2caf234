package billing

import (
	"sort"
	"sync"
)

// Inventory holds the products and purchases gathered by one query cycle,
// keyed by SKU.
//
// An Inventory is shared between every listener of a query, so it is safe for
// concurrent use. ErasePurchase only changes this copy; nothing is sent to the
// provider.
type Inventory struct {
	mu        sync.RWMutex
	products  map[string]*Product
	purchases map[string]*Purchase
}

func NewInventory() *Inventory {
	return &Inventory{
		products:  map[string]*Product{},
		purchases: map[string]*Purchase{},
	}
}

func (inv *Inventory) AddProduct(p *Product) {
	if p == nil {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.products[p.SKU] = p
}

func (inv *Inventory) AddPurchase(p *Purchase) {
	if p == nil {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.purchases[p.SKU] = p
}

func (inv *Inventory) Product(sku string) (*Product, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	p, ok := inv.products[sku]
	return p, ok
}

func (inv *Inventory) Purchase(sku string) (*Purchase, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	p, ok := inv.purchases[sku]
	return p, ok
}

func (inv *Inventory) HasProduct(sku string) bool {
	_, ok := inv.Product(sku)
	return ok
}

func (inv *Inventory) HasPurchase(sku string) bool {
	_, ok := inv.Purchase(sku)
	return ok
}

// ErasePurchase removes a purchase locally, typically right after a
// successful consume. It is a no-op for unknown SKUs.
func (inv *Inventory) ErasePurchase(sku string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	delete(inv.purchases, sku)
}

// AllPurchases returns the purchases ordered by SKU.
func (inv *Inventory) AllPurchases() []*Purchase {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	purchases := make([]*Purchase, 0, len(inv.purchases))
	for _, p := range inv.purchases {
		purchases = append(purchases, p)
	}
	sort.Slice(purchases, func(i, j int) bool {
		return purchases[i].SKU < purchases[j].SKU
	})

	return purchases
}

// AllProducts returns the products ordered by SKU.
func (inv *Inventory) AllProducts() []*Product {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	products := make([]*Product, 0, len(inv.products))
	for _, p := range inv.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].SKU < products[j].SKU
	})

	return products
}

// AllOwnedSKUs returns the SKUs of every purchase, sorted.
func (inv *Inventory) AllOwnedSKUs() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	skus := make([]string, 0, len(inv.purchases))
	for sku := range inv.purchases {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	return skus
}

// AllOwnedSKUsOfType returns the SKUs of purchases of the given item type, sorted.
func (inv *Inventory) AllOwnedSKUsOfType(itemType ItemType) []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	skus := []string{}
	for sku, p := range inv.purchases {
		if p.ItemType == itemType {
			skus = append(skus, sku)
		}
	}
	sort.Strings(skus)

	return skus
}
