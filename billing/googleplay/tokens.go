package googleplay

import "sync"

// Tokens is the set of purchase tokens known for the user, by SKU.
//
// The Play Developer API cannot list a user's purchases, so tokens are
// learned from completed purchase flows and from real-time developer
// notifications.
type Tokens struct {
	mu    sync.RWMutex
	bySKU map[string]string
}

func NewTokens() *Tokens {
	return &Tokens{
		bySKU: map[string]string{},
	}
}

// Track records token as the latest purchase of sku.
func (t *Tokens) Track(sku, token string) {
	if sku == "" || token == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.bySKU[sku] = token
}

// Forget drops token if it is still the latest purchase of sku.
func (t *Tokens) Forget(sku, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bySKU[sku] == token {
		delete(t.bySKU, sku)
	}
}

func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.bySKU)
}

func (t *Tokens) snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]string, len(t.bySKU))
	for sku, token := range t.bySKU {
		snapshot[sku] = token
	}
	return snapshot
}

func (t *Tokens) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bySKU = map[string]string{}
}
