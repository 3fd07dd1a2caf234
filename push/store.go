package push

import (
	"context"
	"sort"
	"sync"
)

// Token is a device's FCM registration token.
//
// Tokens are bound to a device, identified by the AppInstallID.
type Token struct {
	Token        string
	AppInstallID string
}

type TokenStore interface {
	// GetTokens returns the tokens of every registered device.
	GetTokens(ctx context.Context) ([]Token, error)

	// AddToken registers a device's token.
	//
	// If the device already has a token, it will be replaced.
	AddToken(ctx context.Context, appInstallID, token string) error

	// DeleteToken removes a token from whichever device holds it.
	DeleteToken(ctx context.Context, token string) error
}

type Memory struct {
	sync.RWMutex

	// Map of appInstallID -> Token
	tokens map[string]Token
}

func NewMemory() *Memory {
	return &Memory{
		tokens: make(map[string]Token),
	}
}

func (m *Memory) GetTokens(_ context.Context) ([]Token, error) {
	m.RLock()
	defer m.RUnlock()

	tokens := make([]Token, 0, len(m.tokens))
	for _, token := range m.tokens {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].AppInstallID < tokens[j].AppInstallID
	})

	return tokens, nil
}

func (m *Memory) AddToken(_ context.Context, appInstallID, token string) error {
	m.Lock()
	defer m.Unlock()

	m.tokens[appInstallID] = Token{
		Token:        token,
		AppInstallID: appInstallID,
	}

	return nil
}

func (m *Memory) DeleteToken(_ context.Context, token string) error {
	m.Lock()
	defer m.Unlock()

	for appInstallID, existing := range m.tokens {
		if existing.Token == token {
			delete(m.tokens, appInstallID)
		}
	}

	return nil
}

func (m *Memory) reset() {
	m.Lock()
	defer m.Unlock()

	m.tokens = make(map[string]Token)
}
