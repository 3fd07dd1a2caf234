package push

import (
	"context"
	"strings"
	"time"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/billing"
)

const (
	// A single MulticastMessage may contain up to 500 registration tokens.
	maxTokensPerMessage = 500

	defaultSendTimeout = 10 * time.Second

	DataKeyType       = "type"
	DataKeyOwnedSKUs  = "owned_skus"
	DataTypeInventory = "inventory"
)

type FCMClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// InventoryPusher is a billing.Listener that sends a silent push with the
// owned SKUs to every registered device after each successful inventory
// refresh.
type InventoryPusher struct {
	log     *zap.Logger
	tokens  TokenStore
	client  FCMClient
	timeout time.Duration
}

func NewInventoryPusher(log *zap.Logger, tokens TokenStore, client FCMClient) *InventoryPusher {
	return &InventoryPusher{
		log:     log,
		tokens:  tokens,
		client:  client,
		timeout: defaultSendTimeout,
	}
}

func (p *InventoryPusher) OnEvent(e billing.InventoryEvent) {
	if e.Err != nil || e.Result.Failed() || e.Inventory == nil {
		p.log.Debug("Not pushing failed inventory refresh", zap.String("result", e.Result.Message))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.Push(ctx, e.Inventory.AllOwnedSKUs()); err != nil {
		p.log.Warn("Failed to push inventory", zap.Error(err))
	}
}

// Push sends owned to every registered device.
func (p *InventoryPusher) Push(ctx context.Context, owned []string) error {
	pushTokens, err := p.tokens.GetTokens(ctx)
	if err != nil {
		return err
	}

	if len(pushTokens) > maxTokensPerMessage {
		p.log.Warn("Dropping push, too many tokens", zap.Int("num_tokens", len(pushTokens)))
		return nil
	}

	if len(pushTokens) == 0 {
		p.log.Debug("Dropping push, no registered devices")
		return nil
	}

	tokens := extractTokens(pushTokens)
	message := buildMessage(tokens, owned)

	response, err := p.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return err
	}

	p.log.Debug("Sent inventory pushes", zap.Int("success", response.SuccessCount), zap.Int("failed", response.FailureCount))
	p.processResponse(ctx, response, tokens)

	return nil
}

func buildMessage(tokens []string, owned []string) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens: tokens,
		Data: map[string]string{
			DataKeyType:      DataTypeInventory,
			DataKeyOwnedSKUs: strings.Join(owned, ","),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
				},
			},
		},
	}
}

func (p *InventoryPusher) processResponse(ctx context.Context, response *messaging.BatchResponse, tokens []string) {
	var removed int
	for i, resp := range response.Responses {
		if resp == nil || resp.Success || i >= len(tokens) {
			continue
		}

		if messaging.IsUnregistered(resp.Error) {
			if err := p.tokens.DeleteToken(ctx, tokens[i]); err != nil {
				p.log.Warn("Failed to remove invalid token", zap.Error(err))
				continue
			}
			removed++
		} else {
			p.log.Warn("Failed to send push notification",
				zap.Error(resp.Error),
				zap.String("token", tokens[i]),
			)
		}
	}

	if removed > 0 {
		p.log.Debug("Removed invalid tokens", zap.Int("count", removed))
	}
}

func extractTokens(pushTokens []Token) []string {
	tokens := make([]string, len(pushTokens))
	for i, token := range pushTokens {
		tokens[i] = token.Token
	}
	return tokens
}
