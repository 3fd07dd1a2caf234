package main

import (
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/billing"
)

type consumeCoordinator interface {
	QueryInventory(skus ...string) error
	ConsumePurchase(purchase *billing.Purchase, onComplete func(billing.ConsumeEvent)) error
}

// autoConsumer consumes owned purchases of the configured SKUs as soon as an
// inventory refresh reports them. Only one purchase is consumed per refresh;
// a successful consume triggers the next refresh.
type autoConsumer struct {
	log         *zap.Logger
	coordinator consumeCoordinator
	skus        []string
}

func newAutoConsumer(log *zap.Logger, coordinator consumeCoordinator, skus []string) *autoConsumer {
	return &autoConsumer{
		log:         log,
		coordinator: coordinator,
		skus:        skus,
	}
}

func (c *autoConsumer) OnEvent(e billing.InventoryEvent) {
	if e.Err != nil || e.Result.Failed() || e.Inventory == nil {
		return
	}

	for _, sku := range c.skus {
		purchase, ok := e.Inventory.Purchase(sku)
		if !ok {
			continue
		}

		if err := c.coordinator.ConsumePurchase(purchase, c.onConsumed); err != nil {
			c.log.Warn("Failed to consume purchase", zap.String("sku", sku), zap.Error(err))
		}
		return
	}
}

func (c *autoConsumer) onConsumed(e billing.ConsumeEvent) {
	log := c.log.With(zap.String("result", e.Result.Message))
	if e.Purchase != nil {
		log = log.With(zap.String("sku", e.Purchase.SKU))
	}

	if e.Err != nil || e.Result.Failed() {
		log.Warn("Consume failed", zap.Error(e.Err))
		return
	}

	log.Info("Consumed purchase")
	if err := c.coordinator.QueryInventory(); err != nil {
		log.Warn("Failed to query inventory", zap.Error(err))
	}
}
