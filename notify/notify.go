// Package notify delivers out-of-band purchase changes to a billing
// coordinator.
package notify

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrMalformedNotification = errors.New("malformed developer notification")

// Trigger is notified when purchases changed outside this process.
type Trigger interface {
	OnPurchasesUpdated()
}

// ResultSink receives purchase results forwarded by a host.
type ResultSink interface {
	HandleExternalResult(requestCode, resultCode int, payload []byte) bool
}

// Tracker learns purchase tokens announced by developer notifications.
type Tracker interface {
	Track(sku, token string)
}

// Notifier delivers a developer notification.
type Notifier interface {
	Notify(ctx context.Context, n *DeveloperNotification) error
}

// DeveloperNotification is a Google Play real-time developer notification.
type DeveloperNotification struct {
	Version                    string                      `json:"version,omitempty"`
	PackageName                string                      `json:"packageName,omitempty"`
	EventTimeMillis            string                      `json:"eventTimeMillis,omitempty"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
	TestNotification           *TestNotification           `json:"testNotification,omitempty"`
}

type OneTimeProductNotification struct {
	Version          string `json:"version,omitempty"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

type SubscriptionNotification struct {
	Version          string `json:"version,omitempty"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

type TestNotification struct {
	Version string `json:"version,omitempty"`
}

// IsTest reports whether n was sent from the Play Console to test the
// notification setup.
func (n *DeveloperNotification) IsTest() bool {
	return n.TestNotification != nil
}

// ParseDeveloperNotification decodes a notification. An empty payload is a
// bare change signal.
func ParseDeveloperNotification(data []byte) (*DeveloperNotification, error) {
	n := &DeveloperNotification{}
	if len(data) == 0 {
		return n, nil
	}

	if err := json.Unmarshal(data, n); err != nil {
		return nil, errors.Join(ErrMalformedNotification, err)
	}
	return n, nil
}

// Local tracks the tokens a notification announces and triggers a re-query.
type Local struct {
	trigger Trigger
	tracker Tracker
}

// NewLocal returns a Notifier for this process. tracker may be nil.
func NewLocal(trigger Trigger, tracker Tracker) *Local {
	return &Local{
		trigger: trigger,
		tracker: tracker,
	}
}

func (l *Local) Notify(_ context.Context, n *DeveloperNotification) error {
	if l.tracker != nil {
		if p := n.OneTimeProductNotification; p != nil {
			l.tracker.Track(p.SKU, p.PurchaseToken)
		}
		if s := n.SubscriptionNotification; s != nil {
			l.tracker.Track(s.SubscriptionID, s.PurchaseToken)
		}
	}

	l.trigger.OnPurchasesUpdated()
	return nil
}
