package ledger

import (
	"context"
	"time"
)

// EventType names a confirmed ledger transition.
type EventType string

const (
	EventCustomerEnrolled EventType = "customer_enrolled"
	EventPurchaseRecorded EventType = "purchase_recorded"
	EventRewardRedeemed   EventType = "reward_redeemed"
	EventIdentityLinked   EventType = "identity_linked"
)

// Event carries the record exactly as the store confirmed it.
type Event struct {
	Type        EventType `json:"type"`
	Customer    Customer  `json:"customer"`
	RewardReady bool      `json:"reward_ready"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Observer receives confirmed events. Observe is called synchronously after
// the write, so implementations must not block.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) Observe(ctx context.Context, e Event) {
	f(ctx, e)
}

func newEvent(t EventType, c *Customer) Event {
	return Event{
		Type:        t,
		Customer:    *c,
		RewardReady: c.RewardReady(),
		OccurredAt:  time.Now().UTC(),
	}
}
