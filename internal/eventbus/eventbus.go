// README: Event publication interface, topics, and fan-out composition.
package eventbus

import (
	"context"
	"time"

	"okada/internal/types"
)

// Topics carried over the bus. User-addressed topics reach the session
// registry; every event also lands on the platform Kafka topic when a
// broker is configured.
const (
	TopicOfferCreated   = "dispatch.offer"
	TopicRequestUpdate  = "dispatch.request"
	TopicTripUpdate     = "trip.update"
	TopicPaymentSettled = "payment.settled"
	TopicLoyaltyReward  = "loyalty.reward"
	TopicReferralReward = "referral.reward"
)

// Event is one notification. UserID is empty for platform-wide events.
type Event struct {
	Topic   string
	UserID  types.ID
	Payload any
}

// Bus delivers events fire-and-forget after the owning transaction has
// committed. Publishing never blocks business flow; implementations log
// and swallow their own failures.
type Bus interface {
	Publish(ctx context.Context, ev Event)
}

// Envelope is the wire form sent to connected clients.
type Envelope struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Fanout publishes each event to every underlying bus.
type Fanout []Bus

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, b := range f {
		b.Publish(ctx, ev)
	}
}

// Nop discards all events; handy default for tests and partial wiring.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
