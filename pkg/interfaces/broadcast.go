package interfaces

import "gatecheck/pkg/types"

// Subscriber is one recipient on the fan-out channel. Send must never
// block: implementations queue into a bounded buffer and report failure
// instead of stalling the publisher.
type Subscriber interface {
	ID() string
	Send(event *types.Event) error
	Close() error
}

// Broadcaster delivers events to topic subscribers. Delivery is
// best-effort and in publish order per topic; there is no cross-topic
// ordering and no replay.
type Broadcaster interface {
	Subscribe(sub Subscriber, topic string) error
	Unsubscribe(subscriberID, topic string) error
	RemoveSubscriber(subscriberID string) error
	Publish(event *types.Event) error
}
