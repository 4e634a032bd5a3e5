package orchestrator

import "sync"

// Broker is a minimal topic-based pub/sub, the Go-idiomatic replacement
// for pubsub.py's weak-reference callback registry: subscribers are
// channels, not callables, so there is no need to track liveness with
// weak methods. Each subscriber owns a bounded queue, matching spec
// §5's "each subscriber has its own bounded queue" — a publish to a
// full subscriber drops the event rather than blocking the publisher,
// since spec names no back-pressure requirement on this path.
type Broker struct {
	mu   sync.Mutex
	subs map[string][]chan any
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: map[string][]chan any{}}
}

// Subscribe returns a new channel that receives every value published
// to topic from this point on. buffer sets the channel's bound.
func (b *Broker) Subscribe(topic string, buffer int) <-chan any {
	ch := make(chan any, buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers data to every current subscriber of topic.
func (b *Broker) Publish(topic string, data any) {
	b.mu.Lock()
	subs := append([]chan any(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// TopicDeviceListUpdated is published whenever a rescan changes the set of
// known devices.
const TopicDeviceListUpdated = "device_list_updated"

// TopicSubsetComplete is published when a CreateSubset task finishes,
// carrying SubsetResult.
const TopicSubsetComplete = "subset_complete"

// SubsetResult is the payload published on TopicSubsetComplete,
// mirroring graphql.py's subset_complete dict.
type SubsetResult struct {
	Success      bool
	DeviceIDs    []string
	ErrorCode    ErrorCode
	ErrorMessage string
}
