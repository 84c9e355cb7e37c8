package hub

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"gatecheck/pkg/interfaces"
	"gatecheck/pkg/types"
)

// SnapshotFunc produces the full current state for a topic. Registered
// per exact topic or per prefix ("session:") for per-entity topics.
type SnapshotFunc func(ctx context.Context, topic string) (*types.Event, error)

// Hub is the event fan-out channel: topic-keyed subscriber sets with
// snapshot-on-subscribe and best-effort, per-topic-ordered delivery. A
// single run goroutine owns the maps, so subscribe, publish, and cleanup
// never race; buffered command channels keep callers non-blocking.
type Hub struct {
	publishChannel     chan *types.Event
	subscribeChannel   chan subscribeRequest
	unsubscribeChannel chan unsubscribeRequest
	shutdownChannel    chan struct{}

	// topic -> subscriberID -> subscriber
	topics    map[string]map[string]interfaces.Subscriber
	snapshots map[string]SnapshotFunc

	running bool
	mu      sync.RWMutex
}

type subscribeRequest struct {
	sub   interfaces.Subscriber
	topic string
}

// Empty topic means remove the subscriber from every topic.
type unsubscribeRequest struct {
	subscriberID string
	topic        string
}

// NewHub creates a hub. Snapshot providers must be registered before
// Start.
func NewHub() *Hub {
	return &Hub{
		publishChannel:     make(chan *types.Event, 1000),
		subscribeChannel:   make(chan subscribeRequest, 100),
		unsubscribeChannel: make(chan unsubscribeRequest, 100),
		shutdownChannel:    make(chan struct{}),
		topics:             make(map[string]map[string]interfaces.Subscriber),
		snapshots:          make(map[string]SnapshotFunc),
	}
}

// RegisterSnapshot installs the snapshot provider for a topic. Register
// a prefix ending in ':' to cover a family of per-entity topics.
func (h *Hub) RegisterSnapshot(topic string, fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots[topic] = fn
}

// Start begins hub processing.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	go h.run(ctx)
	return nil
}

// Stop shuts the hub down.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	return nil
}

// Subscribe queues a subscription. The run loop adds the subscriber and
// sends the topic snapshot before any later delta, which is what makes
// the snapshot-then-delta guarantee hold.
func (h *Hub) Subscribe(sub interfaces.Subscriber, topic string) error {
	if sub == nil {
		return ErrNilSubscriber
	}
	if !types.IsValidTopic(topic) {
		return types.ErrInvalidTopic
	}
	if err := h.checkRunning(); err != nil {
		return err
	}

	select {
	case h.subscribeChannel <- subscribeRequest{sub: sub, topic: topic}:
		return nil
	default:
		return ErrSubscribeChannelFull
	}
}

// Unsubscribe removes a subscriber from one topic.
func (h *Hub) Unsubscribe(subscriberID, topic string) error {
	if err := h.checkRunning(); err != nil {
		return err
	}
	select {
	case h.unsubscribeChannel <- unsubscribeRequest{subscriberID: subscriberID, topic: topic}:
		return nil
	default:
		return ErrUnsubscribeChannelFull
	}
}

// RemoveSubscriber removes a closed connection from every topic so
// reconnect churn cannot leak recipient-set entries.
func (h *Hub) RemoveSubscriber(subscriberID string) error {
	if err := h.checkRunning(); err != nil {
		return err
	}
	select {
	case h.unsubscribeChannel <- unsubscribeRequest{subscriberID: subscriberID}:
		return nil
	default:
		return ErrUnsubscribeChannelFull
	}
}

// Publish queues an event for fan-out. Non-blocking: a full hub drops
// the publish with an error rather than stalling the caller.
func (h *Hub) Publish(event *types.Event) error {
	if err := h.checkRunning(); err != nil {
		return err
	}
	select {
	case h.publishChannel <- event:
		return nil
	default:
		return ErrPublishChannelFull
	}
}

// Stats reports subscriber counts for the health endpoint.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	unique := make(map[string]bool)
	for _, subs := range h.topics {
		for id := range subs {
			unique[id] = true
		}
	}
	return map[string]int{
		"topics":      len(h.topics),
		"subscribers": len(unique),
	}
}

func (h *Hub) checkRunning() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}
	return nil
}

// run owns the topic maps. Processing one command at a time gives every
// subscriber publish-order delivery per topic without further locking.
func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case event := <-h.publishChannel:
			h.handlePublish(event)

		case req := <-h.subscribeChannel:
			h.handleSubscribe(ctx, req)

		case req := <-h.unsubscribeChannel:
			h.handleUnsubscribe(req)

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handlePublish(event *types.Event) {
	h.mu.RLock()
	subs := h.topics[event.Topic]
	h.mu.RUnlock()

	for id, sub := range subs {
		if err := sub.Send(event); err != nil {
			// Best-effort delivery: a slow or dead consumer loses the
			// event, the rest of the fan-out proceeds.
			log.Printf("Dropped %s event for subscriber %s on %s: %v",
				event.Type, id, event.Topic, err)
		}
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, req subscribeRequest) {
	h.mu.Lock()
	if h.topics[req.topic] == nil {
		h.topics[req.topic] = make(map[string]interfaces.Subscriber)
	}
	h.topics[req.topic][req.sub.ID()] = req.sub
	fn := h.snapshotFor(req.topic)
	h.mu.Unlock()

	if fn == nil {
		return
	}

	snapshotCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	snapshot, err := fn(snapshotCtx, req.topic)
	cancel()
	if err != nil {
		log.Printf("Failed to build snapshot for topic %s: %v", req.topic, err)
		return
	}
	if err := req.sub.Send(snapshot); err != nil {
		log.Printf("Failed to send snapshot to subscriber %s on %s: %v",
			req.sub.ID(), req.topic, err)
	}
}

func (h *Hub) handleUnsubscribe(req unsubscribeRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if req.topic != "" {
		if subs := h.topics[req.topic]; subs != nil {
			delete(subs, req.subscriberID)
			if len(subs) == 0 {
				delete(h.topics, req.topic)
			}
		}
		return
	}

	for topic, subs := range h.topics {
		delete(subs, req.subscriberID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// snapshotFor resolves a provider by exact topic, then by prefix up to
// and including the first colon ("session:abc" -> "session:").
func (h *Hub) snapshotFor(topic string) SnapshotFunc {
	if fn, ok := h.snapshots[topic]; ok {
		return fn
	}
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return h.snapshots[topic[:i+1]]
	}
	return nil
}
