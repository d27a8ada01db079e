package scene

import (
	"sync"

	"github.com/rs/zerolog"
)

// Bus topics published by engines and by the viewer core.
const (
	TopicModelLoaded      = "model.loaded"
	TopicModelUnloaded    = "model.unloaded"
	TopicCameraRest       = "camera.rest"
	TopicAlertsUpdated    = "alerts.updated"
	TopicIsolationChanged = "isolation.changed"
	TopicSelectionChanged = "selection.changed"
	TopicMarkersChanged   = "markers.changed"
)

// Event is one bus message.
type Event struct {
	Topic   string  `json:"topic"`
	ModelID ModelID `json:"model_id,omitempty"`
	Payload any     `json:"payload,omitempty"`
}

// Handler receives events for a topic.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus is a small in-process pub/sub used for engine callbacks (model loaded, camera rest) and for
// viewer state notifications. Handlers run synchronously on the publishing goroutine.
type Bus struct {
	log zerolog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log.With().Str("component", "bus").Logger(),
		subs: make(map[string][]subscription),
	}
}

// Subscribe registers fn for topic. The returned disposer is safe to call more than once.
// An empty topic subscribes to every topic.
func (b *Bus) Subscribe(topic string, fn Handler) (dispose func()) {
	if b == nil || fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Publish delivers ev to topic subscribers, then to wildcard subscribers.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Topic])+len(b.subs[""]))
	for _, s := range b.subs[ev.Topic] {
		handlers = append(handlers, s.fn)
	}
	for _, s := range b.subs[""] {
		handlers = append(handlers, s.fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(ev, fn)
	}
}

func (b *Bus) deliver(ev Event, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("topic", ev.Topic).Interface("panic", r).Msg("bus handler panicked")
		}
	}()
	fn(ev)
}

// Subscribers reports how many handlers listen on topic.
func (b *Bus) Subscribers(topic string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
