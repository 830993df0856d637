package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type Topic string

const (
	SyncProgress              Topic = "sync.progress"
	SyncCompleted             Topic = "sync.completed"
	DownloadsChanged          Topic = "downloads.changed"
	PlaylistMembershipChanged Topic = "playlist.membership.changed"
	FavoriteChanged           Topic = "favorite.changed"
	ConnectivityChanged       Topic = "connectivity.changed"
)

type Handler func(payload interface{})

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers notifications to subscribers synchronously, in subscription order.
// Publishers call Publish only after the mutation they describe has committed.
// Handlers must not block; a panicking handler is logged and skipped.
type Bus struct {
	subscribers map[Topic][]subscription
	nextID      uint64
	mutex       sync.RWMutex
	log         *logrus.Entry
}

func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		subscribers: make(map[Topic][]subscription),
		log:         logger.WithField("component", "events"),
	}
}

// Subscribe registers handler for topic and returns a func that removes it again.
func (bus *Bus) Subscribe(topic Topic, handler Handler) func() {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	bus.nextID++
	id := bus.nextID
	bus.subscribers[topic] = append(bus.subscribers[topic], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { bus.unsubscribe(topic, id) })
	}
}

func (bus *Bus) unsubscribe(topic Topic, id uint64) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	subs := bus.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			bus.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(bus.subscribers[topic]) == 0 {
		delete(bus.subscribers, topic)
	}
}

func (bus *Bus) Publish(topic Topic, payload interface{}) {
	if bus == nil {
		return
	}

	bus.mutex.RLock()
	subs := make([]subscription, len(bus.subscribers[topic]))
	copy(subs, bus.subscribers[topic])
	bus.mutex.RUnlock()

	for _, sub := range subs {
		bus.deliver(topic, sub.handler, payload)
	}
}

func (bus *Bus) deliver(topic Topic, handler Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			bus.log.WithField("topic", string(topic)).Errorf("Event handler panicked: %v", r)
		}
	}()
	handler(payload)
}

// HasSubscribers reports whether anything listens on topic.
func (bus *Bus) HasSubscribers(topic Topic) bool {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()
	return len(bus.subscribers[topic]) > 0
}
