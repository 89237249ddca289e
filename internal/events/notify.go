package events

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// NotificationEvent is the type of notifications carrying accepted events.
const NotificationEvent = "event"

const defaultSubscriberBuffer = 16

// Notification announces the events accepted by one committed write.
type Notification struct {
	Type      string
	Events    []*nostr.Event
	Timestamp time.Time
}

// dispatcher fans notifications out to subscribers without blocking writers.
// A subscriber whose buffer is full misses the message.
type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Notification
	nextID      int64
}

func newDispatcher() *dispatcher {
	return &dispatcher{subscribers: make(map[int64]chan Notification)}
}

func (d *dispatcher) Subscribe(ctx context.Context, buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	stream := make(chan Notification, buffer)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
			close(stream)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (d *dispatcher) Publish(notification Notification) {
	if notification.Type == "" || len(notification.Events) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers {
		select {
		case stream <- notification:
		default:
		}
	}
}

func (d *dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
