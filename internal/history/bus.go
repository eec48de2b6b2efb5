package history

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/franckalain/ukcal/internal/models"
)

// EventType names a change to a history entry
type EventType string

const (
	EventAdded    EventType = "analysis_added"
	EventProgress EventType = "analysis_progress"
	EventUpdated  EventType = "analysis_updated"
	EventDeleted  EventType = "analysis_deleted"
)

// Event describes one change. Entry is a private copy and is nil for deletions.
type Event struct {
	Type      EventType
	Email     string
	EntryID   string
	Entry     *models.AnalysisEntry
	Timestamp time.Time
}

// EventHandler receives published events
type EventHandler func(Event)

// mailboxSize bounds the events queued for one subscriber
const mailboxSize = 256

type subscription struct {
	id      uint64
	handler EventHandler
	queue   chan Event
	quit    chan struct{}
}

// run delivers queued events in order until the subscription is removed
func (s *subscription) run() {
	for {
		select {
		case ev := <-s.queue:
			select {
			case <-s.quit:
				return
			default:
			}
			s.handler(ev)
		case <-s.quit:
			return
		}
	}
}

// Bus fans history events out to subscribers. It is shared by every
// session of the process; subscribers filter by email. Each subscriber has
// its own mailbox and goroutine, so a slow handler only delays itself.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[EventType][]*subscription
	dropped     atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventType][]*subscription)}
}

// Subscribe registers handler for one event type and returns a func that
// removes it
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) (unsubscribe func()) {
	return b.SubscribeMultiple([]EventType{eventType}, handler)
}

// SubscribeMultiple registers handler for several event types. The handler
// sees events in the order they were published.
func (b *Bus) SubscribeMultiple(eventTypes []EventType, handler EventHandler) (unsubscribe func()) {
	sub := &subscription{
		handler: handler,
		queue:   make(chan Event, mailboxSize),
		quit:    make(chan struct{}),
	}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], sub)
	}
	b.mu.Unlock()
	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(sub.id, eventTypes)
			close(sub.quit)
		})
	}
}

func (b *Bus) remove(id uint64, eventTypes []EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		subs := b.subscribers[t]
		kept := subs[:0:0]
		for _, s := range subs {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subscribers, t)
		} else {
			b.subscribers[t] = kept
		}
	}
}

// Publish queues event for every subscriber and returns without waiting for
// handlers. When a subscriber's mailbox is full the event is dropped for
// that subscriber.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers[event.Type] {
		select {
		case s.queue <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were lost to full mailboxes
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the number of handlers registered for eventType
func (b *Bus) Len(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}
