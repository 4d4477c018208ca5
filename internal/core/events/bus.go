package events

import (
	"sync"
	"time"
)

// Kind names an event type.
type Kind string

const (
	KindHighlight Kind = "highlight"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindState     Kind = "state"
)

// Event is one produced notification. Only the fields that belong to the
// kind are set.
type Event struct {
	Kind       Kind      `json:"kind"`
	Topic      string    `json:"topic"`
	DocumentID string    `json:"document_id,omitempty"`
	RunIDs     []string  `json:"runIds,omitempty"`
	Percent    int       `json:"percent,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	State      string    `json:"state,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Highlight builds a highlight event.
func Highlight(topic, documentID string, runIDs []string) Event {
	return Event{Kind: KindHighlight, Topic: topic, DocumentID: documentID, RunIDs: runIDs}
}

// Progress builds a progress event.
func Progress(topic, documentID string, percent int) Event {
	return Event{Kind: KindProgress, Topic: topic, DocumentID: documentID, Percent: percent}
}

// Completed builds a completion event.
func Completed(topic, documentID string, success bool, err error) Event {
	e := Event{Kind: KindCompleted, Topic: topic, DocumentID: documentID, Success: &success}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// StateChanged builds a state transition event.
func StateChanged(topic, documentID, state string) Event {
	return Event{Kind: KindState, Topic: topic, DocumentID: documentID, State: state}
}

// Publisher is the producing side of a Bus.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; publishers never block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	buffer int
}

type subscription struct {
	ch     chan Event
	filter func(Event) bool
}

// NewBus returns a bus giving each subscriber a buffer of size buffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]*subscription), buffer: buffer}
}

// Subscribe registers a subscriber. A nil filter receives everything. The
// returned cancel func closes the channel and is safe to call twice.
func (b *Bus) Subscribe(filter func(Event) bool) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan Event, b.buffer), filter: filter}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// ForTopic matches events of one topic.
func ForTopic(topic string) func(Event) bool {
	return func(e Event) bool { return e.Topic == topic }
}
