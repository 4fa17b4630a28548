package watch

import (
	"sync"
	"time"
)

// Change is one debounced change notification.
type Change struct {
	Kind string    `json:"kind"`
	Path string    `json:"path"`
	At   time.Time `json:"at"`
}

// Broker fans change notifications out to subscribers. Slow
// subscribers drop notifications rather than block Publish.
type Broker struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

// NewBroker returns a Broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Change]struct{})}
}

// Subscribe registers a subscriber. The returned func removes
// it and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 8)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers c to every subscriber with room for it.
func (b *Broker) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
