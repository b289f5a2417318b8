package market

import "sync"

// LogEvent is published once per appended trade log, success and failure
// alike, so clients get pushed what they previously had to poll for.
type LogEvent struct {
	SessionID string   `json:"session_id"`
	Log       TradeLog `json:"log"`
}

// Broker fans log events out to per-session subscribers. Delivery is
// non-blocking: a subscriber that stops draining loses events rather
// than stalling the trade path.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan LogEvent
}

const subscriberBuffer = 64

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan LogEvent)}
}

// Subscribe returns a channel of events for one session and a cancel
// function. The channel is closed on cancel.
func (b *Broker) Subscribe(sessionID string) (<-chan LogEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan LogEvent, subscriberBuffer)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan LogEvent)
	}
	b.subs[sessionID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[sessionID][id]; ok {
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(sub)
		}
	}
	return ch, cancel
}

func (b *Broker) Publish(ev LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// DropSession closes every subscriber of a destroyed session.
func (b *Broker) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[sessionID] {
		delete(b.subs[sessionID], id)
		close(ch)
	}
	delete(b.subs, sessionID)
}
