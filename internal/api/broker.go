package api

import (
	"sync"
)

type SSEEvent struct {
	Type string
	Data map[string]any
}

// Broker fans agent events out to in-process subscribers, keyed by
// agent id.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(agentID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[agentID] == nil {
		b.subs[agentID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[agentID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(agentID string, ch chan SSEEvent) {
	b.mu.Lock()
	if m := b.subs[agentID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, agentID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(agentID string, evt SSEEvent) {
	b.mu.Lock()
	m := b.subs[agentID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
