package notify

import (
	"context"
	"sync"

	"github.com/antoniostano/handoff/internal/domain"
)

// AllAgents subscribes to every agent's events.
const AllAgents = "*"

// Broadcaster fans events out to in-process subscribers, keyed by agent. Slow
// subscribers miss events rather than block the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
	onChange    func(total int)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]map[int]chan Event)}
}

// SetSubscriberHook is called with the subscriber count after every change.
func (b *Broadcaster) SetSubscriberHook(fn func(total int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Subscribe returns a channel of events for agent (or AllAgents) and the function that
// ends the subscription and closes the channel.
func (b *Broadcaster) Subscribe(agent string) (<-chan Event, func()) {
	agent = domain.NormalizeAgentName(agent)
	if agent == "" {
		agent = AllAgents
	}

	ch := make(chan Event, 64)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	if _, ok := b.subscribers[agent]; !ok {
		b.subscribers[agent] = make(map[int]chan Event)
	}
	b.subscribers[agent][id] = ch
	b.changedLocked()
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[agent]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subscribers, agent)
			}
			b.changedLocked()
		})
	}
}

// Publish hands evt to the agent's subscribers and to AllAgents subscribers.
func (b *Broadcaster) Publish(evt Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sent := 0
	for _, key := range []string{evt.Agent, AllAgents} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- evt:
				sent++
			default:
			}
		}
		if evt.Agent == AllAgents {
			break
		}
	}
	return sent
}

// Notify implements Notifier. Publishing never fails; an agent with no subscriber
// simply hears nothing.
func (b *Broadcaster) Notify(_ context.Context, evt Event) error {
	b.Publish(evt)
	return nil
}

func (b *Broadcaster) Subscribers(agent string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[domain.NormalizeAgentName(agent)])
}

func (b *Broadcaster) changedLocked() {
	if b.onChange == nil {
		return
	}
	total := 0
	for _, subs := range b.subscribers {
		total += len(subs)
	}
	b.onChange(total)
}
