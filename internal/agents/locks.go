package agents

import (
	"sync"

	"github.com/antoniostano/handoff/internal/domain"
)

// Locks hands out one mutex per agent name. Entries are dropped once nobody holds or
// waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the agent's mutex is held and returns the function releasing it.
func (l *Locks) Lock(agent string) func() {
	agent = domain.NormalizeAgentName(agent)
	l.mu.Lock()
	e, ok := l.entries[agent]
	if !ok {
		e = &lockEntry{}
		l.entries[agent] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, agent)
		}
		l.mu.Unlock()
	}
}
