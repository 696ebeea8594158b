package heartbeat

import "sync"

type agentLock struct {
	mu   sync.Mutex
	refs int
}

// agentLocks serializes heartbeats per agent within this process. Entries
// are dropped once no caller holds or waits on them.
type agentLocks struct {
	mu      sync.Mutex
	entries map[string]*agentLock
}

func newAgentLocks() *agentLocks {
	return &agentLocks{entries: make(map[string]*agentLock)}
}

func (l *agentLocks) lock(key string) func() {
	l.mu.Lock()
	e := l.entries[key]
	if e == nil {
		e = &agentLock{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func (l *agentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
