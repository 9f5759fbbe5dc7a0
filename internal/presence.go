package internal

import "sync"

// PresenceTracker counts joined connections per user id. A user with two tabs on
// the same quotation counts twice and stays online until both leave.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]int)}
}

func (p *PresenceTracker) Increment(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return p.online[userID]
}

func (p *PresenceTracker) Decrement(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count, ok := p.online[userID]; ok {
		if count <= 1 {
			delete(p.online, userID)
			return 0
		}
		p.online[userID] = count - 1
		return p.online[userID]
	}
	return 0
}

func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}
