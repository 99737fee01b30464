package sim

import "sync"

// Publisher retains the most recent snapshot for concurrent readers. It is
// the bridge between the single-threaded simulation loop and the HTTP
// surface: the loop stores copies, readers take the latest copy, and the
// live field never crosses the boundary.
type Publisher struct {
	mu     sync.RWMutex
	latest *Snapshot
}

// NewPublisher returns an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// AfterIteration implements Sink by retaining the snapshot.
func (p *Publisher) AfterIteration(snap Snapshot) error {
	p.mu.Lock()
	p.latest = &snap
	p.mu.Unlock()
	return nil
}

// Latest returns the most recent snapshot. ok is false until the first
// publication.
func (p *Publisher) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return Snapshot{}, false
	}
	return *p.latest, true
}
