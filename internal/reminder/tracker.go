package reminder

import "sync"

type firedKey struct {
	eventID string
	label   string
}

// Tracker records which (event, threshold) pairs already fired in this
// process. Markers are never evicted and are lost on restart.
type Tracker struct {
	mu    sync.Mutex
	fired map[firedKey]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{fired: make(map[firedKey]struct{})}
}

func (t *Tracker) HasFired(eventID, label string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.fired[firedKey{eventID, label}]
	return ok
}

func (t *Tracker) MarkFired(eventID, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fired[firedKey{eventID, label}] = struct{}{}
}

// Len is the number of markers recorded so far.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fired)
}
