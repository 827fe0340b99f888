package playback

import "sync"

// EventType names what happened to a feed item's playback.
type EventType string

const (
	EventStarted  EventType = "started"
	EventPaused   EventType = "paused"
	EventResumed  EventType = "resumed"
	EventCleared  EventType = "cleared"
	EventFinished EventType = "finished"
	EventFailed   EventType = "failed"
	EventProgress EventType = "progress"
)

// Event is delivered to subscribers after the arbiter has released its locks,
// so handlers may call back into the arbiter.
type Event struct {
	Type       EventType
	ItemID     string
	URI        string
	PositionMs int64
	DurationMs int64
	Err        error
}

type subscribers struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(Event))
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) snapshot() []func(Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		out = append(out, fn)
	}
	return out
}
