package capture

import (
	"sync"
	"time"
)

// Subscriber is one peer currently receiving frames from this agent.
type Subscriber struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// subscriberSet tracks the peers the encoder unicasts to. Removal is
// purely event-driven: unsubscribe, a peer-gone notice, or capture
// stop. There is no idle timeout.
type subscriberSet struct {
	sync.RWMutex
	peers map[string]*Subscriber
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{peers: make(map[string]*Subscriber)}
}

// add registers a peer and reports whether it was new. Re-adding an
// existing id leaves its entry untouched.
func (s *subscriberSet) add(id, name string) bool {
	if id == "" {
		return false
	}
	s.Lock()
	defer s.Unlock()
	if _, ok := s.peers[id]; ok {
		return false
	}
	s.peers[id] = &Subscriber{ID: id, Name: name, JoinedAt: time.Now()}
	return true
}

func (s *subscriberSet) remove(id string) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	return true
}

func (s *subscriberSet) count() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.peers)
}

func (s *subscriberSet) ids() []string {
	s.RLock()
	defer s.RUnlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

func (s *subscriberSet) list() []Subscriber {
	s.RLock()
	defer s.RUnlock()
	out := make([]Subscriber, 0, len(s.peers))
	for _, sub := range s.peers {
		out = append(out, *sub)
	}
	return out
}

// clear empties the set and returns the removed ids so callers can
// notify them.
func (s *subscriberSet) clear() []string {
	s.Lock()
	defer s.Unlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	s.peers = make(map[string]*Subscriber)
	return out
}
