package presence

import "sync"

const subscriptionBuffer = 32

type subscription struct {
	ch chan Change
}

// subscribers fans presence changes out to in-process listeners keyed by the
// subscribing user. Slow subscribers lose changes rather than stall delivery.
type subscribers struct {
	mu     sync.Mutex
	byUser map[string]map[*subscription]struct{}
}

func newSubscribers() *subscribers {
	return &subscribers{byUser: make(map[string]map[*subscription]struct{})}
}

func (s *subscribers) add(userID string) (<-chan Change, func()) {
	sub := &subscription{ch: make(chan Change, subscriptionBuffer)}

	s.mu.Lock()
	set, ok := s.byUser[userID]
	if !ok {
		set = make(map[*subscription]struct{})
		s.byUser[userID] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byUser[userID], sub)
			if len(s.byUser[userID]) == 0 {
				delete(s.byUser, userID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (s *subscribers) publish(userID string, c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.byUser[userID] {
		select {
		case sub.ch <- c:
		default:
		}
	}
}
