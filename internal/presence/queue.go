package presence

import (
	"sync"

	"github.com/Tyrowin/nexus/internal/protocol"
)

// changeQueue is an unbounded FIFO so the registry path never blocks on the
// dispatcher.
type changeQueue struct {
	mu     sync.Mutex
	items  []Change
	signal chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{signal: make(chan struct{}, 1)}
}

func (q *changeQueue) push(c Change) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *changeQueue) drain() []Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *changeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func encodeChange(c Change) ([]byte, error) {
	return protocol.Encode(protocol.TypePresenceChanged, "", protocol.PresenceChanged{
		UserID: c.UserID,
		Online: c.Online,
		At:     c.At.UTC(),
	})
}
