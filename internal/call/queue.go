package call

// signalQueue holds encoded signal frames for a party that cannot receive
// them yet. When full, the oldest frame is dropped.
type signalQueue struct {
	limit   int
	frames  [][]byte
	dropped int
}

func newSignalQueue(limit int) *signalQueue {
	if limit <= 0 {
		limit = 1
	}
	return &signalQueue{limit: limit}
}

func (q *signalQueue) push(frame []byte) {
	if len(q.frames) == q.limit {
		q.frames = q.frames[1:]
		q.dropped++
	}
	q.frames = append(q.frames, frame)
}

func (q *signalQueue) peek() ([]byte, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	return q.frames[0], true
}

func (q *signalQueue) pop() {
	if len(q.frames) > 0 {
		q.frames = q.frames[1:]
	}
}

func (q *signalQueue) len() int {
	return len(q.frames)
}

func (q *signalQueue) reset() {
	q.frames = nil
}
