package call

import (
	"sync"
	"time"
)

// Session is a read-only snapshot of a call attempt.
type Session struct {
	ID             string
	CallerID       string
	CalleeID       string
	Kind           Kind
	State          State
	Reason         string
	CreatedAt      time.Time
	AnswerDeadline time.Time
	EndedAt        time.Time
	// Queued is the number of signal frames waiting for delivery.
	Queued int
}

// session is the live state machine of one call. Every field below mu is
// guarded by it.
type session struct {
	mu sync.Mutex

	id             string
	callerID       string
	calleeID       string
	kind           Kind
	state          State
	reason         string
	createdAt      time.Time
	answerDeadline time.Time
	endedAt        time.Time

	connected map[string]bool
	queues    map[string]*signalQueue

	answerTimer  *time.Timer
	cleanupTimer *time.Timer
}

func (s *session) snapshot() Session {
	queued := 0
	for _, q := range s.queues {
		queued += q.len()
	}
	return Session{
		ID:             s.id,
		CallerID:       s.callerID,
		CalleeID:       s.calleeID,
		Kind:           s.kind,
		State:          s.state,
		Reason:         s.reason,
		CreatedAt:      s.createdAt,
		AnswerDeadline: s.answerDeadline,
		EndedAt:        s.endedAt,
		Queued:         queued,
	}
}

func (s *session) isParty(userID string) bool {
	return userID == s.callerID || userID == s.calleeID
}

func (s *session) peerOf(userID string) string {
	if userID == s.callerID {
		return s.calleeID
	}
	return s.callerID
}

// legEstablished reports whether userID can receive relayed signals. The
// callee's leg exists only once it accepted.
func (s *session) legEstablished(userID string) bool {
	switch s.state {
	case Connecting, Active:
		return true
	case Ringing:
		return userID == s.callerID
	default:
		return false
	}
}

func (s *session) queueFor(userID string, limit int) *signalQueue {
	q, ok := s.queues[userID]
	if !ok {
		q = newSignalQueue(limit)
		s.queues[userID] = q
	}
	return q
}

func (s *session) stopTimers() {
	if s.answerTimer != nil {
		s.answerTimer.Stop()
	}
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
	}
}
