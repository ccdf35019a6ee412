package call

import "errors"

// State is the signaling state of one call attempt.
type State int

const (
	// Idle is the initial state before the callee has been rung.
	Idle State = iota
	// Ringing means the callee's devices were notified of the invite.
	Ringing
	// Connecting means the callee accepted and offers, answers and candidates
	// are being exchanged.
	Connecting
	// Active means both parties reported their media as connected.
	Active
	// Ended is the normal hang-up terminal state.
	Ended
	// Rejected means the callee declined.
	Rejected
	// TimedOut means nobody answered before the deadline.
	TimedOut
	// Unreachable means the callee had no live connection at invite time.
	Unreachable
	// Failed means a party disappeared mid-session.
	Failed
	// Cancelled means the caller hung up before the callee answered.
	Cancelled
)

var stateNames = map[State]string{
	Idle:        "idle",
	Ringing:     "ringing",
	Connecting:  "connecting",
	Active:      "active",
	Ended:       "ended",
	Rejected:    "rejected",
	TimedOut:    "timed_out",
	Unreachable: "unreachable",
	Failed:      "failed",
	Cancelled:   "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= Ended
}

// Kind is the media kind requested by the caller. It is informational only.
type Kind string

// Call kinds.
const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// ParseKind maps a client value to a Kind, defaulting to Audio.
func ParseKind(s string) Kind {
	if Kind(s) == Video {
		return Video
	}
	return Audio
}

var (
	// ErrBusy is returned when the callee already takes part in a live session.
	ErrBusy = errors.New("callee busy")
	// ErrUnreachable is returned when the callee has no live connection.
	ErrUnreachable = errors.New("callee unreachable")
	// ErrNotPermitted is returned when privacy rules forbid the call.
	ErrNotPermitted = errors.New("call not permitted")
	// ErrInvalidState is returned for operations the session state forbids.
	ErrInvalidState = errors.New("invalid call state")
	// ErrNotParticipant is returned when the actor is not a party of the session.
	ErrNotParticipant = errors.New("not a call participant")
	// ErrNotFound is returned for unknown or already purged sessions.
	ErrNotFound = errors.New("call session not found")
)

// Termination reasons carried on call.state frames.
const (
	reasonDeclined    = "declined"
	reasonHangup      = "hangup"
	reasonCancelled   = "cancelled"
	reasonNoAnswer    = "no_answer"
	reasonUnreachable = "unreachable"
	reasonPeerLost    = "peer_lost"
	reasonAccepted    = "accepted"
)
