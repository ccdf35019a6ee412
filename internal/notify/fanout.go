// Package notify delivers user notifications live when the user is online
// and hands them to durable storage otherwise, honoring the user's
// per-kind notification toggles.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/protocol"
	"github.com/Tyrowin/nexus/internal/registry"
)

// Kind is a notification category with its own user toggle.
type Kind string

// Notification kinds.
const (
	Messages       Kind = "messages"
	Calls          Kind = "calls"
	Mentions       Kind = "mentions"
	FriendRequests Kind = "friendRequests"
)

// ErrUnknownKind is returned for kinds outside the four known toggles.
var ErrUnknownKind = errors.New("unknown notification kind")

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.TrimSpace(s)); k {
	case Messages, Calls, Mentions, FriendRequests:
		return k, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownKind)
	}
}

// Prefs are a user's notification toggles.
type Prefs struct {
	Messages       bool `json:"messages"`
	Calls          bool `json:"calls"`
	Mentions       bool `json:"mentions"`
	FriendRequests bool `json:"friendRequests"`
}

// DefaultPrefs enables every kind.
func DefaultPrefs() Prefs {
	return Prefs{Messages: true, Calls: true, Mentions: true, FriendRequests: true}
}

// Enabled reports the toggle for kind.
func (p Prefs) Enabled(kind Kind) bool {
	switch kind {
	case Messages:
		return p.Messages
	case Calls:
		return p.Calls
	case Mentions:
		return p.Mentions
	case FriendRequests:
		return p.FriendRequests
	default:
		return false
	}
}

// Settings loads notification toggles.
type Settings interface {
	NotificationPrefs(ctx context.Context, userID string) (Prefs, error)
}

// Recorder stores notifications for push or badge delivery.
type Recorder interface {
	RecordNotification(ctx context.Context, userID string, kind Kind, payload json.RawMessage) error
}

// Presence answers whether a user is reachable.
type Presence interface {
	IsOnline(userID string) bool
}

// Transport delivers to a user's live connections.
type Transport interface {
	SendToUser(ctx context.Context, userID string, payload []byte) int
}

// Outcome says where a notification went.
type Outcome int

const (
	// Suppressed means the user's toggle for the kind is off.
	Suppressed Outcome = iota + 1
	// Live means at least one connection received it.
	Live
	// Stored means it was handed to the durable recorder.
	Stored
)

func (o Outcome) String() string {
	switch o {
	case Suppressed:
		return "suppressed"
	case Live:
		return "live"
	case Stored:
		return "stored"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Notify call.
type Result struct {
	Outcome     Outcome
	Connections int
}

// Fanout is stateless; every Notify call stands alone and duplicates are
// not detected.
type Fanout struct {
	settings  Settings
	recorder  Recorder
	presence  Presence
	transport Transport
	logger    *slog.Logger
}

// New creates a Fanout.
func New(settings Settings, recorder Recorder, presence Presence, transport Transport, logger *slog.Logger) *Fanout {
	return &Fanout{
		settings:  settings,
		recorder:  recorder,
		presence:  presence,
		transport: transport,
		logger:    logging.Component(logger, "notify"),
	}
}

// Notify delivers one notification to userID.
func (f *Fanout) Notify(ctx context.Context, userID string, kind Kind, payload json.RawMessage) (Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, fmt.Errorf("notify: empty user id: %w", registry.ErrMalformedID)
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return Result{}, fmt.Errorf("notify %s: %w", userID, err)
	}

	prefs, err := f.settings.NotificationPrefs(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("notify %s: settings lookup: %w", userID, err)
	}
	if !prefs.Enabled(kind) {
		f.logger.Debug("notification suppressed by user settings", "user_id", userID, "kind", string(kind))
		return Result{Outcome: Suppressed}, nil
	}

	if f.presence.IsOnline(userID) {
		frame, err := protocol.Encode(protocol.TypeNotification, "", protocol.Notification{Kind: string(kind), Payload: payload})
		if err != nil {
			return Result{}, fmt.Errorf("notify %s: %w", userID, err)
		}
		if n := f.transport.SendToUser(ctx, userID, frame); n > 0 {
			return Result{Outcome: Live, Connections: n}, nil
		}
		// Online only through the grace period, or every socket just died.
	}

	if err := f.recorder.RecordNotification(ctx, userID, kind, payload); err != nil {
		return Result{}, fmt.Errorf("notify %s: record: %w", userID, err)
	}
	return Result{Outcome: Stored}, nil
}
