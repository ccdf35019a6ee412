package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/nexus/internal/notify"
	"github.com/Tyrowin/nexus/internal/router"
)

// StoredNotification is a notification handed to the recorder.
type StoredNotification struct {
	UserID    string
	Kind      notify.Kind
	Payload   json.RawMessage
	CreatedAt time.Time
}

type set map[string]struct{}

// Memory is an in-process collaborator store. The zero value is not usable;
// create one with NewMemory.
type Memory struct {
	mu            sync.RWMutex
	privacy       map[string]Privacy
	friends       map[string]set
	blocks        map[string]set
	prefs         map[string]notify.Prefs
	offline       map[string][]router.Envelope
	notifications map[string][]StoredNotification
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		privacy:       make(map[string]Privacy),
		friends:       make(map[string]set),
		blocks:        make(map[string]set),
		prefs:         make(map[string]notify.Prefs),
		offline:       make(map[string][]router.Envelope),
		notifications: make(map[string][]StoredNotification),
	}
}

// SetPrivacy replaces a user's privacy settings.
func (m *Memory) SetPrivacy(userID string, p Privacy) {
	m.mu.Lock()
	m.privacy[userID] = p
	m.mu.Unlock()
}

// AddFriendship records a mutual friendship.
func (m *Memory) AddFriendship(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link(m.friends, a, b)
	link(m.friends, b, a)
}

// RemoveFriendship deletes a friendship in both directions.
func (m *Memory) RemoveFriendship(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.friends[a], b)
	delete(m.friends[b], a)
}

// Block records that blocker blocked blocked.
func (m *Memory) Block(blocker, blocked string) {
	m.mu.Lock()
	link(m.blocks, blocker, blocked)
	m.mu.Unlock()
}

// SetNotificationPrefs replaces a user's notification toggles.
func (m *Memory) SetNotificationPrefs(userID string, p notify.Prefs) {
	m.mu.Lock()
	m.prefs[userID] = p
	m.mu.Unlock()
}

// CanMessage applies the recipient's whoCanMessage rule.
func (m *Memory) CanMessage(_ context.Context, senderID, recipientID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return allowed(m.privacyOf(recipientID).WhoCanMessage, m.areFriends(senderID, recipientID), m.blocked(senderID, recipientID)), nil
}

// CanCall applies the callee's whoCanCall rule.
func (m *Memory) CanCall(_ context.Context, callerID, calleeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return allowed(m.privacyOf(calleeID).WhoCanCall, m.areFriends(callerID, calleeID), m.blocked(callerID, calleeID)), nil
}

// FriendsOf returns userID's friends in a stable order.
func (m *Memory) FriendsOf(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.friends[userID]))
	for id := range m.friends[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// NotificationPrefs returns the user's toggles, all enabled by default.
func (m *Memory) NotificationPrefs(_ context.Context, userID string) (notify.Prefs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return notify.DefaultPrefs(), nil
}

// EnqueueOfflineMessage appends env to the recipient's offline queue.
func (m *Memory) EnqueueOfflineMessage(_ context.Context, recipientID string, env router.Envelope) error {
	m.mu.Lock()
	m.offline[recipientID] = append(m.offline[recipientID], env)
	m.mu.Unlock()
	return nil
}

// RecordNotification stores a notification for later delivery.
func (m *Memory) RecordNotification(_ context.Context, userID string, kind notify.Kind, payload json.RawMessage) error {
	m.mu.Lock()
	m.notifications[userID] = append(m.notifications[userID], StoredNotification{
		UserID:    userID,
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now(),
	})
	m.mu.Unlock()
	return nil
}

// OfflineMessages returns a copy of the recipient's queued envelopes.
func (m *Memory) OfflineMessages(userID string) []router.Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]router.Envelope(nil), m.offline[userID]...)
}

// Notifications returns a copy of the notifications recorded for userID.
func (m *Memory) Notifications(userID string) []StoredNotification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StoredNotification(nil), m.notifications[userID]...)
}

func (m *Memory) privacyOf(userID string) Privacy {
	if p, ok := m.privacy[userID]; ok {
		return p
	}
	return DefaultPrivacy()
}

func (m *Memory) areFriends(a, b string) bool {
	_, ok := m.friends[a][b]
	return ok
}

func (m *Memory) blocked(a, b string) bool {
	if _, ok := m.blocks[a][b]; ok {
		return true
	}
	_, ok := m.blocks[b][a]
	return ok
}

func link(index map[string]set, from, to string) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" || from == to {
		return
	}
	if index[from] == nil {
		index[from] = make(set)
	}
	index[from][to] = struct{}{}
}
