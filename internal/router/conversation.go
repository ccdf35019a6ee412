package router

import (
	"net/url"
	"strings"
	"sync"
)

const directPrefix = "dm:"

// DirectConversationID returns the stable id of the one-to-one conversation
// between a and b, independent of argument order. Participant ids are
// query-escaped, so ids containing ':' stay unambiguous.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + url.QueryEscape(a) + ":" + url.QueryEscape(b)
}

// parseDirect splits a direct conversation id into its two participants.
func parseDirect(id string) (string, string, bool) {
	rest, ok := strings.CutPrefix(id, directPrefix)
	if !ok {
		return "", "", false
	}
	rawA, rawB, ok := strings.Cut(rest, ":")
	if !ok || strings.Contains(rawB, ":") {
		return "", "", false
	}
	a, errA := url.QueryUnescape(rawA)
	b, errB := url.QueryUnescape(rawB)
	if errA != nil || errB != nil || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// IsConversationID reports whether target names a conversation rather than a user.
func IsConversationID(target string) bool {
	return strings.HasPrefix(target, directPrefix)
}

// conversation is the routing metadata of one conversation. The mutex
// serializes sequence assignment and the fan-out that follows it.
type conversation struct {
	mu      sync.Mutex
	id      string
	lastSeq map[string]uint64
}

func newConversation(id string) *conversation {
	return &conversation{id: id, lastSeq: make(map[string]uint64)}
}

// next assigns the next sequence number for recipient. Callers hold c.mu.
func (c *conversation) next(recipientID string) uint64 {
	c.lastSeq[recipientID]++
	return c.lastSeq[recipientID]
}

type conversations struct {
	mu    sync.Mutex
	items map[string]*conversation
}

func newConversations() *conversations {
	return &conversations{items: make(map[string]*conversation)}
}

func (cs *conversations) get(id string) *conversation {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.items[id]
	if !ok {
		c = newConversation(id)
		cs.items[id] = c
	}
	return c
}

func (cs *conversations) lookup(id string) (*conversation, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.items[id]
	return c, ok
}
