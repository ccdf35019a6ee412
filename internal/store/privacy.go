package store

import (
	"fmt"
	"strings"
)

// Audience says who may reach a user through one channel.
type Audience string

// Audiences.
const (
	Everyone Audience = "everyone"
	Friends  Audience = "friends"
	Nobody   Audience = "nobody"
)

// ParseAudience validates an audience name.
func ParseAudience(s string) (Audience, error) {
	switch a := Audience(strings.ToLower(strings.TrimSpace(s))); a {
	case Everyone, Friends, Nobody:
		return a, nil
	default:
		return "", fmt.Errorf("unknown audience %q", s)
	}
}

// Privacy holds a user's reachability settings.
type Privacy struct {
	WhoCanMessage Audience
	WhoCanCall    Audience
}

// DefaultPrivacy lets everyone message and only friends call.
func DefaultPrivacy() Privacy {
	return Privacy{WhoCanMessage: Everyone, WhoCanCall: Friends}
}

// allowed evaluates one audience rule. A block in either direction denies
// regardless of the audience.
func allowed(audience Audience, areFriends, blocked bool) bool {
	if blocked {
		return false
	}
	switch audience {
	case Everyone:
		return true
	case Friends:
		return areFriends
	default:
		return false
	}
}
