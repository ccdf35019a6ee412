package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus/internal/registry/registrytest"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestRegisterRejectsMalformedIdentifiers(t *testing.T) {
	r := New(nil)

	_, err := r.Register("  ", "d1", registrytest.NewSender())
	assert.ErrorIs(t, err, ErrMalformedID)

	_, err = r.Register("u1", "d1", nil)
	assert.ErrorIs(t, err, ErrMalformedID)
	assert.Zero(t, r.Count())
}

func TestRegisterEmitsEventWithRemainingCount(t *testing.T) {
	r := New(nil)
	var log eventLog
	r.Subscribe(log.record)

	h1, err := r.Register("u1", "phone", registrytest.NewSender())
	require.NoError(t, err)
	h2, err := r.Register("u1", "laptop", registrytest.NewSender())
	require.NoError(t, err)

	assert.NotEqual(t, h1.ID, h2.ID)
	events := log.all()
	require.Len(t, events, 2)
	assert.Equal(t, Registered, events[0].Kind)
	assert.Equal(t, 1, events[0].Remaining)
	assert.Equal(t, 2, events[1].Remaining)
	assert.Equal(t, "laptop", events[1].Handle.DeviceID)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New(nil)
	var log eventLog
	r.Subscribe(log.record)

	h, err := r.Register("u1", "", registrytest.NewSender())
	require.NoError(t, err)

	assert.True(t, r.Unregister(h.ID))
	assert.False(t, r.Unregister(h.ID))
	assert.False(t, r.Unregister("never-existed"))

	events := log.all()
	require.Len(t, events, 2)
	assert.Equal(t, Unregistered, events[1].Kind)
	assert.Equal(t, 0, events[1].Remaining)
	assert.Zero(t, r.Users())
}

func TestConnectionsForIsSnapshot(t *testing.T) {
	r := New(nil)
	h1, _ := r.Register("u1", "d1", registrytest.NewSender())
	_, _ = r.Register("u1", "d2", registrytest.NewSender())

	snapshot := r.ConnectionsFor("u1")
	require.Len(t, snapshot, 2)
	r.Unregister(h1.ID)

	assert.Len(t, snapshot, 2)
	assert.Len(t, r.ConnectionsFor("u1"), 1)
	assert.Empty(t, r.ConnectionsFor("nobody"))
}

func TestSendToStaleHandleUnregisters(t *testing.T) {
	r := New(nil)
	var log eventLog
	r.Subscribe(log.record)

	dead := registrytest.NewSender()
	h, _ := r.Register("u1", "d1", dead)
	dead.Fail()

	err := r.SendTo(context.Background(), h.ID, []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionGone)
	assert.True(t, dead.Closed())
	assert.Zero(t, r.UserCount("u1"))

	events := log.all()
	require.Len(t, events, 2)
	assert.Equal(t, Unregistered, events[1].Kind)

	err = r.SendTo(context.Background(), h.ID, []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionGone)
}

func TestSendToUserSkipsGoneConnections(t *testing.T) {
	r := New(nil)
	s1, s2 := registrytest.NewSender(), registrytest.NewSender()
	_, _ = r.Register("u1", "d1", s1)
	_, _ = r.Register("u1", "d2", s2)
	s1.Fail()

	n := r.SendToUser(context.Background(), "u1", []byte("hello"))
	assert.Equal(t, 1, n)
	assert.Len(t, s2.Payloads(), 1)
	assert.Equal(t, 1, r.UserCount("u1"))
}

func TestSendToUserExcept(t *testing.T) {
	r := New(nil)
	s1, s2 := registrytest.NewSender(), registrytest.NewSender()
	h1, _ := r.Register("u1", "d1", s1)
	_, _ = r.Register("u1", "d2", s2)

	n := r.SendToUserExcept(context.Background(), "u1", h1.ID, []byte("echo"))
	assert.Equal(t, 1, n)
	assert.Empty(t, s1.Payloads())
	assert.Len(t, s2.Payloads(), 1)
}

func TestEvictClosesEveryConnection(t *testing.T) {
	r := New(nil)
	s1, s2 := registrytest.NewSender(), registrytest.NewSender()
	_, _ = r.Register("u1", "d1", s1)
	_, _ = r.Register("u1", "d2", s2)
	_, _ = r.Register("u2", "d1", registrytest.NewSender())

	assert.Equal(t, 2, r.Evict("u1"))
	assert.True(t, s1.Closed())
	assert.True(t, s2.Closed())
	assert.Zero(t, r.UserCount("u1"))
	assert.Equal(t, 1, r.Count())
}

// selfRemovingSender unregisters its own handle when closed, the way a
// transport whose read loop ends on close does.
type selfRemovingSender struct {
	*registrytest.Sender
	reg    *Registry
	connID string
}

func (s *selfRemovingSender) Close() error {
	s.reg.Unregister(s.connID)
	return s.Sender.Close()
}

func TestEvictCountsConnectionsRemovedByClose(t *testing.T) {
	r := New(nil)
	s := &selfRemovingSender{Sender: registrytest.NewSender(), reg: r}
	h, err := r.Register("u1", "d1", s)
	require.NoError(t, err)
	s.connID = h.ID

	assert.Equal(t, 1, r.Evict("u1"))
	assert.True(t, s.Closed())
	assert.Zero(t, r.Count())
}

func TestListenerPanicDoesNotBreakRegistry(t *testing.T) {
	r := New(nil)
	r.Subscribe(func(Event) { panic("boom") })

	_, err := r.Register("u1", "", registrytest.NewSender())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())
}

// TestConcurrentChurnKeepsCountsConsistent drives register/unregister from many
// goroutines and checks that the Remaining count carried by each user's
// events always matches the running tally of that user's events.
func TestConcurrentChurnKeepsCountsConsistent(t *testing.T) {
	r := New(nil)

	var mu sync.Mutex
	tally := make(map[string]int)
	mismatches := 0
	r.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case Registered:
			tally[ev.Handle.UserID]++
		case Unregistered:
			tally[ev.Handle.UserID]--
		}
		if tally[ev.Handle.UserID] != ev.Remaining || ev.Remaining < 0 {
			mismatches++
		}
	})

	var wg sync.WaitGroup
	for u := 0; u < 5; u++ {
		for d := 0; d < 8; d++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					h, err := r.Register(user, "", registrytest.NewSender())
					if err != nil {
						return
					}
					r.Unregister(h.ID)
				}
			}(fmt.Sprintf("user-%d", u))
		}
	}
	wg.Wait()

	assert.Zero(t, mismatches)
	assert.Zero(t, r.Count())
	for user, n := range tally {
		assert.Zero(t, n, user)
	}
	assert.Zero(t, r.userLocks.size())
}
