package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus/internal/presence"
	"github.com/Tyrowin/nexus/internal/protocol"
	"github.com/Tyrowin/nexus/internal/registry"
	"github.com/Tyrowin/nexus/internal/registry/registrytest"
)

type policyFunc func(caller, callee string) (bool, error)

func (f policyFunc) CanCall(_ context.Context, caller, callee string) (bool, error) {
	return f(caller, callee)
}

func allowCalls() Policy {
	return policyFunc(func(string, string) (bool, error) { return true, nil })
}

type harness struct {
	reg *registry.Registry
	mgr *Manager

	mu       sync.Mutex
	terminal []Session
}

func newHarness(t *testing.T, cfg Config, policy Policy) *harness {
	t.Helper()
	h := &harness{reg: registry.New(nil)}
	h.mgr = NewManager(cfg, h.reg, policy, nil)
	h.reg.Subscribe(h.mgr.HandleRegistryEvent)
	h.mgr.OnTerminal(func(_ context.Context, s Session) {
		h.mu.Lock()
		h.terminal = append(h.terminal, s)
		h.mu.Unlock()
	})
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) connect(t *testing.T, userID, deviceID string) (registry.Handle, *registrytest.Sender) {
	t.Helper()
	s := registrytest.NewSender()
	handle, err := h.reg.Register(userID, deviceID, s)
	require.NoError(t, err)
	return handle, s
}

func (h *harness) terminals() []Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Session(nil), h.terminal...)
}

func callStates(t *testing.T, s *registrytest.Sender) []protocol.CallState {
	t.Helper()
	var out []protocol.CallState
	for _, f := range s.FramesOfType(protocol.TypeCallState) {
		var cs protocol.CallState
		require.NoError(t, f.DecodeData(&cs))
		out = append(out, cs)
	}
	return out
}

func signals(t *testing.T, s *registrytest.Sender) []string {
	t.Helper()
	var out []string
	for _, f := range s.FramesOfType(protocol.TypeCallSignal) {
		var rs protocol.RelayedSignal
		require.NoError(t, f.DecodeData(&rs))
		var body map[string]string
		require.NoError(t, json.Unmarshal(rs.Payload, &body))
		out = append(out, body["n"])
	}
	return out
}

func sig(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":"%d"}`, n))
}

func TestInitiateRingsEveryCalleeDevice(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	_, caller := h.connect(t, "u1", "d1")
	_, phone := h.connect(t, "u2", "phone")
	_, laptop := h.connect(t, "u2", "laptop")

	id, err := h.mgr.Initiate(context.Background(), "u1", "u2", Video)
	require.NoError(t, err)

	assert.Len(t, phone.FramesOfType(protocol.TypeCallIncoming), 1)
	assert.Len(t, laptop.FramesOfType(protocol.TypeCallIncoming), 1)
	states := callStates(t, caller)
	require.Len(t, states, 1)
	assert.Equal(t, "ringing", states[0].State)

	snap, ok := h.mgr.Session(id)
	require.True(t, ok)
	assert.Equal(t, Ringing, snap.State)
	assert.Equal(t, Video, snap.Kind)
	assert.False(t, snap.AnswerDeadline.IsZero())
}

func TestInitiateUnreachableCallee(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	_, caller := h.connect(t, "u1", "d1")

	_, err := h.mgr.Initiate(context.Background(), "u1", "u2", Audio)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Empty(t, caller.Frames())

	terms := h.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, Unreachable, terms[0].State)

	_, engaged := h.mgr.ActiveFor("u1")
	assert.False(t, engaged)
}

func TestInitiateBusyCreatesNoSession(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	h.connect(t, "u1", "")
	h.connect(t, "u2", "")
	h.connect(t, "u3", "")

	_, err := h.mgr.Initiate(context.Background(), "u1", "u2", Audio)
	require.NoError(t, err)

	_, err = h.mgr.Initiate(context.Background(), "u3", "u2", Audio)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, h.mgr.Count())

	active, ok := h.mgr.ActiveFor("u2")
	require.True(t, ok)
	assert.Equal(t, "u1", active.CallerID)
}

func TestInitiateRespectsPolicy(t *testing.T) {
	deny := policyFunc(func(string, string) (bool, error) { return false, nil })
	h := newHarness(t, Config{}, deny)
	h.connect(t, "u2", "")

	_, err := h.mgr.Initiate(context.Background(), "u1", "u2", Audio)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.Zero(t, h.mgr.Count())

	broken := newHarness(t, Config{}, policyFunc(func(string, string) (bool, error) {
		return false, errors.New("lookup failed")
	}))
	_, err = broken.mgr.Initiate(context.Background(), "u1", "u2", Audio)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotPermitted)
}

func TestInitiateMalformed(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	_, err := h.mgr.Initiate(context.Background(), "u1", "u1", Audio)
	assert.ErrorIs(t, err, registry.ErrMalformedID)
	_, err = h.mgr.Initiate(context.Background(), "", "u2", Audio)
	assert.ErrorIs(t, err, registry.ErrMalformedID)
}

func TestAcceptFlushesEarlySignalsAndStopsOtherDevices(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	_, caller := h.connect(t, "u1", "")
	phoneHandle, phone := h.connect(t, "u2", "phone")
	_, laptop := h.connect(t, "u2", "laptop")
	ctx := context.Background()

	id, err := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, err)

	require.NoError(t, h.mgr.Signal(ctx, id, Actor{UserID: "u1"}, sig(1)))
	require.NoError(t, h.mgr.Signal(ctx, id, Actor{UserID: "u1"}, sig(2)))
	assert.Empty(t, signals(t, phone))

	snap, _ := h.mgr.Session(id)
	assert.Equal(t, 2, snap.Queued)

	require.NoError(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2", ConnID: phoneHandle.ID}, true))

	assert.Equal(t, []string{"1", "2"}, signals(t, phone))
	assert.Len(t, laptop.FramesOfType(protocol.TypeCallAnsweredElsewhere), 1)
	assert.Empty(t, phone.FramesOfType(protocol.TypeCallAnsweredElsewhere))

	states := callStates(t, caller)
	require.Len(t, states, 2)
	assert.Equal(t, "connecting", states[1].State)
	assert.Equal(t, "accepted", states[1].Reason)

	snap, _ = h.mgr.Session(id)
	assert.Equal(t, Connecting, snap.State)
	assert.Zero(t, snap.Queued)
}

func TestAnswerRules(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	h.connect(t, "u1", "")
	h.connect(t, "u2", "")
	ctx := context.Background()

	id, err := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, err)

	assert.ErrorIs(t, h.mgr.Answer(ctx, id, Actor{UserID: "u1"}, true), ErrInvalidState)
	assert.ErrorIs(t, h.mgr.Answer(ctx, id, Actor{UserID: "u9"}, true), ErrNotParticipant)
	assert.ErrorIs(t, h.mgr.Answer(ctx, "missing", Actor{UserID: "u2"}, true), ErrNotFound)
	assert.ErrorIs(t, h.mgr.Signal(ctx, id, Actor{UserID: "u2"}, sig(1)), ErrInvalidState)

	require.NoError(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, false))
	snap, _ := h.mgr.Session(id)
	assert.Equal(t, Rejected, snap.State)
	assert.ErrorIs(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true), ErrInvalidState)

	// The callee is free again.
	_, err = h.mgr.Initiate(ctx, "u1", "u2", Audio)
	assert.NoError(t, err)
}

func TestUnansweredCallTimesOutExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{AnswerTimeout: 20 * time.Millisecond}, allowCalls())
	_, caller := h.connect(t, "u1", "")
	h.connect(t, "u2", "")
	ctx := context.Background()

	id, err := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, _ := h.mgr.Session(id)
		return snap.State == TimedOut
	}, time.Second, 5*time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	terms := h.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, TimedOut, terms[0].State)

	assert.ErrorIs(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true), ErrInvalidState)

	states := callStates(t, caller)
	require.NotEmpty(t, states)
	assert.Equal(t, "timed_out", states[len(states)-1].State)
	assert.Equal(t, "no_answer", states[len(states)-1].Reason)
}

func TestAnswerBeatsTimeout(t *testing.T) {
	h := newHarness(t, Config{AnswerTimeout: 30 * time.Millisecond}, allowCalls())
	h.connect(t, "u1", "")
	h.connect(t, "u2", "")
	ctx := context.Background()

	id, _ := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true))

	time.Sleep(60 * time.Millisecond)
	snap, _ := h.mgr.Session(id)
	assert.Equal(t, Connecting, snap.State)
	assert.Empty(t, h.terminals())
}

func TestSignalQueueDropsOldest(t *testing.T) {
	h := newHarness(t, Config{QueueLimit: 3}, allowCalls())
	h.connect(t, "u1", "")
	_, callee := h.connect(t, "u2", "")
	ctx := context.Background()

	id, _ := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	for i := 1; i <= 5; i++ {
		require.NoError(t, h.mgr.Signal(ctx, id, Actor{UserID: "u1"}, sig(i)))
	}
	require.NoError(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true))
	assert.Equal(t, []string{"3", "4", "5"}, signals(t, callee))
}

func TestBothConnectedBecomesActive(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	_, caller := h.connect(t, "u1", "")
	_, callee := h.connect(t, "u2", "")
	ctx := context.Background()

	id, _ := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	assert.ErrorIs(t, h.mgr.MarkConnected(ctx, id, Actor{UserID: "u1"}), ErrInvalidState)
	require.NoError(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true))

	require.NoError(t, h.mgr.Signal(ctx, id, Actor{UserID: "u2"}, sig(7)))
	assert.Equal(t, []string{"7"}, signals(t, caller))

	require.NoError(t, h.mgr.MarkConnected(ctx, id, Actor{UserID: "u1"}))
	snap, _ := h.mgr.Session(id)
	assert.Equal(t, Connecting, snap.State)

	require.NoError(t, h.mgr.MarkConnected(ctx, id, Actor{UserID: "u2"}))
	snap, _ = h.mgr.Session(id)
	assert.Equal(t, Active, snap.State)
	require.NoError(t, h.mgr.MarkConnected(ctx, id, Actor{UserID: "u2"}))

	last := callStates(t, callee)
	assert.Equal(t, "active", last[len(last)-1].State)
}

func TestEndTransitions(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	h.connect(t, "u1", "")
	h.connect(t, "u2", "")
	ctx := context.Background()

	id, _ := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, h.mgr.End(ctx, id, Actor{UserID: "u1"}))
	snap, _ := h.mgr.Session(id)
	assert.Equal(t, Cancelled, snap.State)
	assert.ErrorIs(t, h.mgr.End(ctx, id, Actor{UserID: "u1"}), ErrInvalidState)

	id, _ = h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, h.mgr.End(ctx, id, Actor{UserID: "u2"}))
	snap, _ = h.mgr.Session(id)
	assert.Equal(t, Rejected, snap.State)

	id, _ = h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true))
	assert.ErrorIs(t, h.mgr.End(ctx, id, Actor{UserID: "u3"}), ErrNotParticipant)
	require.NoError(t, h.mgr.End(ctx, id, Actor{UserID: "u2"}))
	snap, _ = h.mgr.Session(id)
	assert.Equal(t, Ended, snap.State)
	assert.ErrorIs(t, h.mgr.Signal(ctx, id, Actor{UserID: "u1"}, sig(1)), ErrInvalidState)

	assert.Len(t, h.terminals(), 3)
}

func TestPartyOfflineFailsSession(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	_, caller := h.connect(t, "u1", "")
	h.connect(t, "u2", "")
	ctx := context.Background()

	id, _ := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true))

	h.mgr.HandlePresence(ctx, presence.Change{UserID: "u2", Online: true})
	snap, _ := h.mgr.Session(id)
	assert.Equal(t, Connecting, snap.State)

	h.mgr.HandlePresence(ctx, presence.Change{UserID: "u2", Online: false})
	snap, _ = h.mgr.Session(id)
	assert.Equal(t, Failed, snap.State)

	states := callStates(t, caller)
	last := states[len(states)-1]
	assert.Equal(t, "failed", last.State)
	assert.Equal(t, "peer_lost", last.Reason)

	// A second offline change is a no-op.
	h.mgr.HandlePresence(ctx, presence.Change{UserID: "u2", Online: false})
	assert.Len(t, h.terminals(), 1)
}

type onlineUsers map[string]bool

func (o onlineUsers) IsOnline(userID string) bool { return o[userID] }

func TestStaleOfflineChangeIsIgnored(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	online := onlineUsers{"u1": true, "u2": true}
	h.mgr.UsePresence(online)
	h.connect(t, "u1", "")
	h.connect(t, "u2", "")
	ctx := context.Background()

	id, err := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, err)

	// u1 went offline earlier and came back before the change was delivered.
	h.mgr.HandlePresence(ctx, presence.Change{UserID: "u1", Online: false, At: time.Now().Add(-time.Minute)})
	snap, _ := h.mgr.Session(id)
	assert.Equal(t, Ringing, snap.State)
	assert.Empty(t, h.terminals())

	online["u1"] = false
	h.mgr.HandlePresence(ctx, presence.Change{UserID: "u1", Online: false})
	snap, _ = h.mgr.Session(id)
	assert.Equal(t, Failed, snap.State)
}

func TestSignalsQueuedWhilePeerReconnects(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	h.connect(t, "u1", "")
	calleeHandle, callee := h.connect(t, "u2", "")
	ctx := context.Background()

	id, _ := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2", ConnID: calleeHandle.ID}, true))

	callee.Fail()
	require.NoError(t, h.mgr.Signal(ctx, id, Actor{UserID: "u1"}, sig(1)))
	require.NoError(t, h.mgr.Signal(ctx, id, Actor{UserID: "u1"}, sig(2)))
	snap, _ := h.mgr.Session(id)
	require.Equal(t, 2, snap.Queued)

	_, again := h.connect(t, "u2", "")
	require.Eventually(t, func() bool {
		return len(signals(t, again)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, signals(t, again))
}

func TestNewCalleeDeviceRingsWhileRinging(t *testing.T) {
	h := newHarness(t, Config{}, allowCalls())
	h.connect(t, "u1", "")
	h.connect(t, "u2", "phone")
	ctx := context.Background()

	_, err := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, err)

	_, tablet := h.connect(t, "u2", "tablet")
	require.Eventually(t, func() bool {
		return len(tablet.FramesOfType(protocol.TypeCallIncoming)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTerminalSessionsArePurgedAfterRetention(t *testing.T) {
	h := newHarness(t, Config{Retention: 20 * time.Millisecond}, allowCalls())
	h.connect(t, "u1", "")
	h.connect(t, "u2", "")
	ctx := context.Background()

	id, _ := h.mgr.Initiate(ctx, "u1", "u2", Audio)
	require.NoError(t, h.mgr.End(ctx, id, Actor{UserID: "u1"}))
	assert.ErrorIs(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true), ErrInvalidState)

	require.Eventually(t, func() bool {
		_, ok := h.mgr.Session(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.mgr.Answer(ctx, id, Actor{UserID: "u2"}, true), ErrNotFound)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Active.Terminal())
	assert.Equal(t, Video, ParseKind("video"))
	assert.Equal(t, Audio, ParseKind("hologram"))
}
