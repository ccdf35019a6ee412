// Package router delivers chat payloads to every live connection of the
// recipient, with per-conversation sequence numbers.
//
// Sequence assignment and the fan-out to the recipient's connections happen
// under the conversation's lock, so each connection is offered message N
// before N+1. Sends only enqueue onto a connection's outbound buffer; the
// privacy lookup and the offline hand-off run outside the lock.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/protocol"
	"github.com/Tyrowin/nexus/internal/registry"
)

// Kind is the outcome class of a route.
type Kind int

const (
	// Delivered means at least one live connection accepted the message.
	Delivered Kind = iota + 1
	// Queued means no connection was reachable and the message was handed to
	// offline storage.
	Queued
	// Rejected means a policy forbids the message.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Rejection reasons.
const (
	ReasonPrivacy        = "privacy"
	ReasonNotParticipant = "not a participant"
)

// Result reports what happened to one routed message.
type Result struct {
	Kind           Kind
	Connections    int
	Sequence       uint64
	ConversationID string
	RecipientID    string
	Reason         string
}

// Message is one chat payload to route. Target is a recipient user id or a
// direct conversation id. OriginConnID, when set, is the sender connection
// that should not receive the echo copy.
type Message struct {
	SenderID     string
	Target       string
	Payload      json.RawMessage
	OriginConnID string
}

// Envelope is the routed form of a message, handed to offline storage when
// the recipient is unreachable.
type Envelope struct {
	ConversationID string
	SenderID       string
	RecipientID    string
	Sequence       uint64
	Payload        json.RawMessage
	SentAt         time.Time
}

// Policy decides whether sender may message recipient.
type Policy interface {
	CanMessage(ctx context.Context, senderID, recipientID string) (bool, error)
}

// OfflineQueue persists messages for recipients with no live connection.
type OfflineQueue interface {
	EnqueueOfflineMessage(ctx context.Context, recipientID string, env Envelope) error
}

// Transport is the subset of the Connection Registry the router needs.
type Transport interface {
	ConnectionsFor(userID string) []registry.Handle
	SendTo(ctx context.Context, connID string, payload []byte) error
	SendToUserExcept(ctx context.Context, userID, skipConnID string, payload []byte) int
}

// Router routes chat messages. It keeps no durable state.
type Router struct {
	conns     *conversations
	transport Transport
	policy    Policy
	offline   OfflineQueue
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Router.
func New(transport Transport, policy Policy, offline OfflineQueue, logger *slog.Logger) *Router {
	return &Router{
		conns:     newConversations(),
		transport: transport,
		policy:    policy,
		offline:   offline,
		now:       time.Now,
		logger:    logging.Component(logger, "router"),
	}
}

// Route authorizes, sequences and delivers msg. Policy outcomes are reported
// in the Result; the error is reserved for malformed input and collaborator
// failures.
func (r *Router) Route(ctx context.Context, msg Message) (Result, error) {
	sender := strings.TrimSpace(msg.SenderID)
	target := strings.TrimSpace(msg.Target)
	if sender == "" || target == "" {
		return Result{}, fmt.Errorf("route: empty sender or target: %w", registry.ErrMalformedID)
	}

	recipient, convID, ok := r.resolve(sender, target)
	if !ok {
		return Result{Kind: Rejected, ConversationID: target, Reason: ReasonNotParticipant}, nil
	}
	if recipient == sender {
		return Result{}, fmt.Errorf("route %s: sender is the recipient: %w", sender, registry.ErrMalformedID)
	}

	allowed, err := r.policy.CanMessage(ctx, sender, recipient)
	if err != nil {
		return Result{}, fmt.Errorf("route %s -> %s: privacy lookup: %w", sender, recipient, err)
	}
	if !allowed {
		r.logger.Debug("message rejected by privacy rules", "sender_id", sender, "recipient_id", recipient)
		return Result{Kind: Rejected, ConversationID: convID, RecipientID: recipient, Reason: ReasonPrivacy}, nil
	}

	env, delivered, err := r.deliver(ctx, convID, sender, recipient, msg)
	if err != nil {
		return Result{}, err
	}
	if delivered > 0 {
		return Result{Kind: Delivered, Connections: delivered, Sequence: env.Sequence, ConversationID: convID, RecipientID: recipient}, nil
	}

	if err := r.offline.EnqueueOfflineMessage(ctx, recipient, env); err != nil {
		return Result{}, fmt.Errorf("route %s -> %s: offline enqueue: %w", sender, recipient, err)
	}
	r.logger.Debug("message queued for offline recipient", "recipient_id", recipient, "conversation_id", convID, "seq", env.Sequence)
	return Result{Kind: Queued, Sequence: env.Sequence, ConversationID: convID, RecipientID: recipient}, nil
}

// LastSequence returns the last sequence number assigned to recipient in the
// conversation, or zero.
func (r *Router) LastSequence(conversationID, recipientID string) uint64 {
	c, ok := r.conns.lookup(conversationID)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq[recipientID]
}

func (r *Router) resolve(sender, target string) (recipient, convID string, ok bool) {
	if !IsConversationID(target) {
		return target, DirectConversationID(sender, target), true
	}
	a, b, ok := parseDirect(target)
	if !ok {
		return "", "", false
	}
	switch sender {
	case a:
		return b, DirectConversationID(a, b), true
	case b:
		return a, DirectConversationID(a, b), true
	default:
		return "", "", false
	}
}

func (r *Router) deliver(ctx context.Context, convID, sender, recipient string, msg Message) (Envelope, int, error) {
	conv := r.conns.get(convID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	env := Envelope{
		ConversationID: convID,
		SenderID:       sender,
		RecipientID:    recipient,
		Sequence:       conv.next(recipient),
		Payload:        msg.Payload,
		SentAt:         r.now().UTC(),
	}
	wire := protocol.ChatMessage{
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		RecipientID:    env.RecipientID,
		Seq:            env.Sequence,
		Payload:        env.Payload,
		SentAt:         env.SentAt,
	}
	frame, err := protocol.Encode(protocol.TypeChatMessage, "", wire)
	if err != nil {
		return Envelope{}, 0, fmt.Errorf("route %s: %w", convID, err)
	}

	delivered := 0
	for _, h := range r.transport.ConnectionsFor(recipient) {
		if err := r.transport.SendTo(ctx, h.ID, frame); err != nil {
			r.logger.Debug("recipient connection gone during route", "conn_id", h.ID, "recipient_id", recipient)
			continue
		}
		delivered++
	}

	if echo, err := protocol.Encode(protocol.TypeChatEcho, "", wire); err == nil {
		r.transport.SendToUserExcept(ctx, sender, msg.OriginConnID, echo)
	}
	return env, delivered, nil
}
