package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/Tyrowin/nexus/internal/call"
	"github.com/Tyrowin/nexus/internal/protocol"
	"github.com/Tyrowin/nexus/internal/router"
)

// handleFrame decodes one inbound frame, runs it against the Coordinator and
// answers with an ack or an error frame carrying the same id.
func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		c.replyError("", codeBadRequest, err.Error())
		return
	}

	data, err := c.dispatch(ctx, frame)
	if err != nil {
		code, _ := classify(err)
		if code == codeInternal {
			c.logger.Error("frame failed", "type", frame.Type, "error", err)
			c.replyError(frame.ID, code, "internal error")
			return
		}
		c.replyError(frame.ID, code, err.Error())
		return
	}
	c.reply(protocol.TypeAck, frame.ID, data)
}

func (c *Client) dispatch(ctx context.Context, f protocol.Frame) (any, error) {
	coord := c.hub.coord
	actor := call.Actor{UserID: c.userID, ConnID: c.connID, DeviceID: c.deviceID}

	switch f.Type {
	case protocol.TypeChatSend:
		var in protocol.ChatSend
		if err := decodeData(f, &in); err != nil {
			return nil, err
		}
		res, err := coord.SendChat(ctx, actor, in.To, in.Payload)
		if err != nil {
			return nil, err
		}
		return chatResult(res), nil

	case protocol.TypeCallInvite:
		var in protocol.CallInvite
		if err := decodeData(f, &in); err != nil {
			return nil, err
		}
		id, err := coord.InitiateCall(ctx, c.userID, in.Callee, call.ParseKind(in.Kind))
		if err != nil {
			return nil, err
		}
		return protocol.CallRef{SessionID: id}, nil

	case protocol.TypeCallAnswer:
		var in protocol.CallAnswer
		if err := decodeData(f, &in); err != nil {
			return nil, err
		}
		return protocol.CallRef{SessionID: in.SessionID}, coord.AnswerCall(ctx, in.SessionID, actor, in.Accept)

	case protocol.TypeCallSignal:
		var in protocol.CallSignal
		if err := decodeData(f, &in); err != nil {
			return nil, err
		}
		return protocol.CallRef{SessionID: in.SessionID}, coord.SignalCall(ctx, in.SessionID, actor, in.Payload)

	case protocol.TypeCallConnected:
		var in protocol.CallRef
		if err := decodeData(f, &in); err != nil {
			return nil, err
		}
		return in, coord.MarkCallConnected(ctx, in.SessionID, actor)

	case protocol.TypeCallEnd:
		var in protocol.CallRef
		if err := decodeData(f, &in); err != nil {
			return nil, err
		}
		return in, coord.EndCall(ctx, in.SessionID, actor)

	case protocol.TypePresenceQuery:
		var in protocol.PresenceQuery
		if err := decodeData(f, &in); err != nil {
			return nil, err
		}
		userID := strings.TrimSpace(in.UserID)
		if userID == "" {
			return nil, fmt.Errorf("presence.query: empty user_id: %w", errMalformedFrame)
		}
		return protocol.PresenceStatus{UserID: userID, Online: coord.IsOnline(userID)}, nil

	default:
		return nil, fmt.Errorf("%q: %w", f.Type, errUnknownFrame)
	}
}

func decodeData(f protocol.Frame, v any) error {
	if err := f.DecodeData(v); err != nil {
		return fmt.Errorf("%v: %w", err, errMalformedFrame)
	}
	return nil
}

func (c *Client) reply(frameType, id string, data any) {
	payload, err := protocol.Encode(frameType, id, data)
	if err != nil {
		c.logger.Error("encoding reply", "type", frameType, "error", err)
		return
	}
	if err := c.Send(context.Background(), payload); err != nil {
		c.logger.Debug("reply dropped", "type", frameType, "error", err)
	}
}

func (c *Client) replyError(id, code, message string) {
	c.reply(protocol.TypeError, id, protocol.Error{Code: code, Message: message})
}

func chatResult(res router.Result) protocol.ChatResult {
	return protocol.ChatResult{
		Status:         res.Kind.String(),
		ConversationID: res.ConversationID,
		Seq:            res.Sequence,
		Connections:    res.Connections,
		Reason:         res.Reason,
	}
}
