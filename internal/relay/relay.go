// Package relay receives named events from individual connections and
// re-emits them to other connections based on room membership. It also
// carries call signaling between exactly two identities. The relay is
// fire-and-forget: no acknowledgement, no retry, no ordering guarantee
// beyond what the transport gives a single connection.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/crosstalkhq/crosstalk/internal/observability"
	"github.com/crosstalkhq/crosstalk/internal/registry"
)

// Inbound event names (client to server).
const (
	EventJoin            = "join"
	EventJoinChat        = "join_chat"
	EventLeaveChat       = "leave_chat"
	EventSendMessage     = "send_message"
	EventTyping          = "typing"
	EventMessageReaction = "message_reaction"
	EventMessagePin      = "message_pin"
	EventMessageDelete   = "message_delete"
	EventCallUser        = "call_user"
	EventAnswerCall      = "answer_call"
	EventEndCall         = "end_call"
)

// Outbound event names (server to client).
const (
	EventReceiveMessage   = "receive_message"
	EventNewMessageNotif  = "new_message_notification"
	EventUserStatusUpdate = "user_status_update"
	EventUserTyping       = "user_typing"
	EventIncomingCall     = "incoming_call"
	EventCallAccepted     = "call_accepted"
	EventCallEnded        = "call_ended"
)

// Sender delivers one event to one connection. Implementations must not
// block: a slow consumer is dropped, not waited for.
type Sender interface {
	Send(connID, event string, payload json.RawMessage)
}

// Relay routes inbound events to their fan-out rule.
type Relay struct {
	reg     *registry.Registry
	sender  Sender
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a relay over reg delivering through sender. metrics may be
// nil. If logger is nil, slog.Default() is used.
func New(reg *registry.Registry, sender Sender, metrics *observability.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		reg:     reg,
		sender:  sender,
		metrics: metrics,
		logger:  logger.With("component", "relay"),
	}
}

type sendMessagePayload struct {
	ChatID     string          `json:"chatId"`
	Message    json.RawMessage `json:"message"`
	ReceiverID string          `json:"receiverId,omitempty"`
}

type typingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type roomScopedPayload struct {
	ChatID string `json:"chatId"`
}

type statusUpdatePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type notificationPayload struct {
	ChatID  string          `json:"chatId"`
	Message json.RawMessage `json:"message"`
}

type callUserPayload struct {
	UserToCall string          `json:"userToCall"`
	SignalData json.RawMessage `json:"signalData"`
	From       string          `json:"from"`
	Type       string          `json:"type"`
}

type incomingCallPayload struct {
	Signal json.RawMessage `json:"signal"`
	From   string          `json:"from"`
	Type   string          `json:"type"`
}

type answerCallPayload struct {
	Signal json.RawMessage `json:"signal"`
	To     string          `json:"to"`
}

type endCallPayload struct {
	To string `json:"to"`
}

// Publish routes one inbound event from a connection. A malformed
// payload or a handler panic is logged and counted; it never escapes to
// the caller's read loop.
func (r *Relay) Publish(sourceConnID, event string, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.HandlerError(event, "panic")
			r.logger.Error("relay handler panic",
				"event", event,
				"conn_id", sourceConnID,
				"panic", fmt.Sprint(rec),
			)
		}
	}()

	r.metrics.EventReceived(event)

	var err error
	switch event {
	case EventJoin:
		err = r.handleJoin(sourceConnID, payload)
	case EventJoinChat:
		err = r.handleJoinChat(sourceConnID, payload)
	case EventLeaveChat:
		err = r.handleLeaveChat(sourceConnID, payload)
	case EventSendMessage:
		err = r.handleSendMessage(sourceConnID, payload)
	case EventTyping:
		err = r.handleTyping(sourceConnID, payload)
	case EventMessageReaction, EventMessagePin, EventMessageDelete:
		err = r.handleRoomBroadcast(sourceConnID, event, payload)
	case EventCallUser:
		err = r.handleCallUser(sourceConnID, payload)
	case EventAnswerCall:
		err = r.handleAnswerCall(sourceConnID, payload)
	case EventEndCall:
		err = r.handleEndCall(sourceConnID, payload)
	default:
		r.logger.Warn("unknown event", "event", event, "conn_id", sourceConnID)
		return
	}

	if err != nil {
		r.metrics.HandlerError(event, "decode")
		r.logger.Warn("relay handler error",
			"event", event,
			"conn_id", sourceConnID,
			"error", err,
		)
	}
}

// handleJoin binds the connection to its user identity and that user's
// inbox room. Payload is the bare user id, either as a JSON string or a
// {userId} object.
func (r *Relay) handleJoin(connID string, payload json.RawMessage) error {
	userID, err := decodeIDPayload(payload, "userId")
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	r.reg.Identify(connID, userID)
	return nil
}

// handleJoinChat joins the conversation room and announces the joining
// user's presence to everyone already viewing the chat. The announcing
// identity comes from the registry's reverse lookup; an unidentified
// connection joins silently.
func (r *Relay) handleJoinChat(connID string, payload json.RawMessage) error {
	chatID, err := decodeIDPayload(payload, "chatId")
	if err != nil {
		return fmt.Errorf("join_chat: %w", err)
	}
	r.reg.JoinRoom(connID, chatID)

	userID, ok := r.reg.IdentityOf(connID)
	if !ok {
		return nil
	}
	update, err := json.Marshal(statusUpdatePayload{UserID: userID, Status: "online"})
	if err != nil {
		return err
	}
	r.broadcast(chatID, connID, EventUserStatusUpdate, update)
	return nil
}

func (r *Relay) handleLeaveChat(connID string, payload json.RawMessage) error {
	chatID, err := decodeIDPayload(payload, "chatId")
	if err != nil {
		return fmt.Errorf("leave_chat: %w", err)
	}
	r.reg.LeaveRoom(connID, chatID)
	return nil
}

// handleSendMessage performs the dual fan-out: the full message to every
// other viewer of the chat room, and a notification to the receiver's
// inbox room (private chat) or back to the room (group chat). Both fire
// independently; a recipient in both rooms receives both, and the client
// pipeline deduplicates by message id.
func (r *Relay) handleSendMessage(connID string, payload json.RawMessage) error {
	var p sendMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("send_message: %w", err)
	}
	if p.ChatID == "" {
		return fmt.Errorf("send_message: missing chatId")
	}

	r.broadcast(p.ChatID, connID, EventReceiveMessage, p.Message)

	notif, err := json.Marshal(notificationPayload{ChatID: p.ChatID, Message: p.Message})
	if err != nil {
		return err
	}
	if p.ReceiverID != "" {
		r.toUser(p.ReceiverID, EventNewMessageNotif, notif)
	} else {
		r.broadcast(p.ChatID, connID, EventNewMessageNotif, notif)
	}
	return nil
}

func (r *Relay) handleTyping(connID string, payload json.RawMessage) error {
	var p typingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("typing: %w", err)
	}
	if p.ChatID == "" {
		return fmt.Errorf("typing: missing chatId")
	}
	r.broadcast(p.ChatID, connID, EventUserTyping, payload)
	return nil
}

// handleRoomBroadcast relays reaction/pin/delete events verbatim to the
// rest of the room. Persistence already happened in the caller before
// the event was emitted; nothing is stored here.
func (r *Relay) handleRoomBroadcast(connID, event string, payload json.RawMessage) error {
	var p roomScopedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	if p.ChatID == "" {
		return fmt.Errorf("%s: missing chatId", event)
	}
	r.broadcast(p.ChatID, connID, event, payload)
	return nil
}

// handleCallUser delivers an incoming-call offer to every connection of
// the callee. The relay does not validate that the parties know each
// other or that the callee is online; an offline callee simply receives
// nothing.
func (r *Relay) handleCallUser(connID string, payload json.RawMessage) error {
	var p callUserPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("call_user: %w", err)
	}
	if p.UserToCall == "" {
		return fmt.Errorf("call_user: missing userToCall")
	}
	out, err := json.Marshal(incomingCallPayload{Signal: p.SignalData, From: p.From, Type: p.Type})
	if err != nil {
		return err
	}
	r.toUser(p.UserToCall, EventIncomingCall, out)
	return nil
}

func (r *Relay) handleAnswerCall(connID string, payload json.RawMessage) error {
	var p answerCallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("answer_call: %w", err)
	}
	if p.To == "" {
		return fmt.Errorf("answer_call: missing to")
	}
	r.toUser(p.To, EventCallAccepted, p.Signal)
	return nil
}

func (r *Relay) handleEndCall(connID string, payload json.RawMessage) error {
	var p endCallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("end_call: %w", err)
	}
	if p.To == "" {
		return fmt.Errorf("end_call: missing to")
	}
	r.toUser(p.To, EventCallEnded, nil)
	return nil
}

// broadcast delivers an event to every member of a room except the
// source connection.
func (r *Relay) broadcast(roomID, sourceConnID, event string, payload json.RawMessage) {
	for _, connID := range r.reg.MembersOf(roomID) {
		if connID == sourceConnID {
			continue
		}
		r.sender.Send(connID, event, payload)
		r.metrics.Delivered(event)
	}
}

// toUser delivers an event to every connection of a user identity.
func (r *Relay) toUser(userID, event string, payload json.RawMessage) {
	for _, connID := range r.reg.ConnectionsFor(userID) {
		r.sender.Send(connID, event, payload)
		r.metrics.Delivered(event)
	}
}

// decodeIDPayload accepts either a bare JSON string ("u1") or an object
// carrying the id under the given key ({"userId":"u1"}).
func decodeIDPayload(payload json.RawMessage, key string) (string, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("empty %s", key)
		}
		return s, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "", fmt.Errorf("invalid payload for %s", key)
	}
	raw, ok := obj[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", fmt.Errorf("invalid %s", key)
	}
	return s, nil
}
