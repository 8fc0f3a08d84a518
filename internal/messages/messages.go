// Package messages maintains the client-local message state for one
// open chat: optimistic sends reconciled against the persistence
// collaborator, and relay-delivered updates (new messages, receipts,
// reactions, pins, deletes) merged in by id.
package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalkhq/crosstalk/internal/relay"
)

// Status is the delivery state of a message as seen locally.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
)

// rank orders the delivery progression. error sits outside the
// progression: it replaces sending on persistence failure and is
// cleared by an explicit retry.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// advance returns the later of the two statuses. A stale receipt never
// regresses local state.
func (s Status) advance(next Status) Status {
	if next == StatusError {
		if s == StatusSending {
			return StatusError
		}
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Reaction aggregates one emoji on one message.
type Reaction struct {
	Count int             `json:"count"`
	Users map[string]bool `json:"users"`
}

// Message is one entry in local chat state.
type Message struct {
	ID        string               `json:"id"`
	ChatID    string               `json:"chatId"`
	SenderID  string               `json:"senderId"`
	Text      string               `json:"text"`
	Status    Status               `json:"status"`
	CreatedAt time.Time            `json:"createdAt"`
	Pinned    bool                 `json:"pinned"`
	Starred   bool                 `json:"starred"`
	Reactions map[string]*Reaction `json:"reactions,omitempty"`
}

func (m *Message) clone() Message {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make(map[string]*Reaction, len(m.Reactions))
		for emoji, r := range m.Reactions {
			users := make(map[string]bool, len(r.Users))
			for u := range r.Users {
				users[u] = true
			}
			out.Reactions[emoji] = &Reaction{Count: r.Count, Users: users}
		}
	}
	return out
}

// Persisted is the persistence collaborator's acknowledgement.
type Persisted struct {
	ID        string
	CreatedAt time.Time
}

// Persister is the external message store. Create may take arbitrarily
// long; the pipeline keeps the optimistic entry visible meanwhile.
type Persister interface {
	Create(ctx context.Context, chatID, senderID, text string) (Persisted, error)
}

// Emitter sends relay events. *client.Client satisfies it.
type Emitter interface {
	Emit(event string, payload any) error
}

type sendMessagePayload struct {
	ChatID     string  `json:"chatId"`
	Message    Message `json:"message"`
	ReceiverID string  `json:"receiverId,omitempty"`
}

type reactionPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

type pinPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Pinned    bool   `json:"pinned"`
}

type deletePayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type notificationPayload struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// Pipeline is the message state for one chat.
type Pipeline struct {
	chatID     string
	selfID     string
	receiverID string
	persister  Persister
	emit       Emitter
	logger     *slog.Logger

	mu    sync.Mutex
	order []*Message
	index map[string]*Message
}

// New builds a pipeline for chatID on behalf of selfID. receiverID is
// the peer's user id for a private chat, or empty for a group chat; it
// controls the notification targeting of sends.
func New(chatID, selfID, receiverID string, persister Persister, emit Emitter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		chatID:     chatID,
		selfID:     selfID,
		receiverID: receiverID,
		persister:  persister,
		emit:       emit,
		logger:     logger.With("component", "messages", "chat_id", chatID),
		index:      make(map[string]*Message),
	}
}

// Bind subscribes the pipeline to the relay events it consumes and
// returns a function removing the subscriptions.
func (p *Pipeline) Bind(on func(event string, h func(json.RawMessage)) func()) func() {
	offs := []func(){
		on(relay.EventReceiveMessage, p.handleReceive),
		on(relay.EventNewMessageNotif, p.handleNotification),
		on(relay.EventMessageReaction, p.handleReaction),
		on(relay.EventMessagePin, p.handlePin),
		on(relay.EventMessageDelete, p.handleDelete),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Messages returns a snapshot of the chat in display order.
func (p *Pipeline) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.order))
	for _, m := range p.order {
		out = append(out, m.clone())
	}
	return out
}

// Send materializes an optimistic entry and persists it in the
// background. The returned id is temporary until persistence succeeds.
func (p *Pipeline) Send(ctx context.Context, text string) string {
	msg := &Message{
		ID:        "tmp-" + uuid.NewString(),
		ChatID:    p.chatID,
		SenderID:  p.selfID,
		Text:      text,
		Status:    StatusSending,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.order = append(p.order, msg)
	p.index[msg.ID] = msg
	p.mu.Unlock()

	go p.persist(ctx, msg.ID)
	return msg.ID
}

// Retry re-runs persistence for a message stuck in error. Any other
// status is left alone.
func (p *Pipeline) Retry(ctx context.Context, id string) error {
	p.mu.Lock()
	msg, ok := p.index[id]
	if !ok || msg.Status != StatusError {
		p.mu.Unlock()
		return fmt.Errorf("retry %s: no failed message", id)
	}
	msg.Status = StatusSending
	p.mu.Unlock()

	go p.persist(ctx, id)
	return nil
}

// persist calls the collaborator and reconciles the optimistic entry in
// place: the temporary id is swapped for the server id at the same
// position, then the send is announced to other viewers.
func (p *Pipeline) persist(ctx context.Context, tempID string) {
	p.mu.Lock()
	msg, ok := p.index[tempID]
	if !ok {
		p.mu.Unlock()
		return
	}
	text := msg.Text
	p.mu.Unlock()

	persisted, err := p.persister.Create(ctx, p.chatID, p.selfID, text)
	if err != nil {
		p.mu.Lock()
		if msg, ok := p.index[tempID]; ok {
			msg.Status = msg.Status.advance(StatusError)
		}
		p.mu.Unlock()
		p.logger.Warn("persist failed", "temp_id", tempID, "error", err)
		return
	}

	p.mu.Lock()
	msg, ok = p.index[tempID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.index, tempID)
	msg.ID = persisted.ID
	if !persisted.CreatedAt.IsZero() {
		msg.CreatedAt = persisted.CreatedAt
	}
	msg.Status = msg.Status.advance(StatusSent)
	p.index[msg.ID] = msg
	snapshot := msg.clone()
	p.mu.Unlock()

	if err := p.emit.Emit(relay.EventSendMessage, sendMessagePayload{
		ChatID:     p.chatID,
		Message:    snapshot,
		ReceiverID: p.receiverID,
	}); err != nil {
		p.logger.Warn("relay emit failed", "message_id", snapshot.ID, "error", err)
	}
}

// Merge folds a relay-delivered message into local state. A message id
// already present is never duplicated; its status may only move
// forward.
func (p *Pipeline) Merge(msg Message) {
	if msg.ChatID != "" && msg.ChatID != p.chatID {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.index[msg.ID]; ok {
		existing.Status = existing.Status.advance(msg.Status)
		return
	}
	stored := msg.clone()
	stored.Status = StatusSent.advance(msg.Status)
	p.order = append(p.order, &stored)
	p.index[stored.ID] = &stored
}

// ApplyReceipt advances one message's delivery status.
func (p *Pipeline) ApplyReceipt(id string, status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg, ok := p.index[id]; ok {
		msg.Status = msg.Status.advance(status)
	}
}

// ToggleReaction flips selfID's reaction locally and announces it to
// the room. The same toggle applies when the event comes back from the
// relay, so both paths converge.
func (p *Pipeline) ToggleReaction(id, emoji string) error {
	p.mu.Lock()
	msg, ok := p.index[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("toggle reaction: unknown message %s", id)
	}
	toggleReaction(msg, emoji, p.selfID)
	p.mu.Unlock()

	return p.emit.Emit(relay.EventMessageReaction, reactionPayload{
		ChatID:    p.chatID,
		MessageID: id,
		Emoji:     emoji,
		UserID:    p.selfID,
	})
}

// TogglePin flips the pin flag locally and announces it.
func (p *Pipeline) TogglePin(id string) error {
	p.mu.Lock()
	msg, ok := p.index[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("toggle pin: unknown message %s", id)
	}
	msg.Pinned = !msg.Pinned
	pinned := msg.Pinned
	p.mu.Unlock()

	return p.emit.Emit(relay.EventMessagePin, pinPayload{
		ChatID:    p.chatID,
		MessageID: id,
		Pinned:    pinned,
	})
}

// ToggleStar flips the star flag. Stars are personal bookmarks and are
// not relayed to other viewers.
func (p *Pipeline) ToggleStar(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.index[id]
	if !ok {
		return fmt.Errorf("toggle star: unknown message %s", id)
	}
	msg.Starred = !msg.Starred
	return nil
}

// Delete removes the message locally and announces the deletion.
func (p *Pipeline) Delete(id string) error {
	p.mu.Lock()
	if _, ok := p.index[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("delete: unknown message %s", id)
	}
	p.removeLocked(id)
	p.mu.Unlock()

	return p.emit.Emit(relay.EventMessageDelete, deletePayload{
		ChatID:    p.chatID,
		MessageID: id,
	})
}

// toggleReaction is the shared local/relay toggle: a user reacting with
// an emoji they already used removes their contribution, dropping the
// emoji entry when its count reaches zero.
func toggleReaction(msg *Message, emoji, userID string) {
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]*Reaction)
	}
	r, ok := msg.Reactions[emoji]
	if !ok {
		msg.Reactions[emoji] = &Reaction{Count: 1, Users: map[string]bool{userID: true}}
		return
	}
	if r.Users[userID] {
		delete(r.Users, userID)
		r.Count--
		if r.Count <= 0 {
			delete(msg.Reactions, emoji)
		}
		if len(msg.Reactions) == 0 {
			msg.Reactions = nil
		}
		return
	}
	r.Users[userID] = true
	r.Count++
}

func (p *Pipeline) removeLocked(id string) {
	delete(p.index, id)
	for i, m := range p.order {
		if m.ID == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

func (p *Pipeline) handleReceive(payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Warn("bad receive_message payload", "error", err)
		return
	}
	p.Merge(msg)
}

func (p *Pipeline) handleNotification(payload json.RawMessage) {
	var n notificationPayload
	if err := json.Unmarshal(payload, &n); err != nil {
		p.logger.Warn("bad notification payload", "error", err)
		return
	}
	if n.ChatID != p.chatID {
		return
	}
	p.Merge(n.Message)
}

func (p *Pipeline) handleReaction(payload json.RawMessage) {
	var r reactionPayload
	if err := json.Unmarshal(payload, &r); err != nil {
		p.logger.Warn("bad reaction payload", "error", err)
		return
	}
	if r.ChatID != "" && r.ChatID != p.chatID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg, ok := p.index[r.MessageID]; ok {
		toggleReaction(msg, r.Emoji, r.UserID)
	}
}

func (p *Pipeline) handlePin(payload json.RawMessage) {
	var pp pinPayload
	if err := json.Unmarshal(payload, &pp); err != nil {
		p.logger.Warn("bad pin payload", "error", err)
		return
	}
	if pp.ChatID != "" && pp.ChatID != p.chatID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg, ok := p.index[pp.MessageID]; ok {
		msg.Pinned = pp.Pinned
	}
}

func (p *Pipeline) handleDelete(payload json.RawMessage) {
	var d deletePayload
	if err := json.Unmarshal(payload, &d); err != nil {
		p.logger.Warn("bad delete payload", "error", err)
		return
	}
	if d.ChatID != "" && d.ChatID != p.chatID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[d.MessageID]; ok {
		p.removeLocked(d.MessageID)
	}
}
