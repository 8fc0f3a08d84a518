// Package typing emits the debounced typing indicator for one open
// chat: an immediate isTyping true on the first keystroke, a trailing
// false after a fixed quiet period, and a guaranteed final false when
// the chat is left.
package typing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/crosstalkhq/crosstalk/internal/relay"
)

const defaultQuietDelay = 2 * time.Second

// Emitter sends relay events. *client.Client satisfies it.
type Emitter interface {
	Emit(event string, payload any) error
}

type typingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Notifier debounces typing emissions for one chat.
type Notifier struct {
	chatID string
	userID string
	delay  time.Duration
	emit   Emitter
	logger *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	active  bool
	stopped bool
}

// New builds a notifier. A zero delay means the default quiet period.
func New(chatID, userID string, delay time.Duration, emit Emitter, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = defaultQuietDelay
	}
	return &Notifier{
		chatID: chatID,
		userID: userID,
		delay:  delay,
		emit:   emit,
		logger: logger.With("component", "typing", "chat_id", chatID),
	}
}

// Input records one keystroke. The first keystroke of a burst emits
// isTyping true immediately; every keystroke pushes the trailing false
// out by the full quiet period.
func (n *Notifier) Input() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}

	if !n.active {
		n.active = true
		n.send(true)
	}

	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.delay, n.quiet)
}

// quiet fires when the trailing timer elapses with no further input.
func (n *Notifier) quiet() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || !n.active {
		return
	}
	n.active = false
	n.send(false)
}

// Stop seals the notifier and always emits a final false, so leaving
// the chat mid-burst never strands a stale indicator. Further Input
// calls are ignored.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.active = false
	n.send(false)
}

func (n *Notifier) send(isTyping bool) {
	err := n.emit.Emit(relay.EventTyping, typingPayload{
		ChatID:   n.chatID,
		UserID:   n.userID,
		IsTyping: isTyping,
	})
	if err != nil {
		n.logger.Debug("typing emit failed", "error", err)
	}
}
