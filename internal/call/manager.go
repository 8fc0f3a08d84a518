package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crosstalkhq/crosstalk/internal/relay"
)

// signalPayload is the SDP envelope carried inside call signaling
// events.
type signalPayload struct {
	SDP  string `json:"sdp"`
	Kind string `json:"kind,omitempty"`
}

type callUserPayload struct {
	UserToCall string        `json:"userToCall"`
	SignalData signalPayload `json:"signalData"`
	From       string        `json:"from"`
	Type       string        `json:"type"`
}

type answerCallPayload struct {
	Signal signalPayload `json:"signal"`
	To     string        `json:"to"`
}

type endCallPayload struct {
	To string `json:"to"`
}

type incomingCallPayload struct {
	Signal signalPayload `json:"signal"`
	From   string        `json:"from"`
	Type   string        `json:"type"`
}

// Manager drives one user's call lifecycle. One call at a time: while a
// call is active, further incoming offers are ignored rather than
// queued.
type Manager struct {
	selfID    string
	media     Media
	newEngine EngineFactory
	emit      Emitter
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	peerID     string
	kind       MediaKind
	tracks     Tracks
	engine     Engine
	muted      bool
	cameraOff  bool
	offer      string
	started    time.Time

	onState func(State)
}

// NewManager builds a manager for the user identified by selfID. The
// onState callback, when non-nil, fires after every state transition
// outside the manager lock.
func NewManager(selfID string, media Media, newEngine EngineFactory, emit Emitter, onState func(State), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		selfID:    selfID,
		media:     media,
		newEngine: newEngine,
		emit:      emit,
		onState:   onState,
		logger:    logger.With("component", "call"),
		state:     StateIdle,
	}
}

// Bind subscribes the manager to the client's call signaling events and
// returns a function removing all three subscriptions.
func (m *Manager) Bind(on func(event string, h func(json.RawMessage)) func()) func() {
	offIncoming := on(relay.EventIncomingCall, m.handleIncomingEvent)
	offAccepted := on(relay.EventCallAccepted, m.handleAcceptedEvent)
	offEnded := on(relay.EventCallEnded, func(json.RawMessage) { m.HandleEnded() })
	return func() {
		offIncoming()
		offAccepted()
		offEnded()
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the remote user id of the current call, if any.
func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// StartedAt returns when the current call reached connected, or the
// zero time if it has not.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Dial starts an outbound call to peerID. It is valid only from idle.
// Media acquisition and offer creation run before the signal goes out;
// if the call is torn down while they are in flight, their results are
// discarded. When acquisition or negotiation fails the machine stays in
// calling with the error surfaced to the caller; the user ends the
// dead call explicitly.
func (m *Manager) Dial(ctx context.Context, peerID string, kind MediaKind) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("dial: call already %s", m.state)
	}
	m.state = StateCalling
	m.peerID = peerID
	m.kind = kind
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.notify(StateCalling)

	tracks, kind, err := m.acquire(ctx, kind)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	engine, err := m.newEngine()
	if err != nil {
		_ = tracks.Close()
		return fmt.Errorf("dial: %w", err)
	}
	offer, err := engine.CreateOffer(ctx)
	if err != nil {
		_ = tracks.Close()
		_ = engine.Close()
		return fmt.Errorf("dial: create offer: %w", err)
	}

	if !m.adopt(gen, tracks, engine, kind) {
		_ = tracks.Close()
		_ = engine.Close()
		return nil
	}

	return m.emit.Emit(relay.EventCallUser, callUserPayload{
		UserToCall: peerID,
		SignalData: signalPayload{SDP: offer, Kind: string(kind)},
		From:       m.selfID,
		Type:       "offer",
	})
}

// Accept answers the pending incoming call. From any state other than
// incoming it is a no-op.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIncoming {
		m.mu.Unlock()
		return nil
	}
	gen := m.generation
	offer := m.offer
	kind := m.kind
	peerID := m.peerID
	m.mu.Unlock()

	tracks, kind, err := m.acquire(ctx, kind)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	engine, err := m.newEngine()
	if err != nil {
		_ = tracks.Close()
		return fmt.Errorf("accept: %w", err)
	}
	answer, err := engine.Answer(ctx, offer)
	if err != nil {
		_ = tracks.Close()
		_ = engine.Close()
		return fmt.Errorf("accept: %w", err)
	}

	m.mu.Lock()
	if m.generation != gen || m.state != StateIncoming {
		m.mu.Unlock()
		_ = tracks.Close()
		_ = engine.Close()
		return nil
	}
	m.tracks = tracks
	m.engine = engine
	m.kind = kind
	m.state = StateConnected
	m.started = time.Now()
	m.mu.Unlock()
	m.notify(StateConnected)

	return m.emit.Emit(relay.EventAnswerCall, answerCallPayload{
		Signal: signalPayload{SDP: answer, Kind: string(kind)},
		To:     peerID,
	})
}

// HangUp ends the current call and notifies the peer. Calling it while
// idle does nothing.
func (m *Manager) HangUp() error {
	m.mu.Lock()
	if !m.state.Active() {
		m.mu.Unlock()
		return nil
	}
	peerID := m.peerID
	m.teardownLocked()
	m.mu.Unlock()
	m.notify(StateIdle)

	return m.emit.Emit(relay.EventEndCall, endCallPayload{To: peerID})
}

// HandleEnded reacts to the peer ending the call. It is safe in any
// state, including repeated delivery.
func (m *Manager) HandleEnded() {
	m.mu.Lock()
	if !m.state.Active() {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	m.notify(StateIdle)
}

// ToggleMute flips the microphone without touching the call state.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = !m.muted
	if m.tracks != nil {
		m.tracks.SetAudioEnabled(!m.muted)
	}
	return m.muted
}

// ToggleCamera flips the camera. On an audio-only call it has no
// effect on the tracks.
func (m *Manager) ToggleCamera() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cameraOff = !m.cameraOff
	if m.tracks != nil && m.tracks.HasVideo() {
		m.tracks.SetVideoEnabled(!m.cameraOff)
	}
	return m.cameraOff
}

func (m *Manager) handleIncomingEvent(payload json.RawMessage) {
	var p incomingCallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.logger.Warn("bad incoming_call payload", "error", err)
		return
	}

	m.mu.Lock()
	if m.state != StateIdle {
		// Already on a call; no call waiting.
		m.mu.Unlock()
		m.logger.Info("ignoring incoming call while busy", "from", p.From)
		return
	}
	m.state = StateIncoming
	m.peerID = p.From
	m.offer = p.Signal.SDP
	m.kind = MediaKind(p.Signal.Kind)
	if m.kind == "" {
		m.kind = MediaAudio
	}
	m.generation++
	m.mu.Unlock()
	m.notify(StateIncoming)
}

func (m *Manager) handleAcceptedEvent(payload json.RawMessage) {
	var signal signalPayload
	if err := json.Unmarshal(payload, &signal); err != nil {
		m.logger.Warn("bad call_accepted payload", "error", err)
		return
	}

	m.mu.Lock()
	if m.state != StateCalling || m.engine == nil {
		m.mu.Unlock()
		return
	}
	engine := m.engine
	m.state = StateConnected
	m.started = time.Now()
	m.mu.Unlock()
	m.notify(StateConnected)

	if err := engine.CompleteHandshake(context.Background(), signal.SDP); err != nil {
		m.logger.Warn("handshake failed", "error", err)
		m.HandleEnded()
	}
}

// acquire obtains media for kind, downgrading a failed video request to
// audio only before giving up.
func (m *Manager) acquire(ctx context.Context, kind MediaKind) (Tracks, MediaKind, error) {
	tracks, err := m.media.Acquire(ctx, kind)
	if err == nil {
		return tracks, kind, nil
	}
	if kind == MediaVideo {
		m.logger.Info("video capture failed, retrying audio only", "error", err)
		tracks, err = m.media.Acquire(ctx, MediaAudio)
		if err == nil {
			return tracks, MediaAudio, nil
		}
	}
	return nil, kind, err
}

// adopt installs async dial results unless the call moved on while they
// were produced.
func (m *Manager) adopt(gen uint64, tracks Tracks, engine Engine, kind MediaKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || m.state != StateCalling {
		return false
	}
	m.tracks = tracks
	m.engine = engine
	m.kind = kind
	if m.muted {
		tracks.SetAudioEnabled(false)
	}
	return true
}

func (m *Manager) teardownLocked() {
	if m.tracks != nil {
		_ = m.tracks.Close()
		m.tracks = nil
	}
	if m.engine != nil {
		_ = m.engine.Close()
		m.engine = nil
	}
	m.state = StateIdle
	m.peerID = ""
	m.offer = ""
	m.started = time.Time{}
	m.generation++
}

func (m *Manager) notify(s State) {
	if m.onState != nil {
		m.onState(s)
	}
}
