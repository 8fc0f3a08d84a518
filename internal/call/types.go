// Package call implements the client-side call lifecycle: a state
// machine over the gateway's call signaling events, media acquisition
// with graceful downgrade, and SDP negotiation through a pluggable
// engine.
package call

import "context"

// State represents the call lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

// Active returns true when a call is in progress in any form.
func (s State) Active() bool {
	return s != StateIdle && s != ""
}

// MediaKind selects the capture profile for a call.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Tracks is the handle to acquired capture media. Enabling and
// disabling tracks does not change the call state.
type Tracks interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	HasVideo() bool
	Close() error
}

// Media acquires capture tracks. Acquisition may prompt the user and
// can take arbitrarily long; implementations must honor ctx.
type Media interface {
	Acquire(ctx context.Context, kind MediaKind) (Tracks, error)
}

// Engine performs SDP negotiation for one call. A fresh engine is
// created per call and closed when the call ends.
type Engine interface {
	// CreateOffer produces the local offer for an outbound call.
	CreateOffer(ctx context.Context) (string, error)

	// Answer applies the remote offer and produces the local answer.
	Answer(ctx context.Context, offer string) (string, error)

	// CompleteHandshake applies the remote answer on the offering side.
	CompleteHandshake(ctx context.Context, answer string) error

	Close() error
}

// EngineFactory creates the negotiation engine for a new call.
type EngineFactory func() (Engine, error)

// Emitter sends signaling events to the gateway. *client.Client
// satisfies it.
type Emitter interface {
	Emit(event string, payload any) error
}
