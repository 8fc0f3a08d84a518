package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// webrtcEngine negotiates SDP through a pion peer connection. It
// performs full ICE gathering before returning a description, so the
// signaled SDP is self-contained and no trickle channel is needed.
type webrtcEngine struct {
	pc *webrtc.PeerConnection
}

// NewWebRTCEngine is an EngineFactory producing pion-backed engines.
// Each engine negotiates bidirectional audio and video; an audio-only
// call simply never enables its video track.
func NewWebRTCEngine() (Engine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return &webrtcEngine{pc: pc}, nil
}

func (e *webrtcEngine) CreateOffer(ctx context.Context) (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *webrtcEngine) Answer(ctx context.Context, offer string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *webrtcEngine) CompleteHandshake(_ context.Context, answer string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (e *webrtcEngine) Close() error {
	return e.pc.Close()
}
