package session

import (
	"context"

	"webrtc-safari/pkg/signal"

	"github.com/pion/webrtc/v3"
)

// Conn is the part of a peer connection the handshake drives. A
// *webrtc.PeerConnection satisfies it.
type Conn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

// Signal is the signaling channel. *signal.HTTP satisfies it.
type Signal interface {
	CreateSession(ctx context.Context, offer webrtc.SessionDescription) (*signal.Answer, error)
	SendCandidate(ctx context.Context, id string, candidate webrtc.ICECandidateInit) error
	FetchCandidates(ctx context.Context, id string) ([]*webrtc.ICECandidateInit, error)
}
