package peer

import (
	"context"
	"sync"
	"time"

	"webrtc-safari/pkg/log"
	"webrtc-safari/pkg/session"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// WebRTC is the offering peer: a pion peer connection whose signaling is driven
// by a session.Handshake.
type WebRTC struct {
	conn      *webrtc.PeerConnection
	handshake *session.Handshake

	shutdownOnce sync.Once
	shutdownChan chan struct{}

	trackMx      sync.Mutex
	trackHandler func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

type WebRTCConfig struct {
	STUN       []string
	Username   string
	Credential string

	PollInterval time.Duration
}

func NewWebRTC(cfg WebRTCConfig, signal session.Signal) (*WebRTC, error) {
	conn, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	p := &WebRTC{
		conn: conn,
		handshake: session.NewHandshake(session.HandshakeConfig{
			PollInterval: cfg.PollInterval,
		}, conn, signal),
		shutdownChan: make(chan struct{}),
		trackHandler: func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {},
	}

	p.conn.OnICECandidate(p.onConnICECandidate)
	p.conn.OnConnectionStateChange(p.onConnStateChange)
	p.conn.OnTrack(p.onConnTrack)

	return p, nil
}

func newPeerConnection(cfg WebRTCConfig) (*webrtc.PeerConnection, error) {
	ice := make([]webrtc.ICEServer, len(cfg.STUN))

	for i, stun := range cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs:       []string{"stun:" + stun},
			Username:   cfg.Username,
			Credential: cfg.Credential,
		}
	}

	m := &webrtc.MediaEngine{}

	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "media engine")
	}

	i := &interceptor.Registry{}

	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, errors.Wrap(err, "interceptors")
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
}

// AddTrack sends track to the remote peer. Tracks must be added before Dial.
func (p *WebRTC) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.conn.AddTrack(track)
	if err != nil {
		return err
	}

	// Incoming RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)

		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return nil
}

// ReceiveVideo asks the remote peer for a video track even if none is sent.
func (p *WebRTC) ReceiveVideo() error {
	_, err := p.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})

	return err
}

func (p *WebRTC) OnTrack(h func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.trackMx.Lock()
	defer p.trackMx.Unlock()

	p.trackHandler = h
}

// Dial runs the signaling handshake. It returns once the answer is applied and
// remote candidates are being polled; Done() reports the end of the connection.
func (p *WebRTC) Dial(ctx context.Context) error {
	log.Info("creating offer")

	return p.handshake.Begin(ctx)
}

func (p *WebRTC) Session() *session.Session {
	return p.handshake.Session()
}

func (p *WebRTC) OnStateChange(h func(session.State)) {
	p.handshake.OnStateChange(h)
}

// Conn exposes the peer connection for RTCP feedback on received tracks.
func (p *WebRTC) Conn() *webrtc.PeerConnection {
	return p.conn
}

func (p *WebRTC) Done() <-chan struct{} {
	return p.shutdownChan
}

func (p *WebRTC) Close() {
	p.handshake.Close()

	if err := p.conn.Close(); err != nil {
		log.Error(err)

		return
	}
}

func (p *WebRTC) onConnICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		p.handshake.OnLocalCandidate(nil)

		return
	}

	c := candidate.ToJSON()

	p.handshake.OnLocalCandidate(&c)
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	p.handshake.OnConnectionState(state)

	if state == webrtc.PeerConnectionStateDisconnected ||
		state == webrtc.PeerConnectionStateFailed ||
		state == webrtc.PeerConnectionStateClosed {
		p.shutdownOnce.Do(func() {
			close(p.shutdownChan)
		})
	}
}

func (p *WebRTC) onConnTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	log.Infof("remote track received: %s (%s)", track.ID(), track.Codec().MimeType)

	p.trackMx.Lock()
	h := p.trackHandler
	p.trackMx.Unlock()

	h(track, receiver)
}
