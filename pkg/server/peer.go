package server

import (
	"context"
	"sync/atomic"

	"webrtc-safari/pkg/log"
	"webrtc-safari/pkg/media"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

func (s *Server) iceServers() []webrtc.ICEServer {
	ice := make([]webrtc.ICEServer, len(s.cfg.STUN))

	for i, stun := range s.cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs:       []string{"stun:" + stun},
			Username:   s.cfg.Username,
			Credential: s.cfg.Credential,
		}
	}

	return ice
}

// answer creates the session's peer connection and applies offer to it.
func (s *Server) answer(offer webrtc.SessionDescription) (*peerSession, *webrtc.SessionDescription, error) {
	conn, err := s.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: s.iceServers(),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "peer connection")
	}

	ctx, cancel := context.WithCancel(context.Background())

	ps := &peerSession{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	answer, err := s.setupReflection(ps, offer)
	if err != nil {
		cancel()

		if cerr := conn.Close(); cerr != nil {
			log.Error(cerr)
		}

		return nil, nil, err
	}

	return ps, answer, nil
}

func (s *Server) setupReflection(ps *peerSession, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	logger := log.WithFields(log.Fields{"session": ps.id})

	output, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "webrtc-safari")
	if err != nil {
		return nil, errors.Wrap(err, "output track")
	}

	sender, err := ps.conn.AddTrack(output)
	if err != nil {
		return nil, errors.Wrap(err, "add track")
	}

	go func() {
		buf := make([]byte, 1500)

		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	var reflecting atomic.Bool

	ps.conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		tl := logger.WithFields(log.Fields{"track": track.ID(), "codec": track.Codec().MimeType})

		if track.Kind() != webrtc.RTPCodecTypeVideo || !reflecting.CompareAndSwap(false, true) {
			tl.Info("ignoring track")

			if err := media.Drain(track); err != nil {
				tl.WithError(err).Debug("track ended")
			}

			return
		}

		tl.Info("reflecting track")

		go media.RequestKeyframes(ps.ctx, ps.conn, uint32(track.SSRC()), media.KeyframeInterval)

		if err := media.Copy(output, track); err != nil {
			tl.WithError(err).Error("reflection stopped")
		}
	})

	ps.conn.OnICECandidate(ps.onICECandidate)

	ps.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("connection state changed: ", state)

		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.removeSession(ps.id)
		}
	})

	if err := ps.conn.SetRemoteDescription(offer); err != nil {
		return nil, errors.Wrap(err, "set remote description")
	}

	answer, err := ps.conn.CreateAnswer(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create answer")
	}

	if err := ps.conn.SetLocalDescription(answer); err != nil {
		return nil, errors.Wrap(err, "set local description")
	}

	return &answer, nil
}

// onICECandidate records a locally gathered candidate; nil, the end of
// gathering, is recorded too and becomes the batch's trailing sentinel.
func (ps *peerSession) onICECandidate(candidate *webrtc.ICECandidate) {
	ps.candidatesMx.Lock()
	defer ps.candidatesMx.Unlock()

	if candidate == nil {
		ps.candidates = append(ps.candidates, nil)

		return
	}

	c := candidate.ToJSON()
	ps.candidates = append(ps.candidates, &c)
}

func (ps *peerSession) gathered() []*webrtc.ICECandidateInit {
	ps.candidatesMx.Lock()
	defer ps.candidatesMx.Unlock()

	return append([]*webrtc.ICECandidateInit(nil), ps.candidates...)
}
