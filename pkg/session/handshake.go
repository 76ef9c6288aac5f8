// Handshake drives one signaling exchange as the offering side:
//
//	Idle -> OfferCreated -> OfferSent -> AnswerReceived -> Flushing -> Polling -> Connected
//
// Failed is reachable from every non-terminal state. Begin() walks the chain up
// to Polling; Connected is reached only when the peer connection reports a
// connected transport (see: OnConnectionState()).
//
// Local candidates are fed in through OnLocalCandidate() and held by the
// session's Buffer until the signaling server has assigned an id. Remote
// candidates are collected by the session's Poller.

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"webrtc-safari/pkg/log"
	"webrtc-safari/pkg/monitoring"
	"webrtc-safari/pkg/signal"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Handshake struct {
	cfg HandshakeConfig

	conn    Conn
	signal  Signal
	session *Session

	begun atomic.Bool

	// ctx bounds the work that outlives Begin(): candidate sends and polling.
	// It ends with Close() or with the context passed to Begin().
	ctx    context.Context
	cancel context.CancelFunc

	handlerMx    sync.Mutex
	stateHandler func(State)
}

type HandshakeConfig struct {
	PollInterval time.Duration
}

func NewHandshake(cfg HandshakeConfig, conn Conn, signal Signal) *Handshake {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Handshake{
		cfg:          cfg,
		conn:         conn,
		signal:       signal,
		ctx:          ctx,
		cancel:       cancel,
		stateHandler: func(State) {},
	}

	h.session = newSession(
		NewBuffer(h.sendCandidate),
		NewPoller(cfg.PollInterval, signal, conn),
	)

	return h
}

func (h *Handshake) Session() *Session {
	return h.session
}

// OnStateChange registers a handler called after every state transition.
func (h *Handshake) OnStateChange(handler func(State)) {
	h.handlerMx.Lock()
	defer h.handlerMx.Unlock()

	h.stateHandler = handler
}

// Begin creates the offer, exchanges it for an answer and starts trickling
// candidates in both directions. It returns once polling has started; any
// error leaves the session Failed. Begin runs at most once per Handshake.
//
// Cancelling ctx, even after Begin has returned, stops polling and the
// candidate transmissions in flight.
func (h *Handshake) Begin(ctx context.Context) error {
	if !h.begun.CompareAndSwap(false, true) || h.session.State() != Idle {
		return ErrAlreadyStarted
	}

	go h.follow(ctx)

	offer, err := h.conn.CreateOffer(nil)
	if err != nil {
		return h.fail(&CapabilityError{Op: "create offer", Err: err})
	}

	if err := h.conn.SetLocalDescription(offer); err != nil {
		return h.fail(&CapabilityError{Op: "set local description", Err: err})
	}

	if err := h.session.setLocalDescription(offer); err != nil {
		return h.fail(err)
	}

	if err := h.advance(OfferCreated); err != nil {
		return err
	}

	if err := h.advance(OfferSent); err != nil {
		return err
	}

	answer, err := h.signal.CreateSession(ctx, offer)
	if err != nil {
		return h.fail(errors.Wrap(err, "signaling"))
	}

	if answer == nil || answer.Answer == nil || len(answer.ID) == 0 {
		return h.fail(errors.Wrap(signal.ErrProtocol, "signaling returned no answer"))
	}

	h.logger().WithField("session", answer.ID).Info("answer received")

	if err := h.advance(AnswerReceived); err != nil {
		return err
	}

	if err := h.conn.SetRemoteDescription(*answer.Answer); err != nil {
		return h.fail(&CapabilityError{Op: "set remote description", Err: err})
	}

	if err := h.session.setRemoteDescription(*answer.Answer); err != nil {
		return h.fail(err)
	}

	if err := h.session.setID(answer.ID); err != nil {
		return h.fail(err)
	}

	if err := h.advance(Flushing); err != nil {
		return err
	}

	pending := h.session.buffer.Len()
	h.session.buffer.Flush(answer.ID)

	h.logger().Infof("flushed %d buffered candidates", pending)

	if err := h.advance(Polling); err != nil {
		return err
	}

	if err := h.session.poller.Start(h.ctx, answer.ID); err != nil {
		return h.fail(err)
	}

	return nil
}

// OnLocalCandidate feeds a locally gathered candidate into the session. A nil
// candidate marks the end of local gathering.
func (h *Handshake) OnLocalCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		h.logger().Debugf("local gathering complete")

		return
	}

	h.session.buffer.Record(*candidate)
}

// OnConnectionState maps peer connection state changes onto the handshake.
func (h *Handshake) OnConnectionState(state webrtc.PeerConnectionState) {
	h.logger().Info("connection state changed: ", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		h.transition(Connected)
	case webrtc.PeerConnectionStateFailed:
		_ = h.fail(ErrConnectionFailed)
	}
}

// Close stops polling and waits for candidate transmissions in flight.
// Candidates reported after Close are dropped.
func (h *Handshake) Close() {
	h.cancel()
	h.session.poller.Stop()
	h.session.buffer.Close()
}

// follow ties the handshake's lifetime to ctx.
func (h *Handshake) follow(ctx context.Context) {
	select {
	case <-ctx.Done():
		h.logger().Debugf("handshake cancelled: %s", ctx.Err())
		h.cancel()
	case <-h.ctx.Done():
	}
}

func (h *Handshake) sendCandidate(id string, candidate webrtc.ICECandidateInit) {
	logger := h.logger().WithField("session", id)

	if err := h.signal.SendCandidate(h.ctx, id, candidate); err != nil {
		if h.ctx.Err() != nil {
			return
		}

		monitoring.CandidateSendFailures.Inc()
		logger.WithError(err).Errorf("unable to send candidate %s", candidate.Candidate)

		return
	}

	monitoring.CandidatesSent.Inc()
	logger.Debugf("sent candidate %s", candidate.Candidate)
}

// advance moves Begin() one step forward. It refuses to continue once the
// session was failed from the outside, e.g. by the peer connection.
func (h *Handshake) advance(state State) error {
	if h.session.State() == Failed {
		return ErrConnectionFailed
	}

	h.transition(state)

	return nil
}

func (h *Handshake) transition(state State) {
	prev, ok := h.session.setState(state)
	if !ok {
		return
	}

	monitoring.HandshakeStates.WithLabelValues(state.String()).Inc()
	h.logger().Debugf("handshake %s -> %s", prev, state)

	h.handlerMx.Lock()
	handler := h.stateHandler
	h.handlerMx.Unlock()

	handler(state)
}

func (h *Handshake) fail(err error) error {
	if h.session.State().Terminal() {
		return err
	}

	h.logger().WithError(err).Error("handshake failed")
	h.transition(Failed)
	h.session.poller.Stop()

	return err
}

func (h *Handshake) logger() *logrus.Entry {
	return log.WithFields(log.Fields{"component": "handshake"})
}
