package session

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// Session is the state of one signaling exchange. The id, the descriptions and
// the state are written by the Handshake only; pending local candidates live in
// the Buffer.
type Session struct {
	mu sync.Mutex

	id     string
	state  State
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	buffer *Buffer
	poller *Poller
}

func newSession(buffer *Buffer, poller *Poller) *Session {
	return &Session{
		state:  Idle,
		buffer: buffer,
		poller: poller,
	}
}

// ID returns the id assigned by the signaling server, or "" before the offer
// has been answered.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.local
}

func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remote
}

// Pending returns the number of local candidates waiting for an id.
func (s *Session) Pending() int {
	return s.buffer.Len()
}

func (s *Session) Poller() *Poller {
	return s.poller
}

// setState moves the session to state unless it has already reached a
// terminal one. It returns the previous state and whether the move happened.
func (s *Session) setState(state State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if prev.Terminal() || prev == state {
		return prev, false
	}

	s.state = state

	return prev, true
}

func (s *Session) setID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.id) != 0 {
		return errors.Errorf("session id already set to %q", s.id)
	}

	s.id = id

	return nil
}

func (s *Session) setLocalDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local != nil {
		return errors.New("local description already set")
	}

	s.local = &desc

	return nil
}

func (s *Session) setRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote != nil {
		return errors.New("remote description already set")
	}

	s.remote = &desc

	return nil
}
