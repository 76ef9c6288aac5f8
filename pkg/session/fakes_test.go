package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"webrtc-safari/pkg/signal"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// journal records cross-collaborator events in the order they happened.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, fmt.Sprintf(format, args...))
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.events...)
}

func (j *journal) index(event string) int {
	for i, e := range j.snapshot() {
		if e == event {
			return i
		}
	}

	return -1
}

type fakeConn struct {
	journal *journal

	offerErr  error
	localErr  error
	remoteErr error

	// addErr fails AddICECandidate for the listed candidate strings.
	addErr map[string]error

	// onSetLocal runs after a successful SetLocalDescription, the moment a
	// real peer connection starts gathering.
	onSetLocal func()

	mu      sync.Mutex
	offers  int
	remotes int
	added   []string
}

func newFakeConn(j *journal) *fakeConn {
	return &fakeConn{journal: j, onSetLocal: func() {}}
}

func (c *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.offers++
	c.mu.Unlock()

	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}

	c.journal.add("create-offer")

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	if c.localErr != nil {
		return c.localErr
	}

	c.journal.add("set-local %s", desc.Type)
	c.onSetLocal()

	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remotes++
	c.mu.Unlock()

	if c.remoteErr != nil {
		return c.remoteErr
	}

	c.journal.add("set-remote %s", desc.SDP)

	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err, ok := c.addErr[candidate.Candidate]; ok {
		return err
	}

	c.mu.Lock()
	c.added = append(c.added, candidate.Candidate)
	c.mu.Unlock()

	c.journal.add("add %s", candidate.Candidate)

	return nil
}

func (c *fakeConn) addedCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.added...)
}

type sent struct {
	id        string
	candidate string
}

type fakeSignal struct {
	journal *journal

	answer    *signal.Answer
	createErr error
	sendErr   error

	mu      sync.Mutex
	creates int
	sent    []sent
	fetches int
	// batches are served in order; the last one repeats.
	batches  [][]*webrtc.ICECandidateInit
	fetchErr []error
}

func newFakeSignal(j *journal, id string) *fakeSignal {
	return &fakeSignal{
		journal: j,
		answer: &signal.Answer{
			ID:     id,
			Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
		},
	}
}

func (s *fakeSignal) CreateSession(ctx context.Context, offer webrtc.SessionDescription) (*signal.Answer, error) {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}

	s.journal.add("create-session")

	return s.answer, nil
}

func (s *fakeSignal) SendCandidate(ctx context.Context, id string, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	s.sent = append(s.sent, sent{id: id, candidate: candidate.Candidate})
	s.mu.Unlock()

	s.journal.add("send /%s/candidate %s", id, candidate.Candidate)

	return s.sendErr
}

func (s *fakeSignal) FetchCandidates(ctx context.Context, id string) ([]*webrtc.ICECandidateInit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.fetches
	s.fetches++

	s.journal.add("fetch /%s/candidate", id)

	if n < len(s.fetchErr) && s.fetchErr[n] != nil {
		return nil, s.fetchErr[n]
	}

	if len(s.batches) == 0 {
		return nil, nil
	}

	if n >= len(s.batches) {
		n = len(s.batches) - 1
	}

	return s.batches[n], nil
}

func (s *fakeSignal) sentCandidates() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]sent(nil), s.sent...)
}

func (s *fakeSignal) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fetches
}

func candidate(s string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: s}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
