// Buffer decouples local candidate gathering, which starts as soon as the
// local description is set, from candidate transmission, which needs the
// session id the signaling server assigns later.
//
// Candidates recorded before Flush() are kept in order and dispatched in that
// same order once the id is known. Every transmission runs on its own
// goroutine, so a stalled one never holds back the candidates after it; the
// server may see them out of order. Candidates recorded after Flush() go out
// immediately.

package session

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// SendFunc transmits one candidate for the session id. It owns error
// reporting: the buffer never learns about failures.
type SendFunc func(id string, candidate webrtc.ICECandidateInit)

type Buffer struct {
	send SendFunc

	mu      sync.Mutex
	id      string
	pending []webrtc.ICECandidateInit
	closed  bool

	inflight sync.WaitGroup
}

func NewBuffer(send SendFunc) *Buffer {
	return &Buffer{
		send: send,
	}
}

func (b *Buffer) Record(candidate webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if len(b.id) == 0 {
		b.pending = append(b.pending, candidate)

		return
	}

	b.dispatch(b.id, candidate)
}

// Flush publishes id and transmits everything recorded so far. Only the first
// call has an effect; it reports whether this call was the one.
func (b *Buffer) Flush(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.id) != 0 || len(id) == 0 {
		return false
	}

	b.id = id

	for _, candidate := range b.pending {
		b.dispatch(id, candidate)
	}

	b.pending = nil

	return true
}

// dispatch must be called with b.mu held.
func (b *Buffer) dispatch(id string, candidate webrtc.ICECandidateInit) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()

		b.send(id, candidate)
	}()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// Wait blocks until every transmission started so far has returned.
func (b *Buffer) Wait() {
	b.inflight.Wait()
}

// Close drops pending candidates and everything recorded afterwards, then
// waits for the transmissions in flight.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.pending = nil
	b.mu.Unlock()

	b.inflight.Wait()
}
