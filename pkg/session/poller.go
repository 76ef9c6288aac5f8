// Poller emulates server push of remote candidates over request/response
// signaling: it fetches the candidates gathered by the remote peer once per
// interval until a batch ends with the end-of-candidates sentinel (nil).
//
// The server is expected to answer either with an in-progress batch, which is
// ignored, or with the complete batch terminated by the sentinel. Only the
// final batch is applied to the peer connection (see: handle()).

package session

import (
	"context"
	"sync"
	"time"

	"webrtc-safari/pkg/log"
	"webrtc-safari/pkg/monitoring"

	"github.com/pion/webrtc/v3"
)

const DefaultPollInterval = 500 * time.Millisecond

// Fetcher returns the remote candidates known for a session.
type Fetcher interface {
	FetchCandidates(ctx context.Context, id string) ([]*webrtc.ICECandidateInit, error)
}

// CandidateAdder applies a remote candidate to the peer connection.
type CandidateAdder interface {
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

type Poller struct {
	interval time.Duration
	fetcher  Fetcher
	conn     CandidateAdder

	mu          sync.Mutex
	started     bool
	stopHandler func()

	stopChan chan struct{}
	done     chan struct{}
}

func NewPoller(interval time.Duration, fetcher Fetcher, conn CandidateAdder) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Poller{
		interval:    interval,
		fetcher:     fetcher,
		conn:        conn,
		stopHandler: func() {},
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// OnStop registers h to run once, when polling stops for any reason.
func (p *Poller) OnStop(h func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopHandler = h
}

// Start begins polling for id. A poller runs at most once: starting it again,
// or after Stop(), returns ErrPollerStarted.
func (p *Poller) Start(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped() {
		return ErrPollerStarted
	}

	p.started = true

	go p.run(ctx, id)

	return nil
}

// Stop cancels polling. It is safe to call more than once and from within the
// poller's own batch handling.
func (p *Poller) Stop() {
	p.stop()
}

// Done is closed once the poller has stopped and no fetch is in progress.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) stop() bool {
	p.mu.Lock()

	if p.stopped() {
		p.mu.Unlock()

		return false
	}

	close(p.stopChan)

	if !p.started {
		close(p.done)
	}

	handler := p.stopHandler
	p.mu.Unlock()

	handler()

	return true
}

func (p *Poller) stopped() bool {
	select {
	case <-p.stopChan:
		return true
	default:
		return false
	}
}

func (p *Poller) run(ctx context.Context, id string) {
	defer close(p.done)

	logger := log.WithFields(log.Fields{"session": id})

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// A batch handled on the previous tick may have stopped the poller
		// while the ticker already fired again.
		if p.stopped() {
			return
		}

		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			logger.Debugf("polling cancelled: %s", ctx.Err())
			p.stop()

			return
		case <-ticker.C:
			p.tick(ctx, id)
		}
	}
}

func (p *Poller) tick(ctx context.Context, id string) {
	batch, err := p.fetcher.FetchCandidates(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		monitoring.Polls.WithLabelValues(monitoring.OutcomeError).Inc()
		log.WithFields(log.Fields{"session": id}).WithError(err).Warn("unable to fetch remote candidates")

		return
	}

	p.handle(id, batch)
}

// handle applies a batch if, and only if, it ends with the sentinel. Polling
// is stopped before any candidate is applied; a sentinel batch arriving after
// the poller stopped is dropped.
func (p *Poller) handle(id string, batch []*webrtc.ICECandidateInit) {
	logger := log.WithFields(log.Fields{"session": id})

	if len(batch) == 0 || batch[len(batch)-1] != nil {
		monitoring.Polls.WithLabelValues(monitoring.OutcomePending).Inc()
		logger.Debugf("remote gathering in progress, %d candidates so far", len(batch))

		return
	}

	if !p.stop() {
		logger.Debugf("dropping remote candidates received after polling stopped")

		return
	}

	monitoring.Polls.WithLabelValues(monitoring.OutcomeComplete).Inc()
	logger.Infof("remote gathering complete, polling stopped, applying %d candidates", len(batch)-1)

	for i, candidate := range batch {
		if candidate == nil {
			continue
		}

		if err := p.conn.AddICECandidate(*candidate); err != nil {
			monitoring.RemoteCandidatesApplied.WithLabelValues(monitoring.OutcomeError).Inc()
			logger.WithError(&CapabilityError{Op: "add ice candidate", Err: err}).
				Errorf("unable to add remote candidate #%d", i)

			continue
		}

		monitoring.RemoteCandidatesApplied.WithLabelValues(monitoring.OutcomeOK).Inc()
		logger.Debugf("added remote candidate %s", candidate.Candidate)
	}
}
