// HTTP talks to a signaling server over plain request/response HTTP with JSON
// bodies:
//
//	POST /connection          offer            -> {"id": ..., "answer": ...}
//	POST /{id}/candidate      one candidate    -> 200, empty body
//	GET  /{id}/candidate      -                -> [candidate, ..., null] or 204
//
// A trailing null in a polled batch tells the client that the remote side has
// finished gathering (see: FetchCandidates()).
//
// Candidate submission is retried with a bounded exponential backoff. Session
// creation is retried only when the connection could not be dialed at all, so
// a server never sees the same offer twice (see: CreateSession()).

package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

const maxErrorBody = 512

type HTTP struct {
	cfg HTTPConfig

	base   *url.URL
	client *http.Client
}

type HTTPConfig struct {
	URL           string
	Timeout       time.Duration
	Retries       uint64
	RetryInterval time.Duration

	// Client overrides the HTTP client, e.g. in tests. Timeout is ignored when
	// it is set.
	Client *http.Client
}

// Answer is the server's reply to a created session.
type Answer struct {
	ID     string                     `json:"id"`
	Answer *webrtc.SessionDescription `json:"answer"`
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "signaling url")
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("signaling url: unsupported scheme %q", base.Scheme)
	}

	base.Path = strings.TrimSuffix(base.Path, "/")

	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTP{
		cfg:    cfg,
		base:   base,
		client: client,
	}, nil
}

func (s *HTTP) CreateSession(ctx context.Context, offer webrtc.SessionDescription) (*Answer, error) {
	const op = "create session"

	payload, err := json.Marshal(offer)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	var body []byte

	err = s.retry(ctx, func() error {
		var err error

		body, err = s.do(ctx, op, http.MethodPost, "/connection", payload)
		if err != nil && !isDialError(err) {
			return backoff.Permanent(err)
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	answer := &Answer{}

	if err := json.Unmarshal(body, answer); err != nil {
		return nil, protocolError(op, err)
	}

	if len(answer.ID) == 0 {
		return nil, protocolError(op, errors.New("response has no session id"))
	}

	if answer.Answer == nil || len(answer.Answer.SDP) == 0 {
		return nil, protocolError(op, errors.New("response has no answer"))
	}

	return answer, nil
}

func (s *HTTP) SendCandidate(ctx context.Context, id string, candidate webrtc.ICECandidateInit) error {
	const op = "send candidate"

	payload, err := json.Marshal(candidate)
	if err != nil {
		return errors.Wrap(err, op)
	}

	return s.retry(ctx, func() error {
		_, err := s.do(ctx, op, http.MethodPost, candidatePath(id), payload)
		if isClientError(err) {
			return backoff.Permanent(err)
		}

		return err
	})
}

// FetchCandidates returns the remote candidates gathered so far. A nil
// element is the end-of-candidates sentinel; an empty result means that
// nothing has been gathered yet.
func (s *HTTP) FetchCandidates(ctx context.Context, id string) ([]*webrtc.ICECandidateInit, error) {
	const op = "fetch candidates"

	body, err := s.do(ctx, op, http.MethodGet, candidatePath(id), nil)
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var candidates []*webrtc.ICECandidateInit

	if err := json.Unmarshal(body, &candidates); err != nil {
		return nil, protocolError(op, err)
	}

	return candidates, nil
}

func (s *HTTP) do(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	u := *s.base
	u.Path += path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}

		return nil, transportError(op, &StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(respBody)),
		})
	}

	return respBody, nil
}

func (s *HTTP) retry(ctx context.Context, operation backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.Retries), ctx))
}

// candidatePath is unescaped; url.URL escapes it on the way out.
func candidatePath(id string) string {
	return "/" + id + "/candidate"
}

// isDialError reports whether the request failed before a connection to the
// server existed.
func isDialError(err error) bool {
	var opErr *net.OpError

	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isClientError(err error) bool {
	var statusErr *StatusError

	return errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500
}
