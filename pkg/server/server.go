// Server is the answering side of the polled signaling protocol. Every
// POST /connection creates a pion peer connection that answers the offer and
// reflects the caller's first video track back to it.
//
// Candidates gathered by a session's peer connection are kept in order and
// served, all of them, on every GET /{id}/candidate; once gathering completes
// a trailing null is appended (see: onICECandidate()). Candidates the caller
// posts to /{id}/candidate are applied immediately.

package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"webrtc-safari/pkg/log"
	"webrtc-safari/pkg/monitoring"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

type Server struct {
	cfg ServerConfig

	api    *webrtc.API
	router *gin.Engine

	sessionsMx sync.Mutex
	sessions   map[string]*peerSession
}

type ServerConfig struct {
	STUN       []string
	Username   string
	Credential string
}

type peerSession struct {
	id   string
	conn *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc

	candidatesMx sync.Mutex
	candidates   []*webrtc.ICECandidateInit
}

func NewServer(cfg ServerConfig) (*Server, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "media engine")
	}

	i := &interceptor.Registry{}

	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, errors.Wrap(err, "interceptors")
	}

	s := &Server{
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)),
		sessions: make(map[string]*peerSession),
	}

	gin.SetMode(gin.ReleaseMode)

	e := gin.New()
	e.Use(gin.Recovery(), requestLogger(), cors.Default())

	e.GET("/metrics", gin.WrapH(monitoring.Handler()))
	e.GET("/connection", s.httpGetConnections)
	e.POST("/connection", s.httpCreateConnection)
	e.POST("/:id/candidate", s.httpAddCandidate)
	e.GET("/:id/candidate", s.httpGetCandidates)

	s.router = e

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		log.Infof("signaling server listening on %s", addr)

		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	s.Close()

	return nil
}

// Close tears down every session.
func (s *Server) Close() {
	s.sessionsMx.Lock()
	sessions := make([]*peerSession, 0, len(s.sessions))
	for _, ps := range s.sessions {
		sessions = append(sessions, ps)
	}
	s.sessionsMx.Unlock()

	for _, ps := range sessions {
		s.removeSession(ps.id)

		if err := ps.conn.Close(); err != nil {
			log.Error(err)
		}
	}
}

func (s *Server) httpCreateConnection(c *gin.Context) {
	var offer webrtc.SessionDescription

	if err := c.ShouldBindJSON(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		log.WithFields(log.Fields{"error": err}).Error("invalid offer")
		c.AbortWithStatus(http.StatusBadRequest)

		return
	}

	ps, answer, err := s.answer(offer)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("unable to answer offer")
		c.AbortWithStatus(http.StatusInternalServerError)

		return
	}

	s.sessionsMx.Lock()
	s.sessions[ps.id] = ps
	s.sessionsMx.Unlock()

	monitoring.SessionsCreated.Inc()
	monitoring.SessionsActive.Inc()

	log.WithFields(log.Fields{"session": ps.id}).Info("session created")

	c.JSON(http.StatusOK, gin.H{
		"id":     ps.id,
		"answer": answer,
	})
}

func (s *Server) httpGetConnections(c *gin.Context) {
	s.sessionsMx.Lock()
	defer s.sessionsMx.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}

	c.JSON(http.StatusOK, ids)
}

func (s *Server) httpAddCandidate(c *gin.Context) {
	ps, ok := s.session(c.Param("id"))
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)

		return
	}

	var candidate webrtc.ICECandidateInit

	if err := c.ShouldBindJSON(&candidate); err != nil {
		log.WithFields(log.Fields{"session": ps.id, "error": err}).Error("invalid candidate")
		c.AbortWithStatus(http.StatusBadRequest)

		return
	}

	monitoring.CandidatesReceived.Inc()

	// An empty candidate marks the end of the caller's gathering.
	if len(strings.TrimSpace(candidate.Candidate)) == 0 {
		log.WithFields(log.Fields{"session": ps.id}).Info("remote gathering complete")
		c.Status(http.StatusOK)

		return
	}

	if err := ps.conn.AddICECandidate(candidate); err != nil {
		log.WithFields(log.Fields{"session": ps.id, "error": err}).Error("unable to add ICE candidate")
		c.AbortWithStatus(http.StatusInternalServerError)

		return
	}

	c.Status(http.StatusOK)
}

func (s *Server) httpGetCandidates(c *gin.Context) {
	ps, ok := s.session(c.Param("id"))
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)

		return
	}

	candidates := ps.gathered()

	if len(candidates) == 0 {
		c.Status(http.StatusNoContent)

		return
	}

	c.JSON(http.StatusOK, candidates)
}

func (s *Server) session(id string) (*peerSession, bool) {
	s.sessionsMx.Lock()
	defer s.sessionsMx.Unlock()

	ps, ok := s.sessions[id]

	return ps, ok
}

func (s *Server) removeSession(id string) {
	s.sessionsMx.Lock()
	ps, ok := s.sessions[id]
	delete(s.sessions, id)
	s.sessionsMx.Unlock()

	if ok {
		ps.cancel()
		monitoring.SessionsActive.Dec()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}
