package internal

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"webrtc-safari/pkg/log"
	"webrtc-safari/pkg/media"
	"webrtc-safari/pkg/monitoring"
	"webrtc-safari/pkg/peer"
	"webrtc-safari/pkg/server"
	"webrtc-safari/pkg/session"
	"webrtc-safari/pkg/signal"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type App struct {
	serveMode      bool
	listenAddr     string
	signalURL      string
	stunServers    []string
	stunUser       string
	stunCredential string
	pollInterval   time.Duration
	timeout        time.Duration
	retries        uint64
	videoFile      string
	loopVideo      bool
	recordFile     string
	metricsAddr    string
	debug          bool

	instanceUUID string

	server   *server.Server
	signal   *signal.HTTP
	peer     *peer.WebRTC
	source   *media.FileSource
	recorder *media.Recorder
}

func NewApp() *App {
	return &App{
		instanceUUID: uuid.New().String(),
	}
}

func (a *App) Setup() (err error) {
	a.parseCmdline()

	log.SetupLogger(a.debug)

	if a.serveMode {
		return a.setupServerMode()
	}

	return a.setupClientMode()
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	a.listenOS(cancel)

	if a.serveMode {
		return a.runServerMode(ctx)
	}

	return a.runClientMode(ctx, cancel)
}

func (a *App) parseCmdline() {
	// Options of the server mode.
	pflag.BoolVarP(&a.serveMode, "serve", "s", false, "Run the signaling server that answers offers and reflects the caller's video back")
	pflag.StringVarP(&a.listenAddr, "listen", "l", "0.0.0.0:8080", "Address the signaling server listens on")

	// Options of the client mode.
	pflag.StringVarP(&a.signalURL, "signal", "u", "http://localhost:8080", "Base URL of the signaling server")
	pflag.DurationVarP(&a.pollInterval, "poll-interval", "i", session.DefaultPollInterval, "Interval between fetches of the remote candidates")
	pflag.DurationVarP(&a.timeout, "timeout", "t", 10*time.Second, "Timeout of a single signaling request")
	pflag.Uint64VarP(&a.retries, "retries", "r", 3, "Retries of a failed candidate submission")
	pflag.StringVarP(&a.videoFile, "video", "V", "", "VP8 IVF file streamed to the remote peer")
	pflag.BoolVar(&a.loopVideo, "loop", false, "Restart the video file when it ends (see: --video)")
	pflag.StringVarP(&a.recordFile, "record", "R", "", "IVF file the remote video is recorded to")
	pflag.StringVarP(&a.metricsAddr, "metrics", "m", "", "Address serving prometheus metrics of the client, disabled if empty")

	// Common options.
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")
	pflag.StringVar(&a.stunUser, "stun-user", "", "Username for the STUN servers")
	pflag.StringVar(&a.stunCredential, "stun-credential", "", "Credential for the STUN servers")
	pflag.BoolVarP(&a.debug, "debug", "d", false, "Log every signaling step")

	pflag.Parse()
}

func (a *App) setupServerMode() (err error) {
	a.server, err = server.NewServer(server.ServerConfig{
		STUN:       a.stunServers,
		Username:   a.stunUser,
		Credential: a.stunCredential,
	})

	return errors.Wrap(err, "signaling server")
}

func (a *App) setupClientMode() (err error) {
	a.signal, err = signal.NewHTTP(signal.HTTPConfig{
		URL:     a.signalURL,
		Timeout: a.timeout,
		Retries: a.retries,
	})
	if err != nil {
		return errors.Wrap(err, "signaling")
	}

	a.peer, err = peer.NewWebRTC(peer.WebRTCConfig{
		STUN:         a.stunServers,
		Username:     a.stunUser,
		Credential:   a.stunCredential,
		PollInterval: a.pollInterval,
	}, a.signal)
	if err != nil {
		return errors.Wrap(err, "peer connection")
	}

	if len(a.videoFile) != 0 {
		a.source, err = media.NewFileSource(media.FileSourceConfig{
			Path: a.videoFile,
			Loop: a.loopVideo,
		})
		if err != nil {
			return errors.Wrap(err, "video source")
		}

		if err := a.peer.AddTrack(a.source.Track()); err != nil {
			return errors.Wrap(err, "video track")
		}
	} else if err := a.peer.ReceiveVideo(); err != nil {
		return errors.Wrap(err, "video transceiver")
	}

	if len(a.recordFile) != 0 {
		a.recorder = media.NewRecorder(a.recordFile, a.peer.Conn())
	}

	return nil
}

func (a *App) runServerMode(ctx context.Context) error {
	log.Infof("Starting signaling server, Instance UUID: %s", a.instanceUUID)
	defer log.Info("Ending signaling server")

	if err := a.server.Run(ctx, a.listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "signaling server")
	}

	return nil
}

func (a *App) runClientMode(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting client, Signaling: %s, Instance UUID: %s", a.signalURL, a.instanceUUID)
	defer log.Info("Ending client")

	var wg sync.WaitGroup
	defer wg.Wait()

	if len(a.metricsAddr) != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			a.serveMetrics(ctx)
		}()
	}

	a.peer.OnStateChange(func(state session.State) {
		log.Info("handshake state: ", state)
	})

	a.peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if a.recorder == nil {
			if err := media.Drain(track); err != nil {
				log.Debugf("remote track %s ended: %s", track.ID(), err)
			}

			return
		}

		a.recorder.HandleTrack(ctx, track)
	})

	if err := a.peer.Dial(ctx); err != nil {
		a.peer.Close()
		cancel()

		return errors.Wrap(err, "handshake")
	}

	log.Infof("session %s established on the signaling server", a.peer.Session().ID())

	if a.source != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := a.source.Run(ctx); err != nil {
				log.Error(err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-a.peer.Done():
	}

	a.peer.Close()
	cancel()

	return nil
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	srv := &http.Server{
		Addr:              a.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		if err := srv.Close(); err != nil {
			log.Warn(err)
		}
	}()

	log.Infof("serving metrics on %s", a.metricsAddr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("metrics listener stopped: %s", err)
	}
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
