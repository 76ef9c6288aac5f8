package media

import (
	"context"
	"io"
	"strings"
	"time"

	"webrtc-safari/pkg/log"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pkg/errors"
)

// KeyframeInterval is how often a picture loss indication is sent for a
// received video track, so that decoders joining late recover quickly.
const KeyframeInterval = 3 * time.Second

// RTCPWriter is satisfied by *webrtc.PeerConnection.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// RTPReader is satisfied by *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RTPWriter receives the packets of a remote track.
type RTPWriter interface {
	WriteRTP(packet *rtp.Packet) error
}

// Recorder saves the first remote VP8 track of a session into an IVF file.
type Recorder struct {
	path string
	conn RTCPWriter
}

func NewRecorder(path string, conn RTCPWriter) *Recorder {
	return &Recorder{
		path: path,
		conn: conn,
	}
}

// HandleTrack is meant to be registered as a track handler. It blocks until
// the track ends.
func (r *Recorder) HandleTrack(ctx context.Context, track *webrtc.TrackRemote) {
	logger := log.WithFields(log.Fields{"track": track.ID(), "codec": track.Codec().MimeType})

	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeVP8) {
		logger.Info("not recording track")

		if err := Drain(track); err != nil {
			logger.WithError(err).Debug("track ended")
		}

		return
	}

	w, err := ivfwriter.New(r.path)
	if err != nil {
		logger.WithError(err).Error("unable to create recording")

		return
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go RequestKeyframes(ctx, r.conn, uint32(track.SSRC()), KeyframeInterval)

	logger.Infof("recording to %s", r.path)

	if err := Copy(w, track); err != nil {
		logger.WithError(err).Error("recording stopped")

		return
	}

	logger.Info("recording complete")
}

// Copy forwards packets from r to w until r ends. The end of the track is not
// an error.
func Copy(w RTPWriter, r RTPReader) error {
	for {
		packet, _, err := r.ReadRTP()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return errors.Wrap(err, "read rtp")
		}

		if err := w.WriteRTP(packet); err != nil {
			return errors.Wrap(err, "write rtp")
		}
	}
}

// Drain reads r until it ends so that interceptors keep processing it.
func Drain(r RTPReader) error {
	return Copy(discard{}, r)
}

// RequestKeyframes sends a picture loss indication for ssrc every interval
// until ctx is done.
func RequestKeyframes(ctx context.Context, conn RTCPWriter, ssrc uint32, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := conn.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			log.Warnf("unable to request keyframe: %s", err)
		}
	}
}

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
