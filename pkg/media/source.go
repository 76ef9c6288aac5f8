// FileSource streams the frames of a VP8 IVF file into a local sample track,
// paced by the timebase in the file header. It stands in for a camera when
// the client runs headless.

package media

import (
	"context"
	"io"
	"os"
	"time"

	"webrtc-safari/pkg/log"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pkg/errors"
)

// SampleWriter is satisfied by *webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

type FileSource struct {
	cfg FileSourceConfig

	track *webrtc.TrackLocalStaticSample
}

type FileSourceConfig struct {
	Path string
	Loop bool
}

func NewFileSource(cfg FileSourceConfig) (*FileSource, error) {
	fi, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return nil, errors.Errorf("%s is a directory", cfg.Path)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "webrtc-safari")
	if err != nil {
		return nil, err
	}

	return &FileSource{
		cfg:   cfg,
		track: track,
	}, nil
}

func (s *FileSource) Track() webrtc.TrackLocal {
	return s.track
}

// Run streams the file until ctx is done, or until the end of the file when
// Loop is unset.
func (s *FileSource) Run(ctx context.Context) error {
	for {
		if err := streamFile(ctx, s.cfg.Path, s.track); err != nil {
			return err
		}

		if !s.cfg.Loop || ctx.Err() != nil {
			return nil
		}
	}
}

func streamFile(ctx context.Context, path string, w SampleWriter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return stream(ctx, f, w)
}

func stream(ctx context.Context, r io.Reader, w SampleWriter) error {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return errors.Wrap(err, "ivf header")
	}

	if header.FourCC != "VP80" {
		return errors.Errorf("unsupported codec %q, only VP80 is supported", header.FourCC)
	}

	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		return errors.New("ivf header has a zero timebase")
	}

	frameDuration := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))

	log.Infof("streaming %dx%d video, %d frames", header.Width, header.Height, header.NumFrames)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return errors.Wrap(err, "ivf frame")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := w.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}
