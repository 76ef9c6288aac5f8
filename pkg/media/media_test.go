package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
)

// ivf builds an IVF stream with one frame per payload, 1ms apart.
func ivf(fourcc string, frames ...[]byte) []byte {
	buf := &bytes.Buffer{}

	buf.WriteString("DKIF")
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))  // version
	_ = binary.Write(buf, binary.LittleEndian, uint16(32)) // header size
	buf.WriteString(fourcc)
	_ = binary.Write(buf, binary.LittleEndian, uint16(640))
	_ = binary.Write(buf, binary.LittleEndian, uint16(480))
	_ = binary.Write(buf, binary.LittleEndian, uint32(1000)) // timebase denominator
	_ = binary.Write(buf, binary.LittleEndian, uint32(1))    // timebase numerator
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(frames)))
	_ = binary.Write(buf, binary.LittleEndian, uint32(0))

	for i, frame := range frames {
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(frame)))
		_ = binary.Write(buf, binary.LittleEndian, uint64(i))
		buf.Write(frame)
	}

	return buf.Bytes()
}

type sampleCollector struct {
	samples []media.Sample
	err     error
}

func (c *sampleCollector) WriteSample(s media.Sample) error {
	c.samples = append(c.samples, s)

	return c.err
}

func TestStreamWritesEveryFrame(t *testing.T) {
	c := &sampleCollector{}

	err := stream(context.Background(), bytes.NewReader(ivf("VP80", []byte{1}, []byte{2, 2}, []byte{3, 3, 3})), c)
	if err != nil {
		t.Fatal(err)
	}

	if len(c.samples) != 3 {
		t.Fatalf("wrote %d samples, want 3", len(c.samples))
	}

	for i, s := range c.samples {
		if len(s.Data) != i+1 {
			t.Errorf("sample %d has %d bytes, want %d", i, len(s.Data), i+1)
		}

		if s.Duration != time.Millisecond {
			t.Errorf("sample %d lasts %s, want 1ms", i, s.Duration)
		}
	}
}

func TestStreamRejectsOtherCodecs(t *testing.T) {
	err := stream(context.Background(), bytes.NewReader(ivf("AV01", []byte{1})), &sampleCollector{})
	if err == nil {
		t.Fatal("stream accepted an AV1 file")
	}
}

func TestStreamStopsOnWriteError(t *testing.T) {
	boom := errors.New("boom")
	c := &sampleCollector{err: boom}

	err := stream(context.Background(), bytes.NewReader(ivf("VP80", []byte{1}, []byte{2})), c)
	if !errors.Is(err, boom) {
		t.Fatalf("stream() = %v, want boom", err)
	}

	if len(c.samples) != 1 {
		t.Fatalf("wrote %d samples after an error, want 1", len(c.samples))
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ivf")

	if err := os.WriteFile(path, ivf("VP80", []byte{1}, []byte{2}), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileSource(FileSourceConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}

	if s.Track().Kind().String() != "video" {
		t.Fatalf("track kind = %s, want video", s.Track().Kind())
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileSource(FileSourceConfig{Path: t.TempDir()}); err == nil {
		t.Fatal("NewFileSource accepted a directory")
	}
}

type packetSource struct {
	packets []*rtp.Packet
	err     error
}

func (s *packetSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(s.packets) == 0 {
		return nil, nil, s.err
	}

	p := s.packets[0]
	s.packets = s.packets[1:]

	return p, nil, nil
}

type packetSink struct {
	packets []*rtp.Packet
}

func (s *packetSink) WriteRTP(p *rtp.Packet) error {
	s.packets = append(s.packets, p)

	return nil
}

func TestCopy(t *testing.T) {
	src := &packetSource{
		packets: []*rtp.Packet{{Header: rtp.Header{SequenceNumber: 1}}, {Header: rtp.Header{SequenceNumber: 2}}},
		err:     io.EOF,
	}
	dst := &packetSink{}

	if err := Copy(dst, src); err != nil {
		t.Fatal(err)
	}

	if len(dst.packets) != 2 || dst.packets[1].SequenceNumber != 2 {
		t.Fatalf("copied %v", dst.packets)
	}

	broken := &packetSource{err: errors.New("reset")}
	if err := Drain(broken); err == nil {
		t.Fatal("Drain() hid a read error")
	}
}

type rtcpCounter struct {
	mu    sync.Mutex
	pkts  []rtcp.Packet
	ready chan struct{}
}

func (c *rtcpCounter) WriteRTCP(pkts []rtcp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pkts = append(c.pkts, pkts...)

	if len(c.pkts) == 2 {
		close(c.ready)
	}

	return nil
}

func TestRequestKeyframes(t *testing.T) {
	c := &rtcpCounter{ready: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		RequestKeyframes(ctx, c, 1234, time.Millisecond)
	}()

	select {
	case <-c.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("no keyframe requests")
	}

	cancel()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()

	pli, ok := c.pkts[0].(*rtcp.PictureLossIndication)
	if !ok || pli.MediaSSRC != 1234 {
		t.Fatalf("first packet = %#v, want a PLI for 1234", c.pkts[0])
	}
}
