package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	mediaStreamID     = "meetrelay"
)

// An Opus TOC byte for a 20ms SILK frame followed by an empty payload;
// decoders render it as silence.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

func VP8Codec() webrtc.RTPCodecCapability { return vp8Codec }

// VideoTrack is an outbound video track whose codec is known up front.
type VideoTrack interface {
	webrtc.TrackLocal
	Codec() webrtc.RTPCodecCapability
}

// SampleSource yields encoded media samples. io.EOF ends the source.
type SampleSource interface {
	NextSample() (media.Sample, error)
}

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// NewVideoTrack creates a sample track for codec under the shared stream id.
func NewVideoTrack(id string, codec webrtc.RTPCodecCapability) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(codec, id, mediaStreamID)
}

// LocalMedia is the single shared camera and microphone output. Every
// PeerLink sends the same two tracks, so enable toggles apply to all of them
// at once.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
	degraded     atomic.Bool

	logger *zap.SugaredLogger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewLocalMedia(logger *zap.SugaredLogger) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(opusCodec, "audio", mediaStreamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := NewVideoTrack("camera", vp8Codec)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	m := &LocalMedia{
		audio:  audio,
		video:  video,
		logger: logger,
		cancel: func() {},
	}
	m.audioEnabled.Store(true)
	m.videoEnabled.Store(true)
	return m, nil
}

func (m *LocalMedia) AudioTrack() webrtc.TrackLocal { return m.audio }
func (m *LocalMedia) CameraTrack() VideoTrack       { return m.video }

func (m *LocalMedia) SetAudioEnabled(enabled bool) { m.audioEnabled.Store(enabled) }
func (m *LocalMedia) SetVideoEnabled(enabled bool) { m.videoEnabled.Store(enabled) }
func (m *LocalMedia) AudioEnabled() bool           { return m.audioEnabled.Load() }
func (m *LocalMedia) VideoEnabled() bool           { return m.videoEnabled.Load() }

// Degraded reports whether a placeholder replaced a capture source.
func (m *LocalMedia) Degraded() bool { return m.degraded.Load() }

// Start pumps audio and video into the shared tracks. A nil source is
// replaced by a placeholder: continuous silence for audio, no frames (black)
// for video.
func (m *LocalMedia) Start(ctx context.Context, audio, video SampleSource) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if audio == nil {
		m.degraded.Store(true)
		audio = SilenceSource()
	}
	if video == nil {
		m.degraded.Store(true)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := Pump(ctx, m.audio, audio, m.gateAudio, m.logger)
		if errors.Is(err, io.EOF) {
			// Keep the sender alive once the capture runs out.
			err = Pump(ctx, m.audio, SilenceSource(), m.gateAudio, m.logger)
		}
		m.logPumpExit("audio", err)
	}()

	if video != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.logPumpExit("video", Pump(ctx, m.video, video, m.gateVideo, m.logger))
		}()
	}
}

func (m *LocalMedia) logPumpExit(kind string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	m.logger.Infow("local media source stopped", "kind", kind, "reason", err)
}

// A muted microphone still sends silence so the remote jitter buffer keeps
// running.
func (m *LocalMedia) gateAudio(s media.Sample) (media.Sample, bool) {
	if !m.audioEnabled.Load() {
		s.Data = silentOpusFrame
	}
	return s, true
}

func (m *LocalMedia) gateVideo(s media.Sample) (media.Sample, bool) {
	return s, m.videoEnabled.Load()
}

func (m *LocalMedia) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Pump writes samples from src to track, paced by each sample's duration,
// until src ends or ctx is done. gate may rewrite a sample or drop it.
// Sources implementing io.Closer are closed on return. Write errors are
// logged and do not stop the pump.
func Pump(ctx context.Context, track sampleWriter, src SampleSource, gate func(media.Sample) (media.Sample, bool), logger *zap.SugaredLogger) error {
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		sample, err := src.NextSample()
		if err != nil {
			return err
		}
		if sample.Duration <= 0 {
			sample.Duration = opusFrameDuration
		}
		ticker.Reset(sample.Duration)

		write := true
		if gate != nil {
			sample, write = gate(sample)
		}
		if write {
			// A closing peer fails its binding; the others were still written.
			if err := track.WriteSample(sample); err != nil {
				logger.Debugw("failed to write sample", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type silenceSource struct{}

// SilenceSource yields silent Opus frames forever.
func SilenceSource() SampleSource { return silenceSource{} }

func (silenceSource) NextSample() (media.Sample, error) {
	return media.Sample{Data: silentOpusFrame, Duration: opusFrameDuration}, nil
}

// oggSource reads Opus pages from an Ogg file.
type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func OpenOggSource(path string) (SampleSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	return &oggSource{file: file, reader: reader}, nil
}

func (s *oggSource) NextSample() (media.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if err != nil {
		return media.Sample{}, err
	}
	samples := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition
	duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond
	return media.Sample{Data: page, Duration: duration}, nil
}

func (s *oggSource) Close() error { return s.file.Close() }

// ivfSource reads VP8 frames from an IVF file.
type ivfSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	interval time.Duration
}

func OpenIVFSource(path string) (SampleSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		file.Close()
		return nil, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	interval := time.Second / 30
	if header.TimebaseDenominator > 0 {
		interval = time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond
	}
	return &ivfSource{file: file, reader: reader, interval: interval}, nil
}

func (s *ivfSource) NextSample() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.interval}, nil
}

func (s *ivfSource) Close() error { return s.file.Close() }
