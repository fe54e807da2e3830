package webrtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type recordingWriter struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (w *recordingWriter) WriteSample(s media.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	return nil
}

type failingWriter struct{ calls int }

func (w *failingWriter) WriteSample(media.Sample) error {
	w.calls++
	return errors.New("binding broken")
}

type finiteSource struct {
	frames [][]byte
	closed bool
}

func (s *finiteSource) NextSample() (media.Sample, error) {
	if len(s.frames) == 0 {
		return media.Sample{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return media.Sample{Data: f, Duration: time.Millisecond}, nil
}

func (s *finiteSource) Close() error {
	s.closed = true
	return nil
}

func TestPump_WritesUntilSourceEnds(t *testing.T) {
	w := &recordingWriter{}
	src := &finiteSource{frames: [][]byte{{1}, {2}, {3}}}

	dropSecond := func(s media.Sample) (media.Sample, bool) {
		return s, s.Data[0] != 2
	}
	err := Pump(context.Background(), w, src, dropSecond, zaptest.NewLogger(t).Sugar())

	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, src.closed)
	require.Len(t, w.samples, 2)
	assert.Equal(t, []byte{1}, w.samples[0].Data)
	assert.Equal(t, []byte{3}, w.samples[1].Data)
}

func TestPump_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &recordingWriter{}
	err := Pump(ctx, w, SilenceSource(), nil, zaptest.NewLogger(t).Sugar())

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, w.samples, 1)
	assert.Equal(t, silentOpusFrame, w.samples[0].Data)
	assert.Equal(t, opusFrameDuration, w.samples[0].Duration)
}

func TestPump_LogsWriteErrorsAndContinues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := &failingWriter{}
	src := &finiteSource{frames: [][]byte{{1}, {2}}}

	err := Pump(context.Background(), w, src, nil, zap.New(core).Sugar())

	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, w.calls)
	entries := logs.FilterMessage("failed to write sample").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "binding broken", entries[0].ContextMap()["error"])
}

func TestLocalMedia_Toggles(t *testing.T) {
	m, err := NewLocalMedia(zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	assert.True(t, m.AudioEnabled())
	assert.True(t, m.VideoEnabled())
	assert.Equal(t, "audio", m.AudioTrack().ID())
	assert.Equal(t, "camera", m.CameraTrack().ID())

	voice := media.Sample{Data: []byte{0x01, 0x02}, Duration: opusFrameDuration}
	s, ok := m.gateAudio(voice)
	assert.True(t, ok)
	assert.Equal(t, voice.Data, s.Data)

	m.SetAudioEnabled(false)
	s, ok = m.gateAudio(voice)
	assert.True(t, ok, "muted audio still sends frames")
	assert.Equal(t, silentOpusFrame, s.Data)

	m.SetVideoEnabled(false)
	_, ok = m.gateVideo(media.Sample{Data: []byte{0x10}})
	assert.False(t, ok)
}

func TestLocalMedia_PlaceholdersMarkDegraded(t *testing.T) {
	m, err := NewLocalMedia(zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	m.Start(context.Background(), nil, nil)
	defer m.Stop()
	assert.True(t, m.Degraded())
}

func TestOpenSources_MissingFile(t *testing.T) {
	_, err := OpenOggSource("/nonexistent/audio.ogg")
	assert.Error(t, err)
	_, err = OpenIVFSource("/nonexistent/video.ivf")
	assert.Error(t, err)
}
