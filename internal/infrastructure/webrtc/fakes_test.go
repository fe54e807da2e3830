package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"meetrelay/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSender struct {
	conn *fakeConn

	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReadRTCP() ([]rtcp.Packet, error) {
	<-s.conn.done
	return nil, io.EOF
}

// fakeConn records every call a PeerLink makes on it.
type fakeConn struct {
	id   int
	done chan struct{}

	mu      sync.Mutex
	calls   []string
	remote  *webrtc.SessionDescription
	senders []*fakeSender
	removed int
	offers  int
	closed  bool
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func (c *fakeConn) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", c.id, c.offers)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil || c.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.id)}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("local:" + desc.Type.String())
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("remote:" + desc.Type.String())
	c.remote = &desc
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.record("ice:" + candidate.Candidate)
	return nil
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) (rtpSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSender{conn: c, track: track}
	c.senders = append(c.senders, s)
	c.record("add:" + track.ID())
	return s, nil
}

func (c *fakeConn) RemoveTrack(rtpSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed++
	c.record("remove")
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) OnTrack(func(remoteTrack)) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) videoSender() *fakeSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[len(c.senders)-1]
}

func (c *fakeConn) emitState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(state)
}

func (c *fakeConn) emitICE(candidate string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: candidate})
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) New() (peerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{id: len(f.conns) + 1, done: make(chan struct{})}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) Conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type sentSignal struct {
	To     domain.ParticipantID
	Signal domain.Signal
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (s *fakeSignaler) SendSignal(_ context.Context, to domain.ParticipantID, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentSignal{To: to, Signal: sig})
	return nil
}

// SDPs lists the types of the descriptions sent to id, in order.
func (s *fakeSignaler) SDPs(to domain.ParticipantID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		if m.To == to && m.Signal.SDP != nil {
			out = append(out, m.Signal.SDP.Type)
		}
	}
	return out
}

func (s *fakeSignaler) All() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentSignal(nil), s.sent...)
}

type testEngine struct {
	*Engine
	factory  *fakeFactory
	signaler *fakeSignaler
	camera   VideoTrack
}

func newTestEngine(t *testing.T, self domain.ParticipantID, timeout time.Duration) *testEngine {
	t.Helper()

	audio, err := webrtc.NewTrackLocalStaticSample(opusCodec, "audio", mediaStreamID)
	require.NoError(t, err)
	camera, err := NewVideoTrack("camera", vp8Codec)
	require.NoError(t, err)

	factory := &fakeFactory{}
	signaler := &fakeSignaler{}
	cfg := Config{NegotiationTimeout: timeout}
	e := newEngine(self, "name-"+string(self), cfg, signaler, audio, NewOutboundVideo(camera), nil, factory.New, zaptest.NewLogger(t).Sugar())
	t.Cleanup(e.Close)

	return &testEngine{Engine: e, factory: factory, signaler: signaler, camera: camera}
}

func (e *testEngine) stateOf(id domain.ParticipantID) domain.LinkState {
	l, ok := e.Link(id)
	if !ok {
		return domain.LinkClosed
	}
	return l.State()
}

func (e *testEngine) waitState(t *testing.T, id domain.ParticipantID, want domain.LinkState) {
	t.Helper()
	require.Eventually(t, func() bool { return e.stateOf(id) == want },
		2*time.Second, 5*time.Millisecond, "link to %s never reached %s (now %s)", id, want, e.stateOf(id))
}

func sdpSignal(sdpType, content string) domain.Signal {
	return domain.Signal{SDP: &domain.SessionDescription{Type: sdpType, Content: content}}
}

func iceSignal(candidate string) domain.Signal {
	return domain.Signal{ICE: &domain.ICECandidate{Candidate: candidate}}
}
