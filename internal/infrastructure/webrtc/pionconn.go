package webrtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// peerConn is the part of a PeerConnection a PeerLink drives. It is satisfied
// by pionConn in production and by a scripted fake in tests.
type peerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (rtpSender, error)
	RemoveTrack(sender rtpSender) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(remoteTrack))

	Close() error
}

type rtpSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	ReadRTCP() ([]rtcp.Packet, error)
}

// remoteTrack is an inbound track as seen by the RTP reader.
type remoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	Read(buf []byte) (int, error)
	// ReadRTCP drains receiver feedback; it returns an error once the
	// receiver stops.
	ReadRTCP() ([]rtcp.Packet, error)
}

type connFactory func() (peerConn, error)

// newPionFactory builds PeerConnections sharing one API: default codecs,
// default interceptors (NACK, RTCP reports, TWCC) and the configured UDP
// port range.
func newPionFactory(cfg Config) (connFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	pcConfig := webrtc.Configuration{ICEServers: cfg.ICEServers}

	return func() (peerConn, error) {
		pc, err := api.NewPeerConnection(pcConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		return &pionConn{pc: pc}, nil
	}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (rtpSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return &pionSender{sender: sender}, nil
}

func (c *pionConn) RemoveTrack(sender rtpSender) error {
	s, ok := sender.(*pionSender)
	if !ok {
		return fmt.Errorf("foreign sender %T", sender)
	}
	return c.pc.RemoveTrack(s.sender)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) OnTrack(fn func(remoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		fn(&pionRemoteTrack{track: track, receiver: receiver})
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}

func (s *pionSender) ReadRTCP() ([]rtcp.Packet, error) {
	packets, _, err := s.sender.ReadRTCP()
	return packets, err
}

type pionRemoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

func (t *pionRemoteTrack) ID() string                       { return t.track.ID() }
func (t *pionRemoteTrack) Kind() webrtc.RTPCodecType        { return t.track.Kind() }
func (t *pionRemoteTrack) Codec() webrtc.RTPCodecParameters { return t.track.Codec() }

func (t *pionRemoteTrack) Read(buf []byte) (int, error) {
	n, _, err := t.track.Read(buf)
	return n, err
}

func (t *pionRemoteTrack) ReadRTCP() ([]rtcp.Packet, error) {
	packets, _, err := t.receiver.ReadRTCP()
	return packets, err
}
