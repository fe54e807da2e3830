package webrtc

import (
	"sort"
	"sync"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers         []webrtc.ICEServer
	PortMin            uint16
	PortMax            uint16
	NegotiationTimeout time.Duration
}

// ConfigFrom maps the client and WebRTC sections of the app config.
func ConfigFrom(cfg *config.Config) Config {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return Config{
		ICEServers:         servers,
		PortMin:            cfg.WebRTC.PortRange.Min,
		PortMax:            cfg.WebRTC.PortRange.Max,
		NegotiationTimeout: cfg.Client.NegotiationTimeout,
	}
}

type LinkInfo struct {
	ID    domain.ParticipantID
	Name  string
	Role  domain.LinkRole
	State domain.LinkState
	Stats domain.LinkStats
}

// Engine keeps one PeerLink per remote participant of the room we are in.
// Presence events decide who offers: a participant already in the room
// offers to each newcomer, and a newcomer only answers.
type Engine struct {
	env      *linkEnv
	outbound *OutboundVideo
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	links  map[domain.ParticipantID]*PeerLink
	closed bool
}

// NewEngine builds an engine sending media's tracks over pion
// PeerConnections.
func NewEngine(
	self domain.ParticipantID,
	displayName string,
	cfg Config,
	signaler ports.Signaler,
	media *LocalMedia,
	sink TrackSink,
	logger *zap.SugaredLogger,
) (*Engine, error) {
	factory, err := newPionFactory(cfg)
	if err != nil {
		return nil, err
	}
	outbound := NewOutboundVideo(media.CameraTrack())
	return newEngine(self, displayName, cfg, signaler, media.AudioTrack(), outbound, sink, factory, logger), nil
}

func newEngine(
	self domain.ParticipantID,
	displayName string,
	cfg Config,
	signaler ports.Signaler,
	audio webrtc.TrackLocal,
	outbound *OutboundVideo,
	sink TrackSink,
	factory connFactory,
	logger *zap.SugaredLogger,
) *Engine {
	if sink == nil {
		sink = DiscardSink{}
	}
	e := &Engine{
		outbound: outbound,
		logger:   logger.With("participant_id", self),
		links:    make(map[domain.ParticipantID]*PeerLink),
	}
	e.env = &linkEnv{
		self:     self,
		selfName: displayName,
		signaler: signaler,
		newConn:  factory,
		audio:    audio,
		outbound: outbound,
		sink:     sink,
		timeout:  cfg.NegotiationTimeout,
		logger:   e.logger,
		onClosed: e.linkClosed,
	}
	return e
}

// OnLinkState registers fn for every link state change. Call it before
// Start.
func (e *Engine) OnLinkState(fn func(remote domain.ParticipantID, state domain.LinkState)) {
	e.env.onState = fn
}

func (e *Engine) Self() domain.ParticipantID { return e.env.self }

func (e *Engine) Outbound() *OutboundVideo { return e.outbound }

// Start records the participants present when we joined. They offer to us,
// so their links wait in IDLE for an offer.
func (e *Engine) Start(roster []domain.Participant) {
	for _, p := range roster {
		e.link(p.ID, p.DisplayName, domain.RoleAnswerer)
	}
}

// PeerJoined opens a link to a newcomer and sends the first offer.
func (e *Engine) PeerJoined(id domain.ParticipantID, name string) {
	l, created := e.link(id, name, domain.RoleOfferer)
	if l == nil {
		return
	}
	if !created {
		e.logger.Debugw("peer already linked", "remote_id", id, "state", l.State().String())
		return
	}
	l.Offer()
}

// HandleSignal routes a relayed payload to its link, creating an answering
// link when the sender is new to us.
func (e *Engine) HandleSignal(from domain.ParticipantID, sig domain.Signal) {
	if from == e.env.self {
		return
	}
	if err := sig.Validate(); err != nil {
		e.logger.Warnw("malformed signal ignored", "remote_id", from, "error", err)
		return
	}
	l, _ := e.link(from, sig.DisplayName, domain.RoleAnswerer)
	if l == nil {
		return
	}
	l.HandleSignal(sig)
}

// PeerLeft closes the link to a departed participant. Links are never
// re-established on their own.
func (e *Engine) PeerLeft(id domain.ParticipantID) {
	e.mu.Lock()
	l, ok := e.links[id]
	delete(e.links, id)
	e.mu.Unlock()

	if ok {
		l.Close()
	}
}

// Close tears down every link and waits for their PeerConnections to be
// released.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	links := make([]*PeerLink, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.links = make(map[domain.ParticipantID]*PeerLink)
	e.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	for _, l := range links {
		<-l.Done()
	}
}

// StartScreenShare swaps every link's outbound video to track.
func (e *Engine) StartScreenShare(track VideoTrack) {
	e.outbound.StartScreenShare(track)
}

// StopScreenShare restores the camera on every link.
func (e *Engine) StopScreenShare() bool {
	return e.outbound.StopScreenShare()
}

func (e *Engine) Link(id domain.ParticipantID) (*PeerLink, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.links[id]
	return l, ok
}

// Links lists the open links ordered by remote id.
func (e *Engine) Links() []LinkInfo {
	e.mu.RLock()
	infos := make([]LinkInfo, 0, len(e.links))
	for id, l := range e.links {
		infos = append(infos, LinkInfo{
			ID:    id,
			Name:  l.Name(),
			Role:  l.Role(),
			State: l.State(),
			Stats: l.Stats(),
		})
	}
	e.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (e *Engine) link(id domain.ParticipantID, name string, role domain.LinkRole) (*PeerLink, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || id == e.env.self {
		return nil, false
	}
	if l, ok := e.links[id]; ok {
		return l, false
	}
	l := newPeerLink(id, name, role, e.env)
	e.links[id] = l
	e.logger.Infow("peer link created", "remote_id", id, "role", string(role))
	return l, true
}

func (e *Engine) linkClosed(l *PeerLink, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.links[l.remote]; ok && current == l {
		delete(e.links, l.remote)
	}
}
