package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meetrelay/internal/core/domain"
	rtc "meetrelay/internal/infrastructure/webrtc"
	apperrors "meetrelay/pkg/errors"
	"meetrelay/pkg/protocol"

	"go.uber.org/zap"
)

type EventKind string

const (
	EventJoined        EventKind = "joined"
	EventPeerJoined    EventKind = "peer-joined"
	EventPeerLeft      EventKind = "peer-left"
	EventChat          EventKind = "chat"
	EventMedia         EventKind = "media"
	EventLinkState     EventKind = "link-state"
	EventMediaDegraded EventKind = "media-degraded"
	EventError         EventKind = "error"
)

// Event is what a Session reports to its user interface.
type Event struct {
	Kind    EventKind
	Peer    domain.ParticipantID
	Name    string
	Text    string
	Media   domain.MediaKind
	Enabled bool
	State   domain.LinkState
	Err     error
	At      time.Time
}

type SessionConfig struct {
	ServerURL   string
	RoomID      domain.RoomID
	DisplayName string
	DialTimeout time.Duration
	Engine      rtc.Config

	// Optional capture files; a missing or unreadable one is replaced by a
	// placeholder and reported as EventMediaDegraded.
	AudioPath string
	VideoPath string

	Sink rtc.TrackSink
}

// Session is one participant in one room: the signaling client, the shared
// local media and the negotiation engine.
type Session struct {
	cfg    SessionConfig
	logger *zap.SugaredLogger

	client *Client
	media  *rtc.LocalMedia
	engine *rtc.Engine
	self   domain.ParticipantID
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	names     map[domain.ParticipantID]string
	stopShare context.CancelFunc
}

// Join dials the server, joins the room and waits for the roster. The
// returned Session is running; read Events until it closes.
func Join(ctx context.Context, cfg SessionConfig, logger *zap.SugaredLogger) (*Session, error) {
	client, err := Dial(ctx, cfg.ServerURL, cfg.DialTimeout, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		client: client,
		events: make(chan Event, 256),
		names:  make(map[domain.ParticipantID]string),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	fail := func(err error) (*Session, error) {
		s.cancel()
		client.Close()
		return nil, err
	}
	if err := client.Join(ctx, cfg.RoomID, cfg.DisplayName); err != nil {
		return fail(err)
	}
	roster, err := s.awaitRoster(ctx)
	if err != nil {
		return fail(err)
	}
	if err := s.startMedia(); err != nil {
		return fail(err)
	}

	s.engine, err = rtc.NewEngine(s.self, cfg.DisplayName, cfg.Engine, client, s.media, cfg.Sink, logger)
	if err != nil {
		s.media.Stop()
		return fail(err)
	}
	s.engine.OnLinkState(func(remote domain.ParticipantID, state domain.LinkState) {
		s.emit(Event{Kind: EventLinkState, Peer: remote, Name: s.nameOf(remote), State: state})
	})

	peers := make([]domain.Participant, 0, len(roster.Users))
	for _, u := range roster.Users {
		s.setName(u.ID, u.Name)
		peers = append(peers, domain.Participant{ID: u.ID, DisplayName: u.Name, Media: u.Media})
	}
	s.engine.Start(peers)
	s.emit(Event{Kind: EventJoined, Peer: s.self, Name: cfg.DisplayName})

	go s.run()
	return s, nil
}

func (s *Session) awaitRoster(ctx context.Context) (protocol.AllUsersPayload, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.AllUsersPayload{}, ctx.Err()
		case msg, ok := <-s.client.Incoming():
			if !ok {
				return protocol.AllUsersPayload{}, ErrClientClosed
			}
			switch msg.Type {
			case protocol.TypeAllUsers:
				var roster protocol.AllUsersPayload
				if err := msg.Decode(&roster); err != nil {
					return roster, err
				}
				s.self = roster.Self
				return roster, nil
			case protocol.TypeError:
				return protocol.AllUsersPayload{}, decodeError(msg)
			}
		}
	}
}

func (s *Session) startMedia() error {
	media, err := rtc.NewLocalMedia(s.logger)
	if err != nil {
		return err
	}
	s.media = media

	var audio, video rtc.SampleSource
	if s.cfg.AudioPath != "" {
		if audio, err = rtc.OpenOggSource(s.cfg.AudioPath); err != nil {
			s.emit(Event{Kind: EventMediaDegraded, Media: domain.MediaAudio, Err: err})
		}
	}
	if s.cfg.VideoPath != "" {
		if video, err = rtc.OpenIVFSource(s.cfg.VideoPath); err != nil {
			s.emit(Event{Kind: EventMediaDegraded, Media: domain.MediaVideo, Err: err})
		}
	}
	media.Start(s.ctx, audio, video)
	return nil
}

func (s *Session) run() {
	defer close(s.events)
	defer s.shutdown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.client.Incoming():
			if !ok {
				return
			}
			s.dispatch(msg)
		}
	}
}

func (s *Session) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeUserConnected:
		var p protocol.UserPayload
		if s.decode(msg, &p) {
			s.setName(p.ID, p.Name)
			s.engine.PeerJoined(p.ID, p.Name)
			s.emit(Event{Kind: EventPeerJoined, Peer: p.ID, Name: p.Name})
		}

	case protocol.TypeUserDisconnected:
		var p protocol.UserPayload
		if s.decode(msg, &p) {
			s.engine.PeerLeft(p.ID)
			s.emit(Event{Kind: EventPeerLeft, Peer: p.ID, Name: p.Name})
		}

	case protocol.TypeSignal:
		var p protocol.SignalInPayload
		if s.decode(msg, &p) {
			s.engine.HandleSignal(p.From, p.Signal)
		}

	case protocol.TypeChatMessage:
		var p protocol.ChatInPayload
		if s.decode(msg, &p) {
			s.emit(Event{Kind: EventChat, Peer: p.SenderID, Name: p.DisplayName, Text: p.Text, At: p.Timestamp})
		}

	case protocol.TypeUserVideoStateChange, protocol.TypeUserAudioStateChange:
		var p protocol.UserMediaStatePayload
		if s.decode(msg, &p) {
			kind := domain.MediaVideo
			if msg.Type == protocol.TypeUserAudioStateChange {
				kind = domain.MediaAudio
			}
			s.emit(Event{Kind: EventMedia, Peer: p.ID, Name: s.nameOf(p.ID), Media: kind, Enabled: p.Enabled})
		}

	case protocol.TypeUserScreenShareStarted, protocol.TypeUserScreenShareStopped:
		var p protocol.UserIDPayload
		if s.decode(msg, &p) {
			s.emit(Event{
				Kind:    EventMedia,
				Peer:    p.ID,
				Name:    s.nameOf(p.ID),
				Media:   domain.MediaScreenShare,
				Enabled: msg.Type == protocol.TypeUserScreenShareStarted,
			})
		}

	case protocol.TypeError:
		s.emit(Event{Kind: EventError, Err: decodeError(msg)})

	default:
		s.logger.Debugw("unhandled frame", "type", msg.Type)
	}
}

func (s *Session) decode(msg *protocol.Message, v interface{}) bool {
	if err := msg.Decode(v); err != nil {
		s.logger.Warnw("malformed frame from server", "type", msg.Type, "error", err)
		return false
	}
	return true
}

func decodeError(msg *protocol.Message) error {
	var p protocol.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	return apperrors.NewAppError(apperrors.ErrorCode(p.Code), p.Message, 0)
}

func (s *Session) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case s.events <- e:
	default:
		s.logger.Warnw("event dropped, consumer too slow", "kind", e.Kind)
	}
}

func (s *Session) setName(id domain.ParticipantID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[id] = name
}

func (s *Session) nameOf(id domain.ParticipantID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[id]
}

// Events is closed when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Self() domain.ParticipantID { return s.self }

func (s *Session) Links() []rtc.LinkInfo { return s.engine.Links() }

// MediaDegraded reports whether a placeholder is being sent.
func (s *Session) MediaDegraded() bool { return s.media.Degraded() }

func (s *Session) Chat(ctx context.Context, text string) error {
	return s.client.Chat(ctx, text, s.cfg.DisplayName)
}

// SetAudio mutes or unmutes the shared microphone for every link and tells
// the room.
func (s *Session) SetAudio(ctx context.Context, enabled bool) error {
	s.media.SetAudioEnabled(enabled)
	return s.client.SetMedia(ctx, domain.MediaAudio, enabled)
}

func (s *Session) SetVideo(ctx context.Context, enabled bool) error {
	s.media.SetVideoEnabled(enabled)
	return s.client.SetMedia(ctx, domain.MediaVideo, enabled)
}

// ShareScreen sends the VP8 frames of an IVF file instead of the camera.
// The camera comes back when the file ends or StopScreenShare is called.
func (s *Session) ShareScreen(ctx context.Context, path string) error {
	src, err := rtc.OpenIVFSource(path)
	if err != nil {
		return fmt.Errorf("open screen source: %w", err)
	}
	track, err := rtc.NewVideoTrack("screen", rtc.VP8Codec())
	if err != nil {
		return err
	}

	shareCtx, stop := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.stopShare != nil {
		s.stopShare()
	}
	s.stopShare = stop
	s.mu.Unlock()

	s.engine.StartScreenShare(track)
	if err := s.client.SetMedia(ctx, domain.MediaScreenShare, true); err != nil {
		return err
	}

	go func() {
		err := rtc.Pump(shareCtx, track, src, nil, s.logger)
		if errors.Is(err, context.Canceled) {
			return
		}
		// The source ended on its own.
		if s.engine.Outbound().ScreenShareEnded(track) {
			if err := s.client.SetMedia(s.ctx, domain.MediaScreenShare, false); err != nil {
				s.logger.Debugw("failed to announce screen share end", "error", err)
			}
		}
	}()
	return nil
}

func (s *Session) StopScreenShare(ctx context.Context) error {
	s.mu.Lock()
	if s.stopShare != nil {
		s.stopShare()
		s.stopShare = nil
	}
	s.mu.Unlock()

	if !s.engine.StopScreenShare() {
		return nil
	}
	return s.client.SetMedia(ctx, domain.MediaScreenShare, false)
}

// Leave leaves the room and ends the session.
func (s *Session) Leave(ctx context.Context) error {
	err := s.client.Leave(ctx)
	s.Close()
	return err
}

// Close ends the session without announcing it; the server notices the
// closed socket.
func (s *Session) Close() {
	s.cancel()
	s.client.Close()
}

func (s *Session) shutdown() {
	s.engine.Close()
	s.media.Stop()
	s.client.Close()
}
