package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var errConnectionFailed = errors.New("peer connection failed")

// linkEnv is what every PeerLink of one Engine shares.
type linkEnv struct {
	self     domain.ParticipantID
	selfName string
	signaler ports.Signaler
	newConn  connFactory
	audio    webrtc.TrackLocal
	outbound *OutboundVideo
	sink     TrackSink
	timeout  time.Duration
	logger   *zap.SugaredLogger

	onState  func(remote domain.ParticipantID, state domain.LinkState)
	onClosed func(l *PeerLink, err error)
}

// PeerLink negotiates and owns the PeerConnection to one remote participant.
// Every negotiation step runs on the link's own goroutine, in submission
// order, so descriptions are never set concurrently.
type PeerLink struct {
	remote domain.ParticipantID
	role   domain.LinkRole
	env    *linkEnv
	logger *zap.SugaredLogger

	ctx          context.Context
	cancel       context.CancelFunc
	ops          chan func()
	videoChanged chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once
	unsubscribe  func()

	mu       sync.RWMutex
	state    domain.LinkState
	name     string
	closeErr error
	negGen   int
	timer    *time.Timer

	stats linkStats

	// Owned by the op goroutine.
	pc          peerConn
	videoSender rtpSender
	videoCodec  webrtc.RTPCodecCapability
	remoteSet   bool
	localOffer  bool
	pendingICE  []webrtc.ICECandidateInit
	renegotiate bool
}

func newPeerLink(remote domain.ParticipantID, name string, role domain.LinkRole, env *linkEnv) *PeerLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &PeerLink{
		remote:       remote,
		role:         role,
		env:          env,
		logger:       env.logger.With("remote_id", remote),
		ctx:          ctx,
		cancel:       cancel,
		ops:          make(chan func(), 64),
		videoChanged: make(chan struct{}, 1),
		stopped:      make(chan struct{}),
		state:        domain.LinkIdle,
		name:         name,
	}

	l.unsubscribe = env.outbound.Subscribe(func(VideoTrack) {
		select {
		case l.videoChanged <- struct{}{}:
		default:
		}
	})
	l.armTimeout()

	go l.run()
	return l
}

func (l *PeerLink) RemoteID() domain.ParticipantID { return l.remote }
func (l *PeerLink) Role() domain.LinkRole          { return l.role }

func (l *PeerLink) State() domain.LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *PeerLink) Name() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

func (l *PeerLink) Stats() domain.LinkStats {
	return l.stats.snapshot()
}

// Err returns why the link closed, nil while it is open or after a
// requested close.
func (l *PeerLink) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closeErr
}

// Offer starts negotiation from our side.
func (l *PeerLink) Offer() {
	l.enqueue(l.offer)
}

// HandleSignal applies an SDP or ICE payload received from the remote side.
func (l *PeerLink) HandleSignal(sig domain.Signal) {
	l.enqueue(func() { l.handleSignal(sig) })
}

// Close tears the link down. Safe to call more than once.
func (l *PeerLink) Close() {
	l.close(nil)
}

// Done is closed once the PeerConnection has been released.
func (l *PeerLink) Done() <-chan struct{} {
	return l.stopped
}

func (l *PeerLink) enqueue(op func()) bool {
	select {
	case <-l.ctx.Done():
		return false
	case l.ops <- op:
		return true
	}
}

func (l *PeerLink) run() {
	defer close(l.stopped)
	defer l.teardown()

	for {
		select {
		case <-l.ctx.Done():
			return
		case op := <-l.ops:
			if l.ctx.Err() != nil {
				return
			}
			op()
		case <-l.videoChanged:
			l.swapVideo()
		}
	}
}

func (l *PeerLink) teardown() {
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			l.logger.Debugw("error closing peer connection", "error", err)
		}
		l.pc = nil
	}
}

func (l *PeerLink) close(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		prev := l.state
		l.state = domain.LinkClosed
		l.closeErr = err
		if l.timer != nil {
			l.timer.Stop()
		}
		l.mu.Unlock()

		l.cancel()
		l.unsubscribe()

		if err != nil {
			l.logger.Warnw("peer link closed", "state", prev.String(), "error", err)
		} else {
			l.logger.Infow("peer link closed", "state", prev.String())
		}
		if l.env.onState != nil {
			l.env.onState(l.remote, domain.LinkClosed)
		}
		if l.env.onClosed != nil {
			l.env.onClosed(l, err)
		}
	})
}

func (l *PeerLink) transition(next domain.LinkState) error {
	l.mu.Lock()
	prev := l.state
	if !prev.CanTransition(next) {
		l.mu.Unlock()
		err := fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prev, next)
		l.close(err)
		return err
	}
	l.state = next
	if next == domain.LinkConnected {
		l.disarmLocked()
	}
	l.mu.Unlock()

	l.logger.Debugw("peer link state changed", "from", prev.String(), "to", next.String())
	if l.env.onState != nil {
		l.env.onState(l.remote, next)
	}
	return nil
}

// armTimeout closes the link unless it reaches CONNECTED within the
// negotiation timeout.
func (l *PeerLink) armTimeout() {
	if l.env.timeout <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disarmLocked()
	gen := l.negGen
	l.timer = time.AfterFunc(l.env.timeout, func() {
		l.enqueue(func() { l.negotiationExpired(gen) })
	})
}

func (l *PeerLink) disarmLocked() {
	l.negGen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *PeerLink) negotiationExpired(gen int) {
	l.mu.RLock()
	expired := gen == l.negGen && l.state.Negotiating()
	l.mu.RUnlock()
	if expired {
		l.close(domain.ErrNegotiationTimeout)
	}
}

func (l *PeerLink) ensureConn() error {
	if l.pc != nil {
		return nil
	}

	pc, err := l.env.newConn()
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		l.enqueue(func() {
			if l.pc == pc {
				l.sendICE(candidate)
			}
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.enqueue(func() {
			if l.pc == pc {
				l.connectionStateChanged(state)
			}
		})
	})
	pc.OnTrack(func(track remoteTrack) {
		l.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		readRemoteTrack(l.remote, track, l.env.sink, &l.stats, l.logger)
	})

	audioSender, err := pc.AddTrack(l.env.audio)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	go drainRTCP(audioSender, &l.stats)

	video := l.env.outbound.Current()
	videoSender, err := pc.AddTrack(video)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to add video track: %w", err)
	}
	go drainRTCP(videoSender, &l.stats)

	l.pc = pc
	l.videoSender = videoSender
	l.videoCodec = video.Codec()
	l.remoteSet = false
	l.localOffer = false
	return nil
}

// resetConn drops the PeerConnection and the local offer made on it.
// Candidates queued for the remote offer are kept.
func (l *PeerLink) resetConn() {
	if l.pc != nil {
		l.pc.Close()
	}
	l.pc = nil
	l.videoSender = nil
	l.remoteSet = false
	l.localOffer = false
}

func (l *PeerLink) offer() {
	_, span := tracing.TraceNegotiation(l.ctx, "offer", string(l.remote))
	defer span.End()

	switch state := l.State(); state {
	case domain.LinkIdle:
		if err := l.ensureConn(); err != nil {
			l.close(err)
			return
		}
		if l.transition(domain.LinkOffering) != nil {
			return
		}
		l.armTimeout()
	case domain.LinkConnected:
		if l.transition(domain.LinkRenegotiating) != nil {
			return
		}
		l.armTimeout()
	default:
		l.logger.Debugw("offer skipped", "state", state.String())
		return
	}

	offer, err := l.pc.CreateOffer()
	if err != nil {
		l.close(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.close(fmt.Errorf("set local description: %w", err))
		return
	}
	l.localOffer = true
	if err := l.sendSDP(offer); err != nil {
		l.close(err)
		return
	}

	if l.State() == domain.LinkOffering {
		l.transition(domain.LinkAwaitingAnswer)
	}
}

func (l *PeerLink) handleSignal(sig domain.Signal) {
	if sig.DisplayName != "" {
		l.mu.Lock()
		l.name = sig.DisplayName
		l.mu.Unlock()
	}

	switch {
	case sig.SDP != nil:
		desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sig.SDP.Type), SDP: sig.SDP.Content}
		switch desc.Type {
		case webrtc.SDPTypeOffer:
			l.handleOffer(desc)
		case webrtc.SDPTypeAnswer:
			l.handleAnswer(desc)
		default:
			l.logger.Warnw("unsupported sdp type ignored", "type", sig.SDP.Type)
		}
	case sig.ICE != nil:
		l.handleICE(webrtc.ICECandidateInit{
			Candidate:     sig.ICE.Candidate,
			SDPMid:        sig.ICE.SDPMid,
			SDPMLineIndex: sig.ICE.SDPMLineIndex,
		})
	}
}

func (l *PeerLink) handleOffer(offer webrtc.SessionDescription) {
	ctx, span := tracing.TraceNegotiation(l.ctx, "answer", string(l.remote))
	defer span.End()

	state := l.State()
	if l.localOffer {
		if domain.WinsGlare(l.env.self, l.remote) {
			l.logger.Infow("offer collision, keeping local offer", "state", state.String())
			tracing.AddSpanAttributes(ctx, attribute.String("glare", "kept"))
			return
		}

		l.logger.Infow("offer collision, yielding to remote offer", "state", state.String())
		tracing.AddSpanAttributes(ctx, attribute.String("glare", "yielded"))
		if state == domain.LinkRenegotiating {
			if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
				l.close(fmt.Errorf("rollback local offer: %w", err))
				return
			}
			l.localOffer = false
			// Our change still has to reach the remote side.
			l.renegotiate = true
		} else {
			l.resetConn()
		}
	}

	switch state {
	case domain.LinkIdle, domain.LinkOffering, domain.LinkAwaitingAnswer:
		if err := l.ensureConn(); err != nil {
			l.close(err)
			return
		}
		if l.transition(domain.LinkAnswering) != nil {
			return
		}
		if state == domain.LinkIdle {
			l.armTimeout()
		}
	case domain.LinkConnected:
		if l.transition(domain.LinkRenegotiating) != nil {
			return
		}
		l.armTimeout()
	case domain.LinkRenegotiating:
	default:
		l.logger.Warnw("offer ignored", "state", state.String())
		return
	}

	if err := l.applyRemote(offer); err != nil {
		l.close(err)
		return
	}
	answer, err := l.pc.CreateAnswer()
	if err != nil {
		l.close(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.close(fmt.Errorf("set local description: %w", err))
		return
	}
	if err := l.sendSDP(answer); err != nil {
		l.close(err)
		return
	}
	if l.transition(domain.LinkConnected) != nil {
		return
	}
	l.flushRenegotiation()
}

func (l *PeerLink) handleAnswer(answer webrtc.SessionDescription) {
	_, span := tracing.TraceNegotiation(l.ctx, "apply_answer", string(l.remote))
	defer span.End()

	if !l.localOffer {
		l.logger.Debugw("answer without local offer ignored", "state", l.State().String())
		return
	}
	if err := l.applyRemote(answer); err != nil {
		l.close(err)
		return
	}
	l.localOffer = false
	if l.transition(domain.LinkConnected) != nil {
		return
	}
	l.flushRenegotiation()
}

func (l *PeerLink) flushRenegotiation() {
	if l.renegotiate {
		l.renegotiate = false
		l.offer()
	}
}

// applyRemote sets the remote description and then applies the queued
// candidates in arrival order.
func (l *PeerLink) applyRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.remoteSet = true

	pending := l.pendingICE
	l.pendingICE = nil
	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.logger.Warnw("failed to add queued ICE candidate", "error", err)
		}
	}
	return nil
}

func (l *PeerLink) handleICE(candidate webrtc.ICECandidateInit) {
	if l.pc == nil || !l.remoteSet {
		l.pendingICE = append(l.pendingICE, candidate)
		return
	}
	if err := l.pc.AddICECandidate(candidate); err != nil {
		l.logger.Warnw("failed to add ICE candidate", "error", err)
	}
}

// swapVideo points the video sender at the active outbound source. A
// different codec needs a new sender and a renegotiation.
func (l *PeerLink) swapVideo() {
	if l.pc == nil || l.videoSender == nil {
		return
	}

	track := l.env.outbound.Current()
	if sameCodec(l.videoCodec, track.Codec()) {
		if err := l.videoSender.ReplaceTrack(track); err != nil {
			l.logger.Warnw("failed to replace video track", "error", err)
		}
		return
	}

	l.logger.Infow("video codec changed, renegotiating",
		"from", l.videoCodec.MimeType,
		"to", track.Codec().MimeType,
	)
	if err := l.pc.RemoveTrack(l.videoSender); err != nil {
		l.logger.Warnw("failed to remove video sender", "error", err)
	}
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		l.close(fmt.Errorf("failed to add video track: %w", err))
		return
	}
	go drainRTCP(sender, &l.stats)
	l.videoSender = sender
	l.videoCodec = track.Codec()

	if l.State() == domain.LinkConnected {
		l.offer()
	} else {
		l.renegotiate = true
	}
}

func (l *PeerLink) connectionStateChanged(state webrtc.PeerConnectionState) {
	l.logger.Infow("peer connection state changed", "connection_state", state.String())

	switch state {
	case webrtc.PeerConnectionStateFailed:
		l.close(errConnectionFailed)
	case webrtc.PeerConnectionStateClosed:
		l.close(nil)
	case webrtc.PeerConnectionStateDisconnected:
		// ICE may still recover; failure arrives as its own state.
	}
}

func (l *PeerLink) sendSDP(desc webrtc.SessionDescription) error {
	sig := domain.Signal{
		SDP:         &domain.SessionDescription{Type: desc.Type.String(), Content: desc.SDP},
		DisplayName: l.env.selfName,
	}
	if err := l.env.signaler.SendSignal(l.ctx, l.remote, sig); err != nil {
		return fmt.Errorf("send %s: %w", desc.Type, err)
	}
	return nil
}

func (l *PeerLink) sendICE(candidate webrtc.ICECandidateInit) {
	sig := domain.Signal{ICE: &domain.ICECandidate{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}}
	if err := l.env.signaler.SendSignal(l.ctx, l.remote, sig); err != nil {
		l.logger.Warnw("failed to send ICE candidate", "error", err)
	}
}
