package webrtc

import (
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
)

// OutboundVideo holds the active outbound video source. Camera is the
// default; a screen share replaces it until stopped. Every PeerLink
// subscribes and swaps the track on its own sender when the source changes.
type OutboundVideo struct {
	mu     sync.Mutex
	camera VideoTrack
	screen VideoTrack

	nextSub int
	subs    map[int]func(VideoTrack)
}

func NewOutboundVideo(camera VideoTrack) *OutboundVideo {
	return &OutboundVideo{
		camera: camera,
		subs:   make(map[int]func(VideoTrack)),
	}
}

// Current returns the track every link should be sending.
func (o *OutboundVideo) Current() VideoTrack {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLocked()
}

func (o *OutboundVideo) currentLocked() VideoTrack {
	if o.screen != nil {
		return o.screen
	}
	return o.camera
}

func (o *OutboundVideo) Sharing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screen != nil
}

// Subscribe registers fn for source changes. fn runs with the source lock
// held, so it must only hand the track off and never call back in.
func (o *OutboundVideo) Subscribe(fn func(VideoTrack)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// StartScreenShare makes track the active source.
func (o *OutboundVideo) StartScreenShare(track VideoTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.screen == track {
		return
	}
	o.screen = track
	o.notifyLocked()
}

// StopScreenShare restores the camera. It reports false when nothing was
// being shared.
func (o *OutboundVideo) StopScreenShare() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.screen == nil {
		return false
	}
	o.screen = nil
	o.notifyLocked()
	return true
}

// ScreenShareEnded stops the share only if track is still the one shared;
// a source that ends after being replaced is ignored.
func (o *OutboundVideo) ScreenShareEnded(track VideoTrack) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.screen == nil || o.screen != track {
		return false
	}
	o.screen = nil
	o.notifyLocked()
	return true
}

func (o *OutboundVideo) notifyLocked() {
	current := o.currentLocked()
	for _, fn := range o.subs {
		fn(current)
	}
}

// sameCodec reports whether a sender negotiated for a can carry b without a
// new offer/answer round.
func sameCodec(a, b webrtc.RTPCodecCapability) bool {
	return strings.EqualFold(a.MimeType, b.MimeType) &&
		a.ClockRate == b.ClockRate &&
		a.Channels == b.Channels
}
